package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/reviewmaster/billing-api/internal/config"
	"github.com/reviewmaster/billing-api/internal/pkg/database"
	"github.com/reviewmaster/billing-api/internal/pkg/logger"
)

var output string

// newRootCmd returns the operator CLI of the billing service.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the billing core: schema, audits, plans and tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			return logger.Init(logger.Config{Level: cfg.LogLevel, Environment: "cli", Service: "billingctl"})
		},
	}
	root.PersistentFlags().StringVar(&output, "output", "text", "output format: json|text")

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newAuditCmd())
	root.AddCommand(newArmedCmd())
	root.AddCommand(newRetriesCmd())
	root.AddCommand(newPlansCmd())
	root.AddCommand(newQuoteCmd())
	root.AddCommand(newTokenCmd())
	return root
}

func openDB() (*sqlx.DB, error) {
	cfg := config.Load()
	if cfg.UseMemoryStore() {
		return nil, fmt.Errorf("STORAGE_DRIVER=memory has no database to operate on")
	}
	return database.NewPostgres(cfg.DatabaseURL)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
