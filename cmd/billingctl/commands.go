package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/reviewmaster/billing-api/internal/config"
	"github.com/reviewmaster/billing-api/internal/domain/pricing"
	"github.com/reviewmaster/billing-api/internal/domain/reconcile"
	"github.com/reviewmaster/billing-api/internal/domain/wallet"
	"github.com/reviewmaster/billing-api/internal/pkg/database"
	"github.com/reviewmaster/billing-api/internal/pkg/jwt"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the billing schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer database.ClosePostgres(db)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := database.Migrate(ctx, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <wallet-id>...",
		Short: "Compare stored balances against the transaction log",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer database.ClosePostgres(db)

			svc := wallet.NewService(wallet.NewRepository(db), wallet.Config{})
			var audits []*wallet.Audit
			broken := 0
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid wallet id %q", arg)
				}
				audit, err := svc.Verify(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("audit %s: %w", id, err)
				}
				if !audit.Consistent {
					broken++
				}
				audits = append(audits, audit)
			}

			if output == "json" {
				if err := printJSON(cmd.OutOrStdout(), audits); err != nil {
					return err
				}
			} else {
				for _, a := range audits {
					mark := "ok"
					if !a.Consistent {
						mark = "MISMATCH"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s  balance=%s  sum=%s  %s\n", a.WalletID, a.Balance, a.Sum, mark)
				}
			}
			if broken > 0 {
				return fmt.Errorf("%d wallet(s) inconsistent", broken)
			}
			return nil
		},
	}
}

func newArmedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "armed",
		Short: "List wallets below their auto top-up threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer database.ClosePostgres(db)

			wallets, err := wallet.NewRepository(db).ListArmed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), wallets)
			}
			for _, w := range wallets {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  balance=%s  threshold=%s  top_up=%s\n",
					w.ID, w.Balance, w.MinimumThreshold, w.TopUpAmount)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum wallets to list")
	return cmd
}

func newRetriesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "retries",
		Short: "Show payment events waiting for redelivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer database.ClosePostgres(db)

			repo := reconcile.NewRepository(db)
			pending, err := repo.PendingRetries(cmd.Context())
			if err != nil {
				return err
			}
			due, err := repo.DueRetries(cmd.Context(), time.Now().UTC(), limit)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"pending": pending, "due": due})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending: %d\n", pending)
			for _, rt := range due {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  attempts=%d  %s\n", rt.EventID, rt.SubjectID, rt.Attempts, rt.Reason)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum due events to show")
	return cmd
}

func newPlansCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Validate and print the plan catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Load().PlanCatalogFile
			}
			c, err := reconcile.LoadCatalog(file)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), reconcile.PlansResponse{Version: c.Version(), Plans: c.Plans(), Packs: c.Packs()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog version %d\n", c.Version())
			for _, p := range c.Plans() {
				fmt.Fprintf(cmd.OutOrStdout(), "plan %-10s %v legacy=%v\n", p.ID, p.Prices, p.LegacyPrices)
			}
			for _, pk := range c.Packs() {
				fmt.Fprintf(cmd.OutOrStdout(), "pack %-10d %s\n", pk.Credits, pk.Price)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog file (default: PLAN_CATALOG_FILE or the built-in catalog)")
	return cmd
}

func newQuoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quote <credits>",
		Short: "Price a credit purchase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			credits, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid credits %q", args[0])
			}
			calc := pricing.MustDefault()
			quote, err := calc.PriceFor(credits)
			if err != nil {
				return err
			}
			savings, err := calc.Savings(credits)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), pricing.QuoteResponse{Quote: quote, Savings: savings})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s credits at %s = %s (saves %s)\n",
				quote.Credits, quote.PricePerCredit, quote.Total.StringFixed(2), savings.StringFixed(2))
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <account-id>",
		Short: "Issue an access token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.IsProduction() {
				return fmt.Errorf("refusing to mint tokens in production")
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			token, err := jwt.NewService(cfg.JWTSecret, ttl).GenerateAccessToken(id, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "owner", "token role: owner|admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
