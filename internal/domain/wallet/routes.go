package wallet

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reviewmaster/billing-api/internal/middleware"
)

// Routes mounts the account-facing wallet endpoints. extra lets sibling
// packages add routes under the same prefix and auth.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler, extra ...func(chi.Router)) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/", h.Open)
	r.Get("/", h.Get)
	r.Get("/transactions", h.ListTransactions)
	r.Post("/debit", h.Debit)
	r.Put("/auto-topup", h.UpdateAutoTopUp)
	for _, register := range extra {
		register(r)
	}
	return r
}

// AdminRoutes mounts operator endpoints.
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireAdmin())
	r.Post("/{walletID}/bonus", h.GrantBonus)
	r.Get("/{walletID}/audit", h.Audit)
	r.Post("/{walletID}/deactivate", h.Deactivate)
	r.Put("/{walletID}/customer", h.LinkCustomer)
	return r
}
