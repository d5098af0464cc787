package topup

import "github.com/go-chi/chi/v5"

// Register adds the top-up endpoints to the authenticated wallet router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/purchase", h.Purchase)
	r.Get("/purchases", h.History)
	r.Get("/auto-topup/status", h.Status)
}
