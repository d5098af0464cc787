package reconcile

import "github.com/go-chi/chi/v5"

// Routes mounts the unauthenticated processor callbacks.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/stripe", h.Stripe)
	return r
}
