package reconcile

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/reviewmaster/billing-api/internal/middleware"
	"github.com/reviewmaster/billing-api/internal/pkg/errorhandler"
	"github.com/reviewmaster/billing-api/internal/pkg/response"
)

// Stripe caps event payloads well below this.
const maxWebhookBody = 1 << 16

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Stripe handles POST /webhooks/stripe
func (h *Handler) Stripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "unreadable body")
		return
	}

	outcome, err := h.svc.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrMalformedEvent):
			response.BadRequest(w, "invalid webhook signature or payload")
		case errors.Is(err, ErrNotConfigured):
			response.ServiceUnavailable(w, "webhooks are not configured")
		case errors.Is(err, ErrSubjectBusy):
			response.ServiceUnavailable(w, "event for this customer is being processed")
		case errors.Is(err, ErrUnknownCustomer):
			// non-2xx makes the processor redeliver as well as our own queue
			log.Warn().
				Str("request_id", middleware.GetRequestID(r.Context())).
				Msg("webhook for unknown customer queued")
			response.Error(w, http.StatusInternalServerError, "UNKNOWN_CUSTOMER", "customer not linked yet")
		default:
			errorhandler.HandleInternal(r.Context(), w, err)
		}
		return
	}

	response.OK(w, WebhookResponse{Outcome: outcome})
}

// Plans handles GET /plans
func (h *Handler) Plans(w http.ResponseWriter, r *http.Request) {
	c := h.svc.Catalog()
	response.OK(w, PlansResponse{Version: c.Version(), Plans: c.Plans(), Packs: c.Packs()})
}
