package topup

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/reviewmaster/billing-api/internal/domain/pricing"
	"github.com/reviewmaster/billing-api/internal/domain/wallet"
	"github.com/reviewmaster/billing-api/internal/middleware"
	"github.com/reviewmaster/billing-api/internal/pkg/errorhandler"
	"github.com/reviewmaster/billing-api/internal/pkg/response"
	"github.com/reviewmaster/billing-api/internal/pkg/validator"
)

type Handler struct {
	purchaser *Purchaser
	trigger   *Trigger
}

func NewHandler(purchaser *Purchaser, trigger *Trigger) *Handler {
	return &Handler{purchaser: purchaser, trigger: trigger}
}

// Purchase handles POST /wallet/purchase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}
	if req.RequestKey == "" {
		req.RequestKey = r.Header.Get("Idempotency-Key")
	}

	attempt, txn, err := h.purchaser.Purchase(r.Context(), accountID, req.Credits, req.RequestKey)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			response.InvalidAmount(w, "credits must be a whole number between 50 and 10000")
		case errors.Is(err, wallet.ErrWalletNotFound):
			response.NotFound(w, "wallet not found")
		case errors.Is(err, ErrNoPaymentMethod):
			response.PaymentRequired(w, "NO_PAYMENT_METHOD", "add a payment method before buying credits")
		case errors.Is(err, ErrChargeTimeout):
			errorhandler.LogExternalServiceError(r.Context(), "stripe", "charge", http.StatusGatewayTimeout, err)
			response.GatewayTimeout(w, "payment processor did not answer in time")
		case errors.Is(err, ErrChargeFailed):
			errorhandler.LogExternalServiceError(r.Context(), "stripe", "charge", http.StatusPaymentRequired, err)
			response.PaymentRequired(w, "CHARGE_FAILED", "the payment was declined")
		default:
			errorhandler.HandleInternal(r.Context(), w, err)
		}
		return
	}

	response.Created(w, PurchaseResponse{
		Attempt:       attempt,
		TransactionID: txn.ID.String(),
		Quote:         pricing.Quote{Credits: attempt.Credits, PricePerCredit: attempt.PricePerCredit, Total: attempt.Amount},
		CreditsAdded:  txn.CreditsDelta,
	})
}

// Status handles GET /wallet/auto-topup/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.trigger.Status(r.Context(), middleware.GetAccountID(r.Context()))
	if err != nil {
		errorhandler.HandleInternal(r.Context(), w, err)
		return
	}
	response.OK(w, st)
}

// History handles GET /wallet/purchases
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	attempts, err := h.purchaser.History(r.Context(), middleware.GetAccountID(r.Context()), limit)
	if err != nil {
		errorhandler.HandleInternal(r.Context(), w, err)
		return
	}
	response.OK(w, attempts)
}
