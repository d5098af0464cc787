package wallet

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reviewmaster/billing-api/internal/middleware"
	"github.com/reviewmaster/billing-api/internal/pkg/errorhandler"
	"github.com/reviewmaster/billing-api/internal/pkg/response"
	"github.com/reviewmaster/billing-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Open handles POST /wallet
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())

	wal, err := h.svc.Open(r.Context(), accountID)
	if err != nil {
		errorhandler.HandleInternal(r.Context(), w, err)
		return
	}
	response.OK(w, wal)
}

// Get handles GET /wallet
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.writeWallet(w, r, middleware.GetAccountID(r.Context()))
}

// ListTransactions handles GET /wallet/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if page < 1 {
		page = 1
	}

	txs, total, err := h.svc.ListTransactions(r.Context(), accountID, limit, (page-1)*limit)
	if err != nil {
		errorhandler.HandleInternal(r.Context(), w, err)
		return
	}

	response.WithMeta(w, txs, response.NewMeta(total, page, limit))
}

// Debit handles POST /wallet/debit
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())

	var req DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}

	txn, err := h.svc.Debit(r.Context(), accountID, DebitInput{
		Amount:         req.Amount,
		ActionKind:     req.ActionKind,
		Description:    req.Description,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	wal, err := h.svc.Get(r.Context(), accountID)
	if err != nil {
		errorhandler.HandleInternal(r.Context(), w, err)
		return
	}
	response.OK(w, DebitResponse{TransactionID: txn.ID, CreditsDelta: txn.CreditsDelta, NewBalance: wal.Balance})
}

// UpdateAutoTopUp handles PUT /wallet/auto-topup
func (h *Handler) UpdateAutoTopUp(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())

	var req AutoTopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}

	wal, err := h.svc.UpdateAutoTopUp(r.Context(), accountID, AutoTopUp{
		Enabled:          req.Enabled,
		MinimumThreshold: req.MinimumThreshold,
		TopUpAmount:      req.TopUpAmount,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, wal)
}

// GrantBonus handles POST /admin/wallets/{walletID}/bonus
func (h *Handler) GrantBonus(w http.ResponseWriter, r *http.Request) {
	walletID, ok := walletIDParam(w, r)
	if !ok {
		return
	}

	var req BonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	txn, err := h.svc.Credit(r.Context(), walletID, CreditInput{
		Amount:         req.Amount,
		Kind:           KindBonus,
		Description:    req.Description,
		Metadata:       Metadata{"granted_by": middleware.GetAccountID(r.Context()).String()},
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, txn)
}

// Audit handles GET /admin/wallets/{walletID}/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	walletID, ok := walletIDParam(w, r)
	if !ok {
		return
	}
	audit, err := h.svc.Verify(r.Context(), walletID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, audit)
}

// Deactivate handles POST /admin/wallets/{walletID}/deactivate
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	walletID, ok := walletIDParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.Deactivate(r.Context(), walletID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeWallet(w, r, walletID)
}

// LinkCustomer handles PUT /admin/wallets/{walletID}/customer
func (h *Handler) LinkCustomer(w http.ResponseWriter, r *http.Request) {
	walletID, ok := walletIDParam(w, r)
	if !ok {
		return
	}

	var req LinkCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	if err := h.svc.LinkCustomer(r.Context(), walletID, req.CustomerID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeWallet(w, r, walletID)
}

func (h *Handler) writeWallet(w http.ResponseWriter, r *http.Request, walletID uuid.UUID) {
	wal, err := h.svc.Get(r.Context(), walletID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, wal)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrWalletNotFound):
		response.NotFound(w, "wallet not found")
	case errors.Is(err, ErrInsufficientCredits):
		response.PaymentRequired(w, "INSUFFICIENT_CREDITS", "not enough credits for this action")
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidKind):
		response.InvalidAmount(w, "amount must be a positive number of credits")
	case errors.Is(err, ErrInvalidAutoTopUp):
		response.InvalidAmount(w, "threshold must be 10-1000 and top-up amount 50-10000")
	case errors.Is(err, ErrIdempotencyConflict):
		response.Conflict(w, "idempotency_key already used with different parameters")
	case errors.Is(err, ErrCustomerConflict):
		response.Conflict(w, "customer is linked to another wallet")
	default:
		errorhandler.HandleInternal(r.Context(), w, err)
	}
}

func walletIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "walletID"))
	if err != nil {
		response.BadRequest(w, "invalid wallet id")
		return uuid.Nil, false
	}
	return id, true
}
