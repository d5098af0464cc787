package wallet

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Amounts and auto top-up bounds are enforced by the service.

type DebitRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	ActionKind     string          `json:"action_kind" validate:"required,action_kind"`
	Description    string          `json:"description" validate:"max=255"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
	Metadata       Metadata        `json:"metadata"`
}

type DebitResponse struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	CreditsDelta  decimal.Decimal `json:"credits_delta"`
	NewBalance    decimal.Decimal `json:"new_balance"`
}

type AutoTopUpRequest struct {
	Enabled          bool            `json:"enabled"`
	MinimumThreshold decimal.Decimal `json:"minimum_threshold"`
	TopUpAmount      decimal.Decimal `json:"top_up_amount"`
}

type BonusRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description" validate:"required,max=255"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required,max=128"`
}

type LinkCustomerRequest struct {
	CustomerID string `json:"customer_id" validate:"required,max=255"`
}
