package topup

import (
	"github.com/shopspring/decimal"

	"github.com/reviewmaster/billing-api/internal/domain/pricing"
)

type PurchaseRequest struct {
	Credits    decimal.Decimal `json:"credits"`
	RequestKey string          `json:"request_key" validate:"max=128"`
}

type PurchaseResponse struct {
	Attempt       *Attempt        `json:"attempt"`
	TransactionID string          `json:"transaction_id"`
	Quote         pricing.Quote   `json:"quote"`
	CreditsAdded  decimal.Decimal `json:"credits_added"`
}
