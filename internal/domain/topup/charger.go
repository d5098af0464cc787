package topup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reviewmaster/billing-api/internal/pkg/stripe"
)

// ChargeRequest is a payment for Amount in Currency against the saved card of CustomerID.
type ChargeRequest struct {
	WalletID       uuid.UUID
	AttemptID      uuid.UUID
	CustomerID     string
	Amount         decimal.Decimal
	Currency       string
	Credits        decimal.Decimal
	Kind           AttemptKind
	IdempotencyKey string
}

// Charger is the payment port. It returns the processor charge id on success.
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (string, error)
}

// StripeCharger charges through Stripe PaymentIntents.
type StripeCharger struct {
	client *stripe.Client
}

func NewStripeCharger(client *stripe.Client) *StripeCharger {
	return &StripeCharger{client: client}
}

func (c *StripeCharger) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	res, err := c.client.Charge(ctx, stripe.ChargeParams{
		CustomerID:     req.CustomerID,
		AmountCents:    req.Amount.Shift(2).Round(0).IntPart(),
		Currency:       req.Currency,
		Description:    fmt.Sprintf("%s credits", req.Credits.String()),
		IdempotencyKey: req.IdempotencyKey,
		// read back by payment_intent.succeeded reconciliation
		Metadata: map[string]string{
			"wallet_id":  req.WalletID.String(),
			"attempt_id": req.AttemptID.String(),
			"credits":    req.Credits.String(),
			"kind":       string(req.Kind),
		},
	})
	if err != nil {
		if errors.Is(err, stripe.ErrNoPaymentMethod) {
			return "", fmt.Errorf("%w: %v", ErrNoPaymentMethod, err)
		}
		return "", fmt.Errorf("%w: %v", ErrChargeFailed, err)
	}
	return res.ID, nil
}
