package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrNoPaymentMethod  = errors.New("customer has no default payment method")
	ErrDeclined         = errors.New("payment declined")
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrNotConfigured    = errors.New("stripe is not configured")
)

// Client wraps the Stripe calls the billing core makes: off-session charges
// and webhook verification.
type Client struct {
	secretKey     string
	webhookSecret string
}

type Config struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
}

// NewClient sets the package-level stripe key used by the resource packages.
func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{secretKey: cfg.SecretKey, webhookSecret: cfg.WebhookSecret}
}

// ChargeParams describes one off-session charge against a saved card.
type ChargeParams struct {
	CustomerID     string
	AmountCents    int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

type ChargeResult struct {
	ID     string
	Status string
}

// Charge confirms a PaymentIntent with the customer's default payment method.
// Only a succeeded intent is reported as success.
func (c *Client) Charge(ctx context.Context, p ChargeParams) (*ChargeResult, error) {
	if c.secretKey == "" {
		return nil, ErrNotConfigured
	}

	custParams := &stripe.CustomerParams{}
	custParams.Context = ctx
	cust, err := customer.Get(p.CustomerID, custParams)
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	if cust.InvoiceSettings == nil || cust.InvoiceSettings.DefaultPaymentMethod == nil {
		return nil, ErrNoPaymentMethod
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(p.AmountCents),
		Currency:      stripe.String(p.Currency),
		Customer:      stripe.String(p.CustomerID),
		PaymentMethod: stripe.String(cust.InvoiceSettings.DefaultPaymentMethod.ID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(p.Description),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			log.Warn().
				Str("customer_id", p.CustomerID).
				Str("code", string(stripeErr.Code)).
				Str("decline_code", string(stripeErr.DeclineCode)).
				Msg("stripe charge declined")
			return nil, fmt.Errorf("%w: %s", ErrDeclined, stripeErr.Msg)
		}
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: payment intent %s is %s", ErrDeclined, pi.ID, pi.Status)
	}

	log.Info().
		Str("customer_id", p.CustomerID).
		Str("payment_intent", pi.ID).
		Int64("amount_cents", p.AmountCents).
		Msg("stripe charge succeeded")

	return &ChargeResult{ID: pi.ID, Status: string(pi.Status)}, nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
func (c *Client) ParseWebhook(payload []byte, signature string) (stripe.Event, error) {
	if c.webhookSecret == "" {
		return stripe.Event{}, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}
