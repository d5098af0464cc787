package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"

	stripeclient "github.com/reviewmaster/billing-api/internal/pkg/stripe"
)

// Verifier authenticates a raw delivery and normalizes it.
type Verifier interface {
	Verify(payload []byte, signature string) (*PaymentEvent, error)
}

// StripeVerifier checks the Stripe-Signature header and maps Stripe events.
type StripeVerifier struct {
	client *stripeclient.Client
}

func NewStripeVerifier(client *stripeclient.Client) *StripeVerifier {
	return &StripeVerifier{client: client}
}

func (v *StripeVerifier) Verify(payload []byte, signature string) (*PaymentEvent, error) {
	ev, err := v.client.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, stripeclient.ErrNotConfigured) {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return FromStripeEvent(ev)
}

// FromStripeEvent maps the Stripe event types the billing core reacts to.
// Everything else becomes EventOther.
func FromStripeEvent(ev stripe.Event) (*PaymentEvent, error) {
	out := &PaymentEvent{
		ID:         ev.ID,
		SourceType: string(ev.Type),
		OccurredAt: time.Unix(ev.Created, 0).UTC(),
		Type:       EventOther,
	}
	if ev.Data == nil {
		return out, nil
	}

	switch ev.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.Type = EventCheckoutCompleted
		out.SubjectID = customerID(sess.Customer)
		out.Checkout = &CheckoutCompleted{
			SessionID: sess.ID,
			PriceID:   sess.Metadata["price_id"],
			Quantity:  parseQuantity(sess.Metadata["quantity"]),
			Currency:  string(sess.Currency),
			WalletID:  sess.ClientReferenceID,
		}
		if sess.AmountTotal > 0 {
			out.Checkout.AmountTotal = decimal.NewNullDecimal(fromMinorUnits(sess.AmountTotal))
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.Type = EventSubscriptionUpdated
		if ev.Type == "customer.subscription.deleted" {
			out.Type = EventSubscriptionDeleted
		}
		out.SubjectID = customerID(sub.Customer)
		out.Subscription = &SubscriptionChange{
			SubscriptionID:    sub.ID,
			Status:            string(sub.Status),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			out.Subscription.PriceID = sub.Items.Data[0].Price.ID
		}

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.Type = EventPaymentSucceeded
		out.SubjectID = customerID(pi.Customer)
		out.Payment = &PaymentSucceeded{
			PaymentIntentID: pi.ID,
			WalletID:        pi.Metadata["wallet_id"],
			Kind:            pi.Metadata["kind"],
			Amount:          fromMinorUnits(pi.Amount),
			Currency:        string(pi.Currency),
		}
		if c, err := decimal.NewFromString(pi.Metadata["credits"]); err == nil {
			out.Payment.Credits = c
		}

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.Type = EventChargeRefunded
		out.SubjectID = customerID(ch.Customer)
		out.Refund = &ChargeRefunded{
			ChargeID:       ch.ID,
			Amount:         fromMinorUnits(ch.Amount),
			AmountRefunded: fromMinorUnits(ch.AmountRefunded),
			Currency:       string(ch.Currency),
		}
		if ch.PaymentIntent != nil {
			out.Refund.PaymentIntentID = ch.PaymentIntent.ID
		}
	}
	return out, nil
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// fromMinorUnits assumes a two-decimal currency.
func fromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

func parseQuantity(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
