package reconcile

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reviewmaster/billing-api/internal/domain/wallet"
)

// EventType is the normalized kind of a payment processor event.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout_completed"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
	EventPaymentSucceeded    EventType = "payment_succeeded"
	EventChargeRefunded      EventType = "charge_refunded"
	EventOther               EventType = "other"
)

// Outcome is what Handle did with an event.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeIgnored    Outcome = "ignored"
)

// EventPlanActive is published to the account when a paid plan becomes active.
const EventPlanActive = "plan.active"

// PaymentEvent is a verified processor event. Exactly one of the typed
// payloads is set, matching Type; EventOther carries none.
type PaymentEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	SourceType string    `json:"source_type"`
	SubjectID  string    `json:"subject_id"`
	OccurredAt time.Time `json:"occurred_at"`

	Checkout     *CheckoutCompleted  `json:"checkout,omitempty"`
	Subscription *SubscriptionChange `json:"subscription,omitempty"`
	Payment      *PaymentSucceeded   `json:"payment,omitempty"`
	Refund       *ChargeRefunded     `json:"refund,omitempty"`
}

type CheckoutCompleted struct {
	SessionID string `json:"session_id"`
	PriceID   string `json:"price_id"`
	// Quantity of credit packs bought; zero for subscription checkouts.
	Quantity    int64               `json:"quantity"`
	AmountTotal decimal.NullDecimal `json:"amount_total"`
	Currency    string              `json:"currency"`
	// WalletID is the client reference set when the session was created.
	WalletID string `json:"wallet_id,omitempty"`
}

type SubscriptionChange struct {
	SubscriptionID    string `json:"subscription_id"`
	PriceID           string `json:"price_id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

// PaymentSucceeded is a charge that completed; only charges this service
// started carry WalletID and Credits.
type PaymentSucceeded struct {
	PaymentIntentID string          `json:"payment_intent_id"`
	WalletID        string          `json:"wallet_id,omitempty"`
	Kind            string          `json:"kind,omitempty"`
	Credits         decimal.Decimal `json:"credits"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
}

type ChargeRefunded struct {
	ChargeID        string          `json:"charge_id"`
	PaymentIntentID string          `json:"payment_intent_id"`
	Amount          decimal.Decimal `json:"amount"`
	AmountRefunded  decimal.Decimal `json:"amount_refunded"`
	Currency        string          `json:"currency"`
}

// ProcessedEvent is the dedup record written with the account change.
type ProcessedEvent struct {
	EventID         string    `db:"event_id" json:"event_id"`
	SubjectID       string    `db:"subject_id" json:"subject_id"`
	EventType       EventType `db:"event_type" json:"event_type"`
	Outcome         Outcome   `db:"outcome" json:"outcome"`
	Applied         bool      `db:"applied" json:"applied"`
	ResultingPlanID *string   `db:"resulting_plan_id" json:"resulting_plan_id,omitempty"`
	OccurredAt      time.Time `db:"occurred_at" json:"occurred_at"`
	ProcessedAt     time.Time `db:"processed_at" json:"processed_at"`
}

// AccountChange is the plan/status mutation an event resolves to.
type AccountChange struct {
	WalletID uuid.UUID
	PlanID   string
	Status   wallet.Status
}

// Retry is an event waiting for its customer to become known.
type Retry struct {
	EventID       string       `json:"event_id"`
	SubjectID     string       `json:"subject_id"`
	Event         PaymentEvent `json:"event"`
	Reason        string       `json:"reason"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	Dead          bool         `json:"dead"`
	CreatedAt     time.Time    `json:"created_at"`
}
