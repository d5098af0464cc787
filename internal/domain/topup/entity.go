package topup

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is the in-process refill state of one wallet.
type State string

const (
	StateIdle      State = "idle"
	StateTriggered State = "triggered"
	StateCharging  State = "charging"
	StateFailed    State = "failed"
)

type AttemptKind string

const (
	KindAuto   AttemptKind = "auto"
	KindManual AttemptKind = "manual"
)

type AttemptStatus string

const (
	AttemptCharging  AttemptStatus = "charging"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// EventAutoTopUpFailed is published to the account when a refill charge fails.
const EventAutoTopUpFailed = "autotopup.failed"

// Manual purchase bounds, inclusive.
var (
	MinPurchase = decimal.NewFromInt(50)
	MaxPurchase = decimal.NewFromInt(10000)
)

// Attempt is one charge made to buy credits.
type Attempt struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	WalletID       uuid.UUID       `db:"wallet_id" json:"wallet_id"`
	Kind           AttemptKind     `db:"kind" json:"kind"`
	Credits        decimal.Decimal `db:"credits" json:"credits"`
	PricePerCredit decimal.Decimal `db:"price_per_credit" json:"price_per_credit"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Status         AttemptStatus   `db:"status" json:"status"`
	ChargeID       *string         `db:"charge_id" json:"charge_id,omitempty"`
	Error          *string         `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	FinishedAt     *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// Status is what the account sees about its auto top-up.
type Status struct {
	WalletID    uuid.UUID  `json:"wallet_id"`
	State       State      `json:"state"`
	Since       *time.Time `json:"since,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	RetryAfter  *time.Time `json:"retry_after,omitempty"`
	LastAttempt *Attempt   `json:"last_attempt,omitempty"`
}
