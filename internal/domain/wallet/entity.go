package wallet

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind classifies a ledger transaction.
type Kind string

const (
	KindPurchase  Kind = "purchase"
	KindUsage     Kind = "usage"
	KindBonus     Kind = "bonus"
	KindAutoTopUp Kind = "auto_topup"
	KindRefund    Kind = "refund"
)

// Status is the account status mirrored from the payment processor.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusCancelled Status = "cancelled"
	StatusPastDue   Status = "past_due"
)

// PlanTrial is the plan of accounts without a paid subscription.
const PlanTrial = "trial"

// Credits are stored as NUMERIC(20,4).
const creditScale = 4

// Auto top-up bounds, inclusive.
var (
	MinThreshold = decimal.NewFromInt(10)
	MaxThreshold = decimal.NewFromInt(1000)
	MinTopUp     = decimal.NewFromInt(50)
	MaxTopUp     = decimal.NewFromInt(10000)
)

// AutoTopUp is the refill configuration of a wallet.
type AutoTopUp struct {
	Enabled          bool            `db:"auto_topup_enabled" json:"enabled"`
	MinimumThreshold decimal.Decimal `db:"auto_topup_threshold" json:"minimum_threshold"`
	TopUpAmount      decimal.Decimal `db:"auto_topup_amount" json:"top_up_amount"`
}

// DefaultAutoTopUp is disabled at the lowest allowed bounds.
func DefaultAutoTopUp() AutoTopUp {
	return AutoTopUp{MinimumThreshold: MinThreshold, TopUpAmount: MinTopUp}
}

func (a AutoTopUp) Validate() error {
	if a.MinimumThreshold.LessThan(MinThreshold) || a.MinimumThreshold.GreaterThan(MaxThreshold) {
		return ErrInvalidAutoTopUp
	}
	if a.TopUpAmount.LessThan(MinTopUp) || a.TopUpAmount.GreaterThan(MaxTopUp) {
		return ErrInvalidAutoTopUp
	}
	return nil
}

// Armed reports whether balance should trigger a refill.
func (a AutoTopUp) Armed(balance decimal.Decimal) bool {
	return a.Enabled && balance.LessThan(a.MinimumThreshold)
}

// Wallet is keyed by the owning account id.
type Wallet struct {
	ID                     uuid.UUID       `db:"id" json:"id"`
	Balance                decimal.Decimal `db:"balance" json:"balance"`
	FreeAllowanceRemaining int             `db:"free_allowance_remaining" json:"free_allowance_remaining"`
	AutoTopUp              `json:"auto_topup"`
	PlanID                 string    `db:"plan_id" json:"plan_id"`
	Status                 Status    `db:"status" json:"status"`
	CustomerID             *string   `db:"customer_id" json:"customer_id,omitempty"`
	CreatedAt              time.Time `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time `db:"updated_at" json:"updated_at"`
}

// Metadata is stored as JSONB.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("metadata: unsupported scan type")
	}
	return json.Unmarshal(raw, m)
}

func (m Metadata) clone() Metadata {
	out := make(Metadata, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID             uuid.UUID           `db:"id" json:"id"`
	WalletID       uuid.UUID           `db:"wallet_id" json:"wallet_id"`
	Kind           Kind                `db:"kind" json:"kind"`
	CreditsDelta   decimal.Decimal     `db:"credits_delta" json:"credits_delta"`
	MonetaryAmount decimal.NullDecimal `db:"monetary_amount" json:"monetary_amount"`
	Currency       *string             `db:"currency" json:"currency,omitempty"`
	Description    string              `db:"description" json:"description"`
	Metadata       Metadata            `db:"metadata" json:"metadata"`
	IdempotencyKey *string             `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
}

// DebitInput describes one metered action.
type DebitInput struct {
	Amount         decimal.Decimal
	ActionKind     string
	Description    string
	Metadata       Metadata
	IdempotencyKey string
}

// CreditInput describes credits entering the wallet.
type CreditInput struct {
	Amount         decimal.Decimal
	Kind           Kind
	Description    string
	Metadata       Metadata
	MonetaryAmount decimal.NullDecimal
	Currency       string
	IdempotencyKey string
}

// RefundInput reverses a share of an earlier purchase. Ratio is the refunded
// fraction of the original money, in (0, 1].
type RefundInput struct {
	OriginalKey    string
	Ratio          decimal.Decimal
	Reason         string
	IdempotencyKey string
}

// BalanceEvent is emitted after every committed debit.
type BalanceEvent struct {
	WalletID  uuid.UUID
	Balance   decimal.Decimal
	AutoTopUp AutoTopUp
	At        time.Time
}

// Audit compares the stored balance against the transaction log.
type Audit struct {
	WalletID   uuid.UUID       `json:"wallet_id"`
	Balance    decimal.Decimal `json:"balance"`
	Sum        decimal.Decimal `json:"sum"`
	Consistent bool            `json:"consistent"`
}
