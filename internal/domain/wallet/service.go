package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/reviewmaster/billing-api/internal/pkg/metrics"
)

// BalanceObserver is told about every committed debit. Implementations must
// return promptly; the debit has already succeeded and never waits on them.
type BalanceObserver interface {
	BalanceChanged(evt BalanceEvent)
}

// Notifier pushes account events to connected clients. Must not block.
type Notifier interface {
	Publish(accountID uuid.UUID, eventType string, data interface{})
}

const (
	EventCreditsAvailable = "credits.available"
	EventBalanceLow       = "balance.low"
)

type Config struct {
	FreeAllowance    int
	AllowanceActions []string
	Currency         string
}

// Service is the wallet ledger: the only writer of balances.
type Service struct {
	repo      Repository
	cfg       Config
	allowance map[string]bool
	observer  BalanceObserver
	notifier  Notifier
	now       func() time.Time
}

func NewService(repo Repository, cfg Config) *Service {
	allowance := make(map[string]bool, len(cfg.AllowanceActions))
	for _, a := range cfg.AllowanceActions {
		allowance[a] = true
	}
	return &Service{repo: repo, cfg: cfg, allowance: allowance, now: time.Now}
}

// SetObserver wires the post-debit observer. Call before serving traffic.
func (s *Service) SetObserver(o BalanceObserver) { s.observer = o }

// SetNotifier wires realtime account notifications.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Open creates the wallet for a new account with the default free allowance.
// Opening an existing wallet returns it unchanged.
func (s *Service) Open(ctx context.Context, accountID uuid.UUID) (*Wallet, error) {
	now := s.now().UTC()
	w := &Wallet{
		ID:                     accountID,
		Balance:                decimal.Zero,
		FreeAllowanceRemaining: s.cfg.FreeAllowance,
		AutoTopUp:              DefaultAutoTopUp(),
		PlanID:                 PlanTrial,
		Status:                 StatusActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	created, err := s.repo.Create(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	if created {
		log.Info().Str("wallet_id", accountID.String()).Int("free_allowance", s.cfg.FreeAllowance).Msg("wallet opened")
	}
	return s.repo.Get(ctx, accountID)
}

func (s *Service) Get(ctx context.Context, walletID uuid.UUID) (*Wallet, error) {
	return s.repo.Get(ctx, walletID)
}

func (s *Service) ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*Transaction, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListTransactions(ctx, walletID, limit, offset)
}

// ListArmed returns wallets whose balance is already below their refill threshold.
func (s *Service) ListArmed(ctx context.Context, limit int) ([]*Wallet, error) {
	return s.repo.ListArmed(ctx, limit)
}

// Debit charges one metered action. Allowance-eligible actions consume free
// allowance first and leave the balance untouched.
func (s *Service) Debit(ctx context.Context, walletID uuid.UUID, in DebitInput) (*Transaction, error) {
	if !validAmount(in.Amount) {
		return nil, ErrInvalidAmount
	}
	eligible := s.allowance[in.ActionKind]

	txn, w, replay, err := s.apply(ctx, walletID, in.IdempotencyKey,
		func(existing *Transaction) bool {
			return existing.Kind == KindUsage && existing.Metadata["amount"] == in.Amount.String()
		},
		func(_ Tx, w *Wallet) (*mutation, error) {
			meta := in.Metadata.clone()
			meta["action"] = in.ActionKind
			meta["amount"] = in.Amount.String()

			if eligible && w.FreeAllowanceRemaining > 0 {
				meta["allowance"] = "true"
				return &mutation{
					balance:   w.Balance,
					allowance: w.FreeAllowanceRemaining - 1,
					txn:       Transaction{Kind: KindUsage, CreditsDelta: decimal.Zero, Description: in.Description, Metadata: meta},
				}, nil
			}

			if w.Balance.LessThan(in.Amount) {
				return nil, ErrInsufficientCredits
			}
			return &mutation{
				balance:   w.Balance.Sub(in.Amount),
				allowance: w.FreeAllowanceRemaining,
				txn:       Transaction{Kind: KindUsage, CreditsDelta: in.Amount.Neg(), Description: in.Description, Metadata: meta},
			}, nil
		})
	s.record("debit", err)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			log.Info().Str("wallet_id", walletID.String()).Str("amount", in.Amount.String()).Str("action", in.ActionKind).Msg("debit rejected: insufficient credits")
		}
		return nil, err
	}
	if replay {
		return txn, nil
	}

	log.Info().
		Str("wallet_id", walletID.String()).
		Str("transaction_id", txn.ID.String()).
		Str("action", in.ActionKind).
		Str("delta", txn.CreditsDelta.String()).
		Str("balance", w.Balance.String()).
		Msg("wallet debit applied")

	s.observe(w)
	return txn, nil
}

// Credit adds credits. A repeated IdempotencyKey returns the original
// transaction and leaves the balance alone.
func (s *Service) Credit(ctx context.Context, walletID uuid.UUID, in CreditInput) (*Transaction, error) {
	if !validAmount(in.Amount) {
		return nil, ErrInvalidAmount
	}
	switch in.Kind {
	case KindPurchase, KindBonus, KindAutoTopUp, KindRefund:
	default:
		return nil, ErrInvalidKind
	}

	txn, w, replay, err := s.apply(ctx, walletID, in.IdempotencyKey,
		func(existing *Transaction) bool {
			return existing.Kind == in.Kind && existing.CreditsDelta.Equal(in.Amount)
		},
		func(_ Tx, w *Wallet) (*mutation, error) {
			t := Transaction{
				Kind:           in.Kind,
				CreditsDelta:   in.Amount,
				MonetaryAmount: in.MonetaryAmount,
				Description:    in.Description,
				Metadata:       in.Metadata.clone(),
			}
			if in.Currency != "" {
				currency := in.Currency
				t.Currency = &currency
			}
			return &mutation{balance: w.Balance.Add(in.Amount), allowance: w.FreeAllowanceRemaining, txn: t}, nil
		})
	s.record("credit", err)
	if err != nil {
		return nil, err
	}
	if replay {
		log.Debug().Str("wallet_id", walletID.String()).Str("idempotency_key", in.IdempotencyKey).Msg("credit replayed")
		return txn, nil
	}

	log.Info().
		Str("wallet_id", walletID.String()).
		Str("transaction_id", txn.ID.String()).
		Str("kind", string(in.Kind)).
		Str("amount", in.Amount.String()).
		Str("idempotency_key", in.IdempotencyKey).
		Msg("wallet credit applied")

	s.publish(walletID, EventCreditsAvailable, map[string]interface{}{
		"balance": w.Balance,
		"kind":    in.Kind,
		"amount":  in.Amount,
	})
	return txn, nil
}

// Refund reverses a share of an earlier purchase with a new negative entry.
// The reversal is capped at the current balance; any remainder is recorded
// as shortfall metadata.
func (s *Service) Refund(ctx context.Context, walletID uuid.UUID, in RefundInput) (*Transaction, error) {
	if in.IdempotencyKey == "" || in.OriginalKey == "" {
		return nil, ErrInvalidAmount
	}
	if !in.Ratio.IsPositive() || in.Ratio.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ErrInvalidAmount
	}

	txn, _, replay, err := s.apply(ctx, walletID, in.IdempotencyKey,
		func(existing *Transaction) bool { return existing.Kind == KindRefund },
		func(tx Tx, w *Wallet) (*mutation, error) {
			orig, err := tx.FindByIdempotencyKey(ctx, walletID, in.OriginalKey)
			if err != nil {
				return nil, err
			}
			if orig == nil {
				return nil, ErrTransactionNotFound
			}
			if orig.Kind != KindPurchase && orig.Kind != KindAutoTopUp {
				return nil, ErrInvalidKind
			}

			want := orig.CreditsDelta.Mul(in.Ratio).Round(creditScale)
			take := decimal.Min(want, w.Balance)

			meta := Metadata{
				"original_transaction_id": orig.ID.String(),
				"ratio":                   in.Ratio.String(),
				"reason":                  in.Reason,
			}
			if shortfall := want.Sub(take); shortfall.IsPositive() {
				meta["shortfall"] = shortfall.String()
			}

			t := Transaction{
				Kind:         KindRefund,
				CreditsDelta: take.Neg(),
				Description:  "refund of " + orig.ID.String(),
				Metadata:     meta,
				Currency:     orig.Currency,
			}
			if orig.MonetaryAmount.Valid {
				t.MonetaryAmount = decimal.NewNullDecimal(orig.MonetaryAmount.Decimal.Mul(in.Ratio).Round(2).Neg())
			}
			return &mutation{balance: w.Balance.Sub(take), allowance: w.FreeAllowanceRemaining, txn: t}, nil
		})
	s.record("refund", err)
	if err != nil {
		return nil, err
	}
	if !replay {
		log.Info().
			Str("wallet_id", walletID.String()).
			Str("transaction_id", txn.ID.String()).
			Str("delta", txn.CreditsDelta.String()).
			Str("original_key", in.OriginalKey).
			Msg("wallet refund applied")
	}
	return txn, nil
}

// UpdateAutoTopUp stores new refill settings. If the wallet is already below
// the new threshold the observer is told right away.
func (s *Service) UpdateAutoTopUp(ctx context.Context, walletID uuid.UUID, settings AutoTopUp) (*Wallet, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateAutoTopUp(ctx, walletID, settings); err != nil {
		return nil, err
	}
	w, err := s.repo.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("wallet_id", walletID.String()).
		Bool("enabled", settings.Enabled).
		Str("threshold", settings.MinimumThreshold.String()).
		Str("amount", settings.TopUpAmount.String()).
		Msg("auto top-up settings updated")

	s.observe(w)
	return w, nil
}

func (s *Service) Deactivate(ctx context.Context, walletID uuid.UUID) error {
	if err := s.repo.SetStatus(ctx, walletID, StatusInactive); err != nil {
		return err
	}
	log.Info().Str("wallet_id", walletID.String()).Msg("wallet deactivated")
	return nil
}

func (s *Service) LinkCustomer(ctx context.Context, walletID uuid.UUID, customerID string) error {
	if customerID == "" {
		return ErrCustomerConflict
	}
	return s.repo.LinkCustomer(ctx, walletID, customerID)
}

// Verify recomputes the balance from the transaction log under the wallet lock.
func (s *Service) Verify(ctx context.Context, walletID uuid.UUID) (*Audit, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := tx.LockWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	sum, err := tx.SumCredits(ctx, walletID)
	if err != nil {
		return nil, err
	}
	audit := &Audit{WalletID: walletID, Balance: w.Balance, Sum: sum, Consistent: sum.Equal(w.Balance)}
	if !audit.Consistent {
		metrics.LedgerInconsistencies.Inc()
		log.Error().Str("wallet_id", walletID.String()).Str("balance", w.Balance.String()).Str("sum", sum.String()).Msg("ledger audit failed")
	}
	return audit, nil
}

// mutation is the planned effect of one ledger write.
type mutation struct {
	balance   decimal.Decimal
	allowance int
	txn       Transaction
}

// apply runs one read-modify-write under the wallet row lock: replay check,
// plan, append, balance update, identity check, commit.
func (s *Service) apply(
	ctx context.Context,
	walletID uuid.UUID,
	key string,
	same func(*Transaction) bool,
	plan func(Tx, *Wallet) (*mutation, error),
) (*Transaction, *Wallet, bool, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	defer tx.Rollback()

	w, err := tx.LockWallet(ctx, walletID)
	if err != nil {
		return nil, nil, false, err
	}

	if key != "" {
		existing, err := tx.FindByIdempotencyKey(ctx, walletID, key)
		if err != nil {
			return nil, nil, false, err
		}
		if existing != nil {
			if !same(existing) {
				return nil, nil, false, ErrIdempotencyConflict
			}
			return existing, w, true, nil
		}
	}

	m, err := plan(tx, w)
	if err != nil {
		return nil, nil, false, err
	}
	if m.balance.IsNegative() || m.allowance < 0 {
		return nil, nil, false, ErrInsufficientCredits
	}

	createdAt := s.now().UTC()
	last, err := tx.LastTransactionAt(ctx, walletID)
	if err != nil {
		return nil, nil, false, err
	}
	if last.After(createdAt) {
		createdAt = last
	}

	txn := m.txn
	txn.ID = uuid.New()
	txn.WalletID = walletID
	txn.CreatedAt = createdAt
	if txn.Metadata == nil {
		txn.Metadata = Metadata{}
	}
	if key != "" {
		k := key
		txn.IdempotencyKey = &k
	}

	if err := tx.InsertTransaction(ctx, &txn); err != nil {
		return nil, nil, false, err
	}
	if err := tx.UpdateBalance(ctx, walletID, m.balance, m.allowance); err != nil {
		return nil, nil, false, err
	}

	sum, err := tx.SumCredits(ctx, walletID)
	if err != nil {
		return nil, nil, false, err
	}
	if !sum.Equal(m.balance) {
		metrics.LedgerInconsistencies.Inc()
		log.Error().
			Str("wallet_id", walletID.String()).
			Str("balance", m.balance.String()).
			Str("sum", sum.String()).
			Str("kind", string(txn.Kind)).
			Msg("ledger invariant violated, write aborted")
		return nil, nil, false, ErrLedgerInconsistent
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, false, fmt.Errorf("commit: %w", err)
	}

	w.Balance = m.balance
	w.FreeAllowanceRemaining = m.allowance
	return &txn, w, false, nil
}

func (s *Service) observe(w *Wallet) {
	if w.Armed(w.Balance) {
		s.publish(w.ID, EventBalanceLow, map[string]interface{}{
			"balance":   w.Balance,
			"threshold": w.MinimumThreshold,
		})
	}
	if s.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("wallet_id", w.ID.String()).Msg("balance observer panicked")
		}
	}()
	s.observer.BalanceChanged(BalanceEvent{
		WalletID:  w.ID,
		Balance:   w.Balance,
		AutoTopUp: w.AutoTopUp,
		At:        s.now().UTC(),
	})
}

func (s *Service) publish(walletID uuid.UUID, eventType string, data interface{}) {
	if s.notifier != nil {
		s.notifier.Publish(walletID, eventType, data)
	}
}

func (s *Service) record(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientCredits):
		result = "insufficient"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidKind):
		result = "invalid"
	case errors.Is(err, ErrLedgerInconsistent):
		result = "inconsistent"
	default:
		result = "error"
	}
	metrics.LedgerOperations.WithLabelValues(op, result).Inc()
}

func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(creditScale))
}
