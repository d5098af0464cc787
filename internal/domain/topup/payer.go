package topup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/reviewmaster/billing-api/internal/domain/pricing"
	"github.com/reviewmaster/billing-api/internal/domain/wallet"
	"github.com/reviewmaster/billing-api/internal/pkg/metrics"
)

// Ledger is the part of the wallet service top-ups need.
type Ledger interface {
	Get(ctx context.Context, walletID uuid.UUID) (*wallet.Wallet, error)
	Credit(ctx context.Context, walletID uuid.UUID, in wallet.CreditInput) (*wallet.Transaction, error)
}

type Quoter interface {
	PriceFor(credits decimal.Decimal) (pricing.Quote, error)
}

// Notifier pushes account events to connected clients. Must not block.
type Notifier interface {
	Publish(accountID uuid.UUID, eventType string, data interface{})
}

type Config struct {
	ChargeTimeout time.Duration
	LockTTL       time.Duration
	Cooldown      time.Duration
	Currency      string
}

func (c Config) withDefaults() Config {
	if c.ChargeTimeout <= 0 {
		c.ChargeTimeout = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	// the charge has to end inside the lease with room left for the credit
	if limit := c.LockTTL / 2; c.ChargeTimeout > limit {
		c.ChargeTimeout = limit
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.Currency == "" {
		c.Currency = "usd"
	}
	return c
}

// payer runs quote, charge and credit for one purchase. The ledger is never
// locked while the charge is in flight.
type payer struct {
	ledger   Ledger
	quoter   Quoter
	charger  Charger
	attempts AttemptRepository
	cfg      Config
	now      func() time.Time
}

func (p *payer) buy(ctx context.Context, w *wallet.Wallet, credits decimal.Decimal, kind AttemptKind, requestKey string) (*Attempt, *wallet.Transaction, error) {
	quote, err := p.quoter.PriceFor(credits)
	if err != nil {
		return nil, nil, err
	}

	attempt := &Attempt{
		ID:             uuid.New(),
		WalletID:       w.ID,
		Kind:           kind,
		Credits:        quote.Credits,
		PricePerCredit: quote.PricePerCredit,
		Amount:         quote.Total,
		Status:         AttemptCharging,
		CreatedAt:      p.now().UTC(),
	}
	if err := p.attempts.Create(ctx, attempt); err != nil {
		return nil, nil, fmt.Errorf("record attempt: %w", err)
	}

	if w.CustomerID == nil || *w.CustomerID == "" {
		p.finish(ctx, attempt, AttemptFailed, "", ErrNoPaymentMethod)
		return attempt, nil, ErrNoPaymentMethod
	}

	idemKey := "topup:" + attempt.ID.String()
	if requestKey != "" {
		idemKey = "purchase:" + w.ID.String() + ":" + requestKey
	}

	chargeID, err := p.charge(ctx, ChargeRequest{
		WalletID:       w.ID,
		AttemptID:      attempt.ID,
		CustomerID:     *w.CustomerID,
		Amount:         quote.Total,
		Currency:       p.cfg.Currency,
		Credits:        quote.Credits,
		Kind:           kind,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		p.finish(ctx, attempt, AttemptFailed, "", err)
		metrics.TopUpAttempts.WithLabelValues(string(kind), resultLabel(err)).Inc()
		return attempt, nil, err
	}

	txKind := wallet.KindPurchase
	description := "credit purchase"
	if kind == KindAuto {
		txKind = wallet.KindAutoTopUp
		description = "auto top-up"
	}
	txn, err := p.ledger.Credit(ctx, w.ID, wallet.CreditInput{
		Amount:      quote.Credits,
		Kind:        txKind,
		Description: description,
		Metadata: wallet.Metadata{
			"charge_id":        chargeID,
			"attempt_id":       attempt.ID.String(),
			"price_per_credit": quote.PricePerCredit.String(),
		},
		MonetaryAmount: decimal.NewNullDecimal(quote.Total),
		Currency:       p.cfg.Currency,
		IdempotencyKey: chargeID,
	})
	if err != nil {
		// payment_intent.succeeded reconciliation credits with the same key
		log.Error().Err(err).
			Str("wallet_id", w.ID.String()).
			Str("charge_id", chargeID).
			Msg("charge succeeded but credit failed")
		p.finish(ctx, attempt, AttemptFailed, chargeID, fmt.Errorf("%w: %v", ErrCreditNotApplied, err))
		metrics.TopUpAttempts.WithLabelValues(string(kind), "credit_failed").Inc()
		return attempt, nil, ErrCreditNotApplied
	}

	p.finish(ctx, attempt, AttemptSucceeded, chargeID, nil)
	metrics.TopUpAttempts.WithLabelValues(string(kind), "ok").Inc()
	return attempt, txn, nil
}

// charge bounds the external call with ChargeTimeout even if the Charger
// ignores its context.
func (p *payer) charge(ctx context.Context, req ChargeRequest) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ChargeTimeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		id, err := p.charger.Charge(cctx, req)
		done <- result{id: id, err: err}
	}()

	select {
	case res := <-done:
		metrics.TopUpChargeDuration.Observe(time.Since(start).Seconds())
		if res.err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return "", ErrChargeTimeout
			}
			if errors.Is(res.err, ErrChargeFailed) || errors.Is(res.err, ErrNoPaymentMethod) {
				return "", res.err
			}
			return "", fmt.Errorf("%w: %v", ErrChargeFailed, res.err)
		}
		return res.id, nil
	case <-cctx.Done():
		metrics.TopUpChargeDuration.Observe(time.Since(start).Seconds())
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return "", ErrChargeTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrChargeFailed, cctx.Err())
	}
}

func (p *payer) finish(ctx context.Context, a *Attempt, status AttemptStatus, chargeID string, cause error) {
	finished := p.now().UTC()
	a.Status = status
	a.FinishedAt = &finished
	if chargeID != "" {
		a.ChargeID = &chargeID
	}
	var msg string
	if cause != nil {
		msg = cause.Error()
		a.Error = &msg
	}
	// the caller's context may be the one that just expired
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.attempts.Finish(fctx, a.ID, status, chargeID, msg, finished); err != nil {
		log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("failed to record top-up attempt result")
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrChargeTimeout):
		return "timeout"
	case errors.Is(err, ErrNoPaymentMethod):
		return "no_payment_method"
	default:
		return "failed"
	}
}
