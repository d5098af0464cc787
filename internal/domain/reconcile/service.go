package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/reviewmaster/billing-api/internal/domain/wallet"
	"github.com/reviewmaster/billing-api/internal/pkg/lock"
	"github.com/reviewmaster/billing-api/internal/pkg/metrics"
)

// Ledger is the part of the wallet service reconciliation writes through.
type Ledger interface {
	Credit(ctx context.Context, walletID uuid.UUID, in wallet.CreditInput) (*wallet.Transaction, error)
	Refund(ctx context.Context, walletID uuid.UUID, in wallet.RefundInput) (*wallet.Transaction, error)
	LinkCustomer(ctx context.Context, walletID uuid.UUID, customerID string) error
}

// Notifier pushes account events to connected clients. Must not block.
type Notifier interface {
	Publish(accountID uuid.UUID, eventType string, data interface{})
}

type Config struct {
	SubjectLockTTL time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration
	MaxAttempts    int
	Currency       string
}

func (c Config) withDefaults() Config {
	if c.SubjectLockTTL <= 0 {
		c.SubjectLockTTL = 30 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 20
	}
	return c
}

// Service applies processor events to accounts exactly once, in order per customer.
type Service struct {
	verifier Verifier
	repo     Repository
	ledger   Ledger
	catalog  *Catalog
	locker   lock.Locker
	subjects *lock.KeyedMutex
	notifier Notifier
	cfg      Config
	now      func() time.Time
}

func NewService(verifier Verifier, repo Repository, ledger Ledger, catalog *Catalog, locker lock.Locker, cfg Config) *Service {
	return &Service{
		verifier: verifier,
		repo:     repo,
		ledger:   ledger,
		catalog:  catalog,
		locker:   locker,
		subjects: lock.NewKeyedMutex(),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Catalog() *Catalog { return s.catalog }

// Handle verifies one delivery and applies it. Events whose customer is not
// known yet are queued for retry and still reported as ErrUnknownCustomer so
// the processor redelivers too.
func (s *Service) Handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	evt, err := s.verifier.Verify(payload, signature)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			metrics.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
			log.Warn().Err(err).Msg("payment event rejected")
		}
		return "", err
	}

	outcome, err := s.Apply(ctx, evt)
	if errors.Is(err, ErrUnknownCustomer) {
		s.enqueue(ctx, evt, err)
	}
	return outcome, err
}

// Apply runs dedup, dispatch and the atomic record for a verified event.
func (s *Service) Apply(ctx context.Context, evt *PaymentEvent) (outcome Outcome, err error) {
	logger := log.With().
		Str("event_id", evt.ID).
		Str("event_type", string(evt.Type)).
		Str("subject_id", evt.SubjectID).
		Logger()

	defer func() {
		result := string(outcome)
		if err != nil {
			result = "error"
			if errors.Is(err, ErrUnknownCustomer) {
				result = "unknown_customer"
			}
		}
		metrics.WebhookEvents.WithLabelValues(string(evt.Type), result).Inc()
	}()

	subject := evt.SubjectID
	if subject == "" {
		subject = "event:" + evt.ID
	}
	unlock := s.subjects.Lock(subject)
	defer unlock()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, "reconcile:"+subject, s.cfg.SubjectLockTTL)
		if err != nil {
			return "", fmt.Errorf("subject lease: %w", err)
		}
		if !ok {
			return "", ErrSubjectBusy
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), "reconcile:"+subject, token); err != nil {
				logger.Warn().Err(err).Msg("failed to release subject lease")
			}
		}()
	}

	done, err := s.repo.IsProcessed(ctx, evt.ID)
	if err != nil {
		return "", err
	}
	if done {
		logger.Debug().Msg("payment event already processed")
		return OutcomeDuplicate, nil
	}

	outcome, change, err := s.dispatch(ctx, evt)
	if err != nil {
		return "", err
	}

	rec := ProcessedEvent{
		EventID:     evt.ID,
		SubjectID:   evt.SubjectID,
		EventType:   evt.Type,
		Outcome:     outcome,
		Applied:     outcome == OutcomeApplied,
		OccurredAt:  evt.OccurredAt,
		ProcessedAt: s.now().UTC(),
	}
	if change != nil {
		plan := change.PlanID
		rec.ResultingPlanID = &plan
	}

	inserted, err := s.repo.Record(ctx, rec, change)
	if err != nil {
		return "", fmt.Errorf("record event: %w", err)
	}
	if !inserted {
		return OutcomeDuplicate, nil
	}

	ev := logger.Info().Str("outcome", string(outcome))
	if change != nil {
		ev = ev.Str("wallet_id", change.WalletID.String()).Str("plan_id", change.PlanID).Str("status", string(change.Status))
	}
	ev.Msg("payment event processed")

	if change != nil && change.Status == wallet.StatusActive && s.notifier != nil {
		s.notifier.Publish(change.WalletID, EventPlanActive, map[string]interface{}{
			"plan_id":  change.PlanID,
			"event_id": evt.ID,
		})
	}
	return outcome, nil
}

func (s *Service) dispatch(ctx context.Context, evt *PaymentEvent) (Outcome, *AccountChange, error) {
	switch evt.Type {
	case EventCheckoutCompleted:
		return s.applyCheckout(ctx, evt)
	case EventSubscriptionUpdated:
		return s.applySubscriptionUpdated(ctx, evt)
	case EventSubscriptionDeleted:
		return s.applySubscriptionDeleted(ctx, evt)
	case EventPaymentSucceeded:
		return s.applyPaymentSucceeded(ctx, evt)
	case EventChargeRefunded:
		return s.applyChargeRefunded(ctx, evt)
	default:
		return OutcomeIgnored, nil, nil
	}
}

func (s *Service) applyCheckout(ctx context.Context, evt *PaymentEvent) (Outcome, *AccountChange, error) {
	co := evt.Checkout
	if co == nil {
		return "", nil, ErrMalformedEvent
	}

	walletID, err := s.resolve(ctx, evt.SubjectID)
	if errors.Is(err, ErrUnknownCustomer) && co.WalletID != "" && evt.SubjectID != "" {
		// first checkout of an account: bind the customer it created
		walletID, err = s.linkFromReference(ctx, co.WalletID, evt.SubjectID)
	}
	if err != nil {
		return "", nil, err
	}

	if credits, ok := s.catalog.PackCredits(co.PriceID); ok {
		qty := co.Quantity
		if qty == 0 {
			qty = 1
		}
		_, err := s.ledger.Credit(ctx, walletID, wallet.CreditInput{
			Amount:         credits.Mul(decimal.NewFromInt(qty)),
			Kind:           wallet.KindPurchase,
			Description:    "credit pack checkout",
			Metadata:       wallet.Metadata{"session_id": co.SessionID, "event_id": evt.ID, "price_id": co.PriceID},
			MonetaryAmount: co.AmountTotal,
			Currency:       co.Currency,
			IdempotencyKey: "checkout:" + co.SessionID,
		})
		if err != nil {
			return "", nil, fmt.Errorf("credit checkout pack: %w", err)
		}
		return OutcomeApplied, nil, nil
	}

	return OutcomeApplied, &AccountChange{
		WalletID: walletID,
		PlanID:   s.catalog.PlanFor(co.PriceID),
		Status:   wallet.StatusActive,
	}, nil
}

func (s *Service) applySubscriptionUpdated(ctx context.Context, evt *PaymentEvent) (Outcome, *AccountChange, error) {
	sub := evt.Subscription
	if sub == nil {
		return "", nil, ErrMalformedEvent
	}
	walletID, err := s.resolve(ctx, evt.SubjectID)
	if err != nil {
		return "", nil, err
	}

	last, err := s.repo.LastApplied(ctx, evt.SubjectID)
	if err != nil {
		return "", nil, err
	}
	if evt.OccurredAt.Before(last) {
		log.Info().
			Str("event_id", evt.ID).
			Time("occurred_at", evt.OccurredAt).
			Time("last_applied", last).
			Msg("subscription update superseded by newer event")
		return OutcomeSuperseded, nil, nil
	}

	status := subscriptionStatus(sub.Status)
	plan := s.catalog.PlanFor(sub.PriceID)
	if status == wallet.StatusCancelled {
		plan = wallet.PlanTrial
	}
	return OutcomeApplied, &AccountChange{WalletID: walletID, PlanID: plan, Status: status}, nil
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, evt *PaymentEvent) (Outcome, *AccountChange, error) {
	walletID, err := s.resolve(ctx, evt.SubjectID)
	if err != nil {
		return "", nil, err
	}
	return OutcomeApplied, &AccountChange{WalletID: walletID, PlanID: wallet.PlanTrial, Status: wallet.StatusCancelled}, nil
}

// applyPaymentSucceeded credits charges started by this service that were
// not credited synchronously. The charge id is the ledger key either way.
func (s *Service) applyPaymentSucceeded(ctx context.Context, evt *PaymentEvent) (Outcome, *AccountChange, error) {
	p := evt.Payment
	if p == nil || p.WalletID == "" || !p.Credits.IsPositive() {
		return OutcomeIgnored, nil, nil
	}
	walletID, err := uuid.Parse(p.WalletID)
	if err != nil {
		return OutcomeIgnored, nil, nil
	}

	kind := wallet.KindPurchase
	if p.Kind == "auto" {
		kind = wallet.KindAutoTopUp
	}
	_, err = s.ledger.Credit(ctx, walletID, wallet.CreditInput{
		Amount:         p.Credits,
		Kind:           kind,
		Description:    "payment confirmed by processor",
		Metadata:       wallet.Metadata{"charge_id": p.PaymentIntentID, "event_id": evt.ID},
		MonetaryAmount: decimal.NewNullDecimal(p.Amount),
		Currency:       p.Currency,
		IdempotencyKey: p.PaymentIntentID,
	})
	if errors.Is(err, wallet.ErrWalletNotFound) {
		return "", nil, ErrUnknownCustomer
	}
	if err != nil {
		return "", nil, fmt.Errorf("credit payment: %w", err)
	}
	return OutcomeApplied, nil, nil
}

func (s *Service) applyChargeRefunded(ctx context.Context, evt *PaymentEvent) (Outcome, *AccountChange, error) {
	r := evt.Refund
	if r == nil || r.PaymentIntentID == "" || !r.Amount.IsPositive() || !r.AmountRefunded.IsPositive() {
		return OutcomeIgnored, nil, nil
	}
	walletID, err := s.resolve(ctx, evt.SubjectID)
	if err != nil {
		return "", nil, err
	}

	ratio := r.AmountRefunded.Div(r.Amount)
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	_, err = s.ledger.Refund(ctx, walletID, wallet.RefundInput{
		OriginalKey:    r.PaymentIntentID,
		Ratio:          ratio,
		Reason:         "processor refund " + r.ChargeID,
		IdempotencyKey: "refund:" + r.ChargeID,
	})
	if errors.Is(err, wallet.ErrTransactionNotFound) || errors.Is(err, wallet.ErrInvalidKind) {
		// refund of a charge that never bought credits (subscription invoice)
		return OutcomeIgnored, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("refund: %w", err)
	}
	return OutcomeApplied, nil, nil
}

func (s *Service) resolve(ctx context.Context, customerID string) (uuid.UUID, error) {
	if customerID == "" {
		return uuid.Nil, ErrUnknownCustomer
	}
	return s.repo.ResolveCustomer(ctx, customerID)
}

func (s *Service) linkFromReference(ctx context.Context, reference, customerID string) (uuid.UUID, error) {
	walletID, err := uuid.Parse(reference)
	if err != nil {
		return uuid.Nil, ErrUnknownCustomer
	}
	err = s.ledger.LinkCustomer(ctx, walletID, customerID)
	if errors.Is(err, wallet.ErrWalletNotFound) {
		return uuid.Nil, ErrUnknownCustomer
	}
	if err != nil {
		return uuid.Nil, err
	}
	log.Info().Str("wallet_id", walletID.String()).Str("customer_id", customerID).Msg("customer linked from checkout")
	return walletID, nil
}

func (s *Service) enqueue(ctx context.Context, evt *PaymentEvent, cause error) {
	err := s.repo.EnqueueRetry(ctx, Retry{
		EventID:       evt.ID,
		SubjectID:     evt.SubjectID,
		Event:         *evt,
		Reason:        cause.Error(),
		NextAttemptAt: s.now().Add(s.cfg.RetryBase).UTC(),
		CreatedAt:     s.now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("event_id", evt.ID).Msg("failed to queue payment event for retry")
		return
	}
	log.Warn().Str("event_id", evt.ID).Str("subject_id", evt.SubjectID).Msg("payment event queued: unknown customer")
}

// backoff doubles from RetryBase up to RetryMax.
func (s *Service) backoff(attempts int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempts && d < s.cfg.RetryMax; i++ {
		d *= 2
	}
	if d > s.cfg.RetryMax {
		d = s.cfg.RetryMax
	}
	return d
}

// RetryDue re-applies queued events whose time has come. It returns how many
// were resolved (applied or found to be duplicates).
func (s *Service) RetryDue(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.DueRetries(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, rt := range due {
		evt := rt.Event
		outcome, err := s.Apply(ctx, &evt)
		switch {
		case err == nil:
			if outcome == OutcomeDuplicate {
				if err := s.repo.DeleteRetry(ctx, rt.EventID); err != nil {
					log.Error().Err(err).Str("event_id", rt.EventID).Msg("failed to drop retried duplicate")
				}
			}
			resolved++
		case errors.Is(err, ErrSubjectBusy):
			// picked up next round
		default:
			attempts := rt.Attempts + 1
			dead := attempts >= s.cfg.MaxAttempts
			next := s.now().Add(s.backoff(attempts)).UTC()
			if err := s.repo.RescheduleRetry(ctx, rt.EventID, attempts, next, err.Error(), dead); err != nil {
				log.Error().Err(err).Str("event_id", rt.EventID).Msg("failed to reschedule payment event")
				continue
			}
			if dead {
				log.Error().Str("event_id", rt.EventID).Int("attempts", attempts).Msg("payment event gave up after max attempts")
			}
		}
	}

	if n, err := s.repo.PendingRetries(ctx); err == nil {
		metrics.RetryQueueDepth.Set(float64(n))
	}
	return resolved, nil
}

func subscriptionStatus(status string) wallet.Status {
	switch status {
	case "active", "trialing":
		return wallet.StatusActive
	case "past_due", "incomplete", "paused":
		return wallet.StatusPastDue
	case "canceled", "unpaid", "incomplete_expired":
		return wallet.StatusCancelled
	default:
		return wallet.StatusPastDue
	}
}
