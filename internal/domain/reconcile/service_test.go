package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reviewmaster/billing-api/internal/domain/reconcile"
	"github.com/reviewmaster/billing-api/internal/domain/wallet"
	"github.com/reviewmaster/billing-api/internal/pkg/lock"
	"github.com/reviewmaster/billing-api/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Publish(_ uuid.UUID, eventType string, _ interface{}) {
	n.mu.Lock()
	n.events = append(n.events, eventType)
	n.mu.Unlock()
}

func (n *recordingNotifier) Count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == eventType {
			c++
		}
	}
	return c
}

// nopVerifier treats the payload as already verified; tests call Apply.
type nopVerifier struct{}

func (nopVerifier) Verify([]byte, string) (*reconcile.PaymentEvent, error) {
	return nil, reconcile.ErrInvalidSignature
}

type fixture struct {
	store    *memory.Store
	wallets  *wallet.Service
	svc      *reconcile.Service
	locker   *lock.MemoryLocker
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(t *testing.T, verifier reconcile.Verifier) *fixture {
	t.Helper()
	if verifier == nil {
		verifier = nopVerifier{}
	}
	catalog, err := reconcile.LoadCatalog("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	f := &fixture{
		store:    memory.New(),
		locker:   lock.NewMemoryLocker(),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.wallets = wallet.NewService(f.store.Wallets(), wallet.Config{Currency: "usd"})
	f.svc = reconcile.NewService(verifier, f.store.Events(), f.wallets, catalog, f.locker, reconcile.Config{
		RetryBase:   time.Minute,
		RetryMax:    10 * time.Minute,
		MaxAttempts: 3,
	})
	f.svc.SetNotifier(f.notifier)
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) linkedWallet(t *testing.T, customerID string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	if _, err := f.wallets.Open(ctx, id); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.wallets.LinkCustomer(ctx, id, customerID); err != nil {
		t.Fatalf("link: %v", err)
	}
	return id
}

func (f *fixture) wallet(t *testing.T, id uuid.UUID) *wallet.Wallet {
	t.Helper()
	w, err := f.wallets.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return w
}

func subscriptionEvent(id, customer, price, status string, at time.Time) *reconcile.PaymentEvent {
	return &reconcile.PaymentEvent{
		ID:         id,
		Type:       reconcile.EventSubscriptionUpdated,
		SubjectID:  customer,
		OccurredAt: at,
		Subscription: &reconcile.SubscriptionChange{
			SubscriptionID: "sub_1",
			PriceID:        price,
			Status:         status,
		},
	}
}

func checkoutEvent(id, customer, session, price string, qty int64) *reconcile.PaymentEvent {
	return &reconcile.PaymentEvent{
		ID:         id,
		Type:       reconcile.EventCheckoutCompleted,
		SubjectID:  customer,
		OccurredAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		Checkout: &reconcile.CheckoutCompleted{
			SessionID: session,
			PriceID:   price,
			Quantity:  qty,
			Currency:  "usd",
		},
	}
}

func TestCheckoutActivatesPlanOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.linkedWallet(t, "cus_A")

	evt := checkoutEvent("evt_1", "cus_A", "cs_1", "price_pro_monthly_v3", 0)
	outcome, err := f.svc.Apply(ctx, evt)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != reconcile.OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	w := f.wallet(t, id)
	if w.PlanID != "pro" || w.Status != wallet.StatusActive {
		t.Fatalf("expected pro/active, got %s/%s", w.PlanID, w.Status)
	}

	outcome, err = f.svc.Apply(ctx, evt)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if outcome != reconcile.OutcomeDuplicate {
		t.Fatalf("expected duplicate on redelivery, got %s", outcome)
	}
	if n := f.notifier.Count(reconcile.EventPlanActive); n != 1 {
		t.Fatalf("expected one plan.active notification, got %d", n)
	}
}

func TestConcurrentDuplicateCheckoutCreditsOnce(t *testing.T) {
	f := newFixture(t, nil)
	id := f.linkedWallet(t, "cus_A")
	evt := checkoutEvent("evt_pack", "cus_A", "cs_pack", "price_pack_500", 2)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := *evt
			outcome, err := f.svc.Apply(context.Background(), &e)
			if err != nil && !errors.Is(err, reconcile.ErrSubjectBusy) {
				t.Errorf("apply: %v", err)
				return
			}
			if outcome == reconcile.OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly one applied delivery, got %d", applied)
	}
	if got := f.wallet(t, id).Balance; !got.Equal(dec("1000")) {
		t.Fatalf("expected 2 packs of 500 credited once, got %s", got)
	}
}

func TestSameSessionUnderNewEventIDIsNotCreditedTwice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.linkedWallet(t, "cus_A")

	if _, err := f.svc.Apply(ctx, checkoutEvent("evt_a", "cus_A", "cs_same", "price_pack_2000", 1)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := f.svc.Apply(ctx, checkoutEvent("evt_b", "cus_A", "cs_same", "price_pack_2000", 1)); err != nil {
		t.Fatalf("second: %v", err)
	}
	if got := f.wallet(t, id).Balance; !got.Equal(dec("2000")) {
		t.Fatalf("expected 2000, got %s", got)
	}
}

func TestOlderSubscriptionUpdateIsSuperseded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.linkedWallet(t, "cus_A")
	t2 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 := t2.Add(-time.Hour)

	if _, err := f.svc.Apply(ctx, subscriptionEvent("evt_new", "cus_A", "price_pro_monthly_v3", "past_due", t2)); err != nil {
		t.Fatalf("newer: %v", err)
	}
	outcome, err := f.svc.Apply(ctx, subscriptionEvent("evt_old", "cus_A", "price_starter_monthly_v3", "active", t1))
	if err != nil {
		t.Fatalf("older: %v", err)
	}
	if outcome != reconcile.OutcomeSuperseded {
		t.Fatalf("expected superseded, got %s", outcome)
	}

	w := f.wallet(t, id)
	if w.PlanID != "pro" || w.Status != wallet.StatusPastDue {
		t.Fatalf("older event must not overwrite, got %s/%s", w.PlanID, w.Status)
	}

	// superseded events are recorded and not reconsidered
	outcome, _ = f.svc.Apply(ctx, subscriptionEvent("evt_old", "cus_A", "price_starter_monthly_v3", "active", t1))
	if outcome != reconcile.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", outcome)
	}
}

func TestEqualTimestampUpdateIsApplied(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.linkedWallet(t, "cus_A")
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	f.svc.Apply(ctx, subscriptionEvent("evt_1", "cus_A", "price_starter_monthly_v3", "active", at))
	outcome, err := f.svc.Apply(ctx, subscriptionEvent("evt_2", "cus_A", "price_pro_monthly_v3", "active", at))
	if err != nil || outcome != reconcile.OutcomeApplied {
		t.Fatalf("expected applied, got %s %v", outcome, err)
	}
	if w := f.wallet(t, id); w.PlanID != "pro" {
		t.Fatalf("expected pro, got %s", w.PlanID)
	}
}

func TestSubscriptionDeletedCancels(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.linkedWallet(t, "cus_A")

	f.svc.Apply(ctx, subscriptionEvent("evt_1", "cus_A", "price_agency_monthly_v3", "active", f.now.Add(-time.Hour)))
	_, err := f.svc.Apply(ctx, &reconcile.PaymentEvent{
		ID:           "evt_2",
		Type:         reconcile.EventSubscriptionDeleted,
		SubjectID:    "cus_A",
		OccurredAt:   f.now,
		Subscription: &reconcile.SubscriptionChange{SubscriptionID: "sub_1", Status: "canceled"},
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	w := f.wallet(t, id)
	if w.Status != wallet.StatusCancelled || w.PlanID != wallet.PlanTrial {
		t.Fatalf("expected cancelled trial, got %s/%s", w.PlanID, w.Status)
	}
}

func TestLegacyPriceResolvesToPlan(t *testing.T) {
	f := newFixture(t, nil)
	id := f.linkedWallet(t, "cus_A")

	f.svc.Apply(context.Background(), subscriptionEvent("evt_1", "cus_A", "price_pro_monthly_v1", "trialing", f.now))
	if w := f.wallet(t, id); w.PlanID != "pro" || w.Status != wallet.StatusActive {
		t.Fatalf("expected pro/active, got %s/%s", w.PlanID, w.Status)
	}
}

func TestUnknownCustomerIsQueuedAndRetried(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	evt := subscriptionEvent("evt_early", "cus_LATE", "price_pro_monthly_v3", "active", f.now)

	_, err := f.svc.Apply(ctx, evt)
	if !errors.Is(err, reconcile.ErrUnknownCustomer) {
		t.Fatalf("expected ErrUnknownCustomer, got %v", err)
	}
	if done, _ := f.store.Events().IsProcessed(ctx, "evt_early"); done {
		t.Fatal("event for unknown customer must not be recorded")
	}
	if err := f.store.Events().EnqueueRetry(ctx, reconcile.Retry{EventID: evt.ID, SubjectID: evt.SubjectID, Event: *evt, NextAttemptAt: f.now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// still unknown: rescheduled, not resolved
	n, err := f.svc.RetryDue(ctx, 10)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing resolved, got %d %v", n, err)
	}
	if q := f.store.Events().Retries(); len(q) != 1 || q[0].Attempts != 1 || !q[0].NextAttemptAt.After(f.now) {
		t.Fatalf("expected one rescheduled retry, got %+v", q)
	}

	id := f.linkedWallet(t, "cus_LATE")
	f.now = f.now.Add(time.Hour)
	n, err = f.svc.RetryDue(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one resolved retry, got %d %v", n, err)
	}
	if w := f.wallet(t, id); w.PlanID != "pro" {
		t.Fatalf("expected pro after retry, got %s", w.PlanID)
	}
	if pending, _ := f.store.Events().PendingRetries(ctx); pending != 0 {
		t.Fatalf("expected empty retry queue, got %d", pending)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	evt := subscriptionEvent("evt_ghost", "cus_GHOST", "price_pro_monthly_v3", "active", f.now)
	f.store.Events().EnqueueRetry(ctx, reconcile.Retry{EventID: evt.ID, SubjectID: evt.SubjectID, Event: *evt, NextAttemptAt: f.now})

	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Hour)
		f.svc.RetryDue(ctx, 10)
	}

	q := f.store.Events().Retries()
	if len(q) != 1 || !q[0].Dead || q[0].Attempts != 3 {
		t.Fatalf("expected one dead retry after 3 attempts, got %+v", q)
	}
	if pending, _ := f.store.Events().PendingRetries(ctx); pending != 0 {
		t.Fatalf("dead retries are not pending, got %d", pending)
	}
}

func TestCheckoutLinksCustomerFromClientReference(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()
	if _, err := f.wallets.Open(ctx, id); err != nil {
		t.Fatalf("open: %v", err)
	}

	evt := checkoutEvent("evt_first", "cus_NEW", "cs_first", "price_starter_monthly_v3", 0)
	evt.Checkout.WalletID = id.String()
	if _, err := f.svc.Apply(ctx, evt); err != nil {
		t.Fatalf("apply: %v", err)
	}

	w := f.wallet(t, id)
	if w.CustomerID == nil || *w.CustomerID != "cus_NEW" || w.PlanID != "starter" {
		t.Fatalf("expected linked starter wallet, got %+v", w)
	}
}

func TestPaymentSucceededCreditsByChargeID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.linkedWallet(t, "cus_A")

	// the synchronous path already credited this charge
	_, err := f.wallets.Credit(ctx, id, wallet.CreditInput{
		Amount:         dec("200"),
		Kind:           wallet.KindAutoTopUp,
		MonetaryAmount: decimal.NewNullDecimal(dec("60")),
		Currency:       "usd",
		IdempotencyKey: "pi_123",
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}

	evt := &reconcile.PaymentEvent{
		ID:         "evt_pi",
		Type:       reconcile.EventPaymentSucceeded,
		SubjectID:  "cus_A",
		OccurredAt: f.now,
		Payment: &reconcile.PaymentSucceeded{
			PaymentIntentID: "pi_123",
			WalletID:        id.String(),
			Kind:            "auto",
			Credits:         dec("200"),
			Amount:          dec("60"),
			Currency:        "usd",
		},
	}
	if outcome, err := f.svc.Apply(ctx, evt); err != nil || outcome != reconcile.OutcomeApplied {
		t.Fatalf("expected applied, got %s %v", outcome, err)
	}
	if got := f.wallet(t, id).Balance; !got.Equal(dec("200")) {
		t.Fatalf("charge credited twice: balance %s", got)
	}

	// a charge without wallet metadata was not started here
	evt2 := *evt
	evt2.ID = "evt_pi_foreign"
	evt2.Payment = &reconcile.PaymentSucceeded{PaymentIntentID: "pi_999", Amount: dec("10")}
	if outcome, _ := f.svc.Apply(ctx, &evt2); outcome != reconcile.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", outcome)
	}
}

func TestChargeRefundedReversesProportionally(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.linkedWallet(t, "cus_A")
	f.wallets.Credit(ctx, id, wallet.CreditInput{
		Amount:         dec("500"),
		Kind:           wallet.KindPurchase,
		MonetaryAmount: decimal.NewNullDecimal(dec("75")),
		Currency:       "usd",
		IdempotencyKey: "pi_buy",
	})

	evt := &reconcile.PaymentEvent{
		ID:         "evt_refund",
		Type:       reconcile.EventChargeRefunded,
		SubjectID:  "cus_A",
		OccurredAt: f.now,
		Refund: &reconcile.ChargeRefunded{
			ChargeID:        "ch_1",
			PaymentIntentID: "pi_buy",
			Amount:          dec("75"),
			AmountRefunded:  dec("15"),
			Currency:        "usd",
		},
	}
	if outcome, err := f.svc.Apply(ctx, evt); err != nil || outcome != reconcile.OutcomeApplied {
		t.Fatalf("expected applied, got %s %v", outcome, err)
	}
	if got := f.wallet(t, id).Balance; !got.Equal(dec("400")) {
		t.Fatalf("expected 400 after 20%% refund, got %s", got)
	}

	unknown := *evt
	unknown.ID = "evt_refund_sub"
	unknown.Refund = &reconcile.ChargeRefunded{ChargeID: "ch_2", PaymentIntentID: "pi_invoice", Amount: dec("49"), AmountRefunded: dec("49")}
	if outcome, _ := f.svc.Apply(ctx, &unknown); outcome != reconcile.OutcomeIgnored {
		t.Fatalf("expected ignored for charge never credited, got %s", outcome)
	}
}

func TestBusySubjectIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.linkedWallet(t, "cus_A")

	if _, ok, _ := f.locker.TryLock(ctx, "reconcile:cus_A", time.Minute); !ok {
		t.Fatal("expected to take the lease")
	}
	_, err := f.svc.Apply(ctx, subscriptionEvent("evt_1", "cus_A", "price_pro_monthly_v3", "active", f.now))
	if !errors.Is(err, reconcile.ErrSubjectBusy) {
		t.Fatalf("expected ErrSubjectBusy, got %v", err)
	}
}

func TestOtherEventsAreIgnoredButRecorded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	evt := &reconcile.PaymentEvent{ID: "evt_x", Type: reconcile.EventOther, SourceType: "invoice.created", OccurredAt: f.now}

	if outcome, err := f.svc.Apply(ctx, evt); err != nil || outcome != reconcile.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s %v", outcome, err)
	}
	if outcome, _ := f.svc.Apply(ctx, evt); outcome != reconcile.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", outcome)
	}
}
