package wallet_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reviewmaster/billing-api/internal/domain/wallet"
	"github.com/reviewmaster/billing-api/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(t *testing.T) (*wallet.Service, wallet.Repository) {
	t.Helper()
	repo := memory.New().Wallets()
	svc := wallet.NewService(repo, wallet.Config{
		FreeAllowance:    2,
		AllowanceActions: []string{"response"},
		Currency:         "usd",
	})
	return svc, repo
}

func openFunded(t *testing.T, svc *wallet.Service, amount string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if _, err := svc.Open(context.Background(), id); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if amount != "" {
		_, err := svc.Credit(context.Background(), id, wallet.CreditInput{
			Amount:         dec(amount),
			Kind:           wallet.KindPurchase,
			Description:    "seed",
			IdempotencyKey: "seed-" + id.String(),
		})
		if err != nil {
			t.Fatalf("seed credit failed: %v", err)
		}
	}
	return id
}

func requireBalance(t *testing.T, svc *wallet.Service, id uuid.UUID, want string) {
	t.Helper()
	w, err := svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get wallet failed: %v", err)
	}
	if !w.Balance.Equal(dec(want)) {
		t.Fatalf("expected balance %s, got %s", want, w.Balance)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	id := uuid.New()

	first, err := svc.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if first.FreeAllowanceRemaining != 2 || first.PlanID != wallet.PlanTrial || first.Status != wallet.StatusActive {
		t.Fatalf("unexpected new wallet: %+v", first)
	}
	if first.AutoTopUp.Enabled {
		t.Fatal("auto top-up must start disabled")
	}

	if _, err := svc.Credit(context.Background(), id, wallet.CreditInput{Amount: dec("5"), Kind: wallet.KindBonus}); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	again, err := svc.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if !again.Balance.Equal(dec("5")) {
		t.Fatalf("reopen must not reset balance, got %s", again.Balance)
	}
}

func TestDebitInsufficientCredits(t *testing.T) {
	svc, repo := newTestService(t)
	id := openFunded(t, svc, "30")

	_, err := svc.Debit(context.Background(), id, wallet.DebitInput{Amount: dec("40"), ActionKind: "export"})
	if !errors.Is(err, wallet.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	requireBalance(t, svc, id, "30")

	_, total, err := repo.ListTransactions(context.Background(), id, 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 {
		t.Fatalf("rejected debit must not append a transaction, got %d", total)
	}
}

func TestDebitRejectsBadAmounts(t *testing.T) {
	svc, _ := newTestService(t)
	id := openFunded(t, svc, "10")

	for _, amount := range []string{"0", "-1", "0.00001"} {
		_, err := svc.Debit(context.Background(), id, wallet.DebitInput{Amount: dec(amount), ActionKind: "export"})
		if !errors.Is(err, wallet.ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestDebitConsumesFreeAllowanceFirst(t *testing.T) {
	svc, _ := newTestService(t)
	id := openFunded(t, svc, "10")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		txn, err := svc.Debit(ctx, id, wallet.DebitInput{Amount: dec("1"), ActionKind: "response"})
		if err != nil {
			t.Fatalf("allowance debit %d failed: %v", i, err)
		}
		if !txn.CreditsDelta.IsZero() || txn.Metadata["allowance"] != "true" {
			t.Fatalf("expected zero-delta allowance entry, got %+v", txn)
		}
	}
	requireBalance(t, svc, id, "10")

	txn, err := svc.Debit(ctx, id, wallet.DebitInput{Amount: dec("1"), ActionKind: "response"})
	if err != nil {
		t.Fatalf("paid debit failed: %v", err)
	}
	if !txn.CreditsDelta.Equal(dec("-1")) {
		t.Fatalf("expected -1 after allowance is spent, got %s", txn.CreditsDelta)
	}

	w, _ := svc.Get(ctx, id)
	if w.FreeAllowanceRemaining != 0 {
		t.Fatalf("expected allowance 0, got %d", w.FreeAllowanceRemaining)
	}
	requireBalance(t, svc, id, "9")
}

func TestDebitNonEligibleActionSkipsAllowance(t *testing.T) {
	svc, _ := newTestService(t)
	id := openFunded(t, svc, "10")

	if _, err := svc.Debit(context.Background(), id, wallet.DebitInput{Amount: dec("3"), ActionKind: "export"}); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	w, _ := svc.Get(context.Background(), id)
	if w.FreeAllowanceRemaining != 2 {
		t.Fatalf("allowance must be untouched, got %d", w.FreeAllowanceRemaining)
	}
	requireBalance(t, svc, id, "7")
}

func TestCreditIdempotencyKey(t *testing.T) {
	svc, repo := newTestService(t)
	id := openFunded(t, svc, "")
	ctx := context.Background()

	in := wallet.CreditInput{Amount: dec("100"), Kind: wallet.KindPurchase, IdempotencyKey: "X"}
	first, err := svc.Credit(ctx, id, in)
	if err != nil {
		t.Fatalf("first credit failed: %v", err)
	}
	second, err := svc.Credit(ctx, id, in)
	if err != nil {
		t.Fatalf("replayed credit failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay must return the original transaction")
	}
	requireBalance(t, svc, id, "100")

	_, total, _ := repo.ListTransactions(ctx, id, 10, 0)
	if total != 1 {
		t.Fatalf("expected exactly one transaction, got %d", total)
	}

	in.Amount = dec("50")
	if _, err := svc.Credit(ctx, id, in); !errors.Is(err, wallet.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestCreditRejectsUsageKind(t *testing.T) {
	svc, _ := newTestService(t)
	id := openFunded(t, svc, "")

	_, err := svc.Credit(context.Background(), id, wallet.CreditInput{Amount: dec("1"), Kind: wallet.KindUsage})
	if !errors.Is(err, wallet.ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestUnknownWallet(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Debit(context.Background(), uuid.New(), wallet.DebitInput{Amount: dec("1"), ActionKind: "export"})
	if !errors.Is(err, wallet.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestWalletConcurrentDebit(t *testing.T) {
	svc, _ := newTestService(t)
	id := openFunded(t, svc, "5")

	const workers = 10
	var wg sync.WaitGroup
	success := 0
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Debit(context.Background(), id, wallet.DebitInput{
				Amount:         dec("1"),
				ActionKind:     "export",
				IdempotencyKey: fmt.Sprintf("spend-%d", i),
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !errors.Is(err, wallet.ErrInsufficientCredits) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if success != 5 {
		t.Fatalf("expected 5 successful debits, got %d", success)
	}
	requireBalance(t, svc, id, "0")

	audit, err := svc.Verify(context.Background(), id)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !audit.Consistent {
		t.Fatalf("balance %s does not match sum %s", audit.Balance, audit.Sum)
	}
}

func TestTransactionTimestampsAreMonotonic(t *testing.T) {
	svc, repo := newTestService(t)
	id := openFunded(t, svc, "10")
	ctx := context.Background()

	// clock stepping backwards must not reorder the ledger
	base := time.Now().Add(time.Hour)
	svc.SetClock(func() time.Time { return base })
	if _, err := svc.Debit(ctx, id, wallet.DebitInput{Amount: dec("1"), ActionKind: "export"}); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	svc.SetClock(func() time.Time { return base.Add(-time.Minute) })
	if _, err := svc.Debit(ctx, id, wallet.DebitInput{Amount: dec("1"), ActionKind: "export"}); err != nil {
		t.Fatalf("debit failed: %v", err)
	}

	txs, _, err := repo.ListTransactions(ctx, id, 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if txs[0].CreatedAt.Before(txs[1].CreatedAt) {
		t.Fatalf("newest entry %s is earlier than %s", txs[0].CreatedAt, txs[1].CreatedAt)
	}
}

func TestRefundCappedAtBalance(t *testing.T) {
	svc, _ := newTestService(t)
	id := openFunded(t, svc, "")
	ctx := context.Background()

	_, err := svc.Credit(ctx, id, wallet.CreditInput{
		Amount:         dec("100"),
		Kind:           wallet.KindPurchase,
		MonetaryAmount: decimal.NewNullDecimal(dec("30")),
		Currency:       "usd",
		IdempotencyKey: "pi_1",
	})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if _, err := svc.Debit(ctx, id, wallet.DebitInput{Amount: dec("80"), ActionKind: "export"}); err != nil {
		t.Fatalf("debit failed: %v", err)
	}

	txn, err := svc.Refund(ctx, id, wallet.RefundInput{
		OriginalKey:    "pi_1",
		Ratio:          dec("0.5"),
		Reason:         "requested_by_customer",
		IdempotencyKey: "refund-1",
	})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if !txn.CreditsDelta.Equal(dec("-20")) {
		t.Fatalf("expected refund capped at -20, got %s", txn.CreditsDelta)
	}
	if txn.Metadata["shortfall"] != "30" {
		t.Fatalf("expected shortfall 30, got %q", txn.Metadata["shortfall"])
	}
	if !txn.MonetaryAmount.Valid || !txn.MonetaryAmount.Decimal.Equal(dec("-15")) {
		t.Fatalf("expected monetary amount -15, got %v", txn.MonetaryAmount)
	}
	requireBalance(t, svc, id, "0")

	if _, err := svc.Refund(ctx, id, wallet.RefundInput{OriginalKey: "missing", Ratio: dec("1"), IdempotencyKey: "refund-2"}); !errors.Is(err, wallet.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestUpdateAutoTopUpBounds(t *testing.T) {
	svc, _ := newTestService(t)
	id := openFunded(t, svc, "")

	bad := []wallet.AutoTopUp{
		{Enabled: true, MinimumThreshold: dec("9"), TopUpAmount: dec("100")},
		{Enabled: true, MinimumThreshold: dec("1001"), TopUpAmount: dec("100")},
		{Enabled: true, MinimumThreshold: dec("50"), TopUpAmount: dec("49")},
		{Enabled: true, MinimumThreshold: dec("50"), TopUpAmount: dec("10001")},
	}
	for _, s := range bad {
		if _, err := svc.UpdateAutoTopUp(context.Background(), id, s); !errors.Is(err, wallet.ErrInvalidAutoTopUp) {
			t.Fatalf("%+v: expected ErrInvalidAutoTopUp, got %v", s, err)
		}
	}

	w, err := svc.UpdateAutoTopUp(context.Background(), id, wallet.AutoTopUp{Enabled: true, MinimumThreshold: dec("10"), TopUpAmount: dec("10000")})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !w.AutoTopUp.Enabled || !w.TopUpAmount.Equal(dec("10000")) {
		t.Fatalf("settings not stored: %+v", w.AutoTopUp)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []wallet.BalanceEvent
}

func (o *recordingObserver) BalanceChanged(evt wallet.BalanceEvent) {
	o.mu.Lock()
	o.events = append(o.events, evt)
	o.mu.Unlock()
}

type recordingNotifier struct {
	mu    sync.Mutex
	types []string
}

func (n *recordingNotifier) Publish(_ uuid.UUID, eventType string, _ interface{}) {
	n.mu.Lock()
	n.types = append(n.types, eventType)
	n.mu.Unlock()
}

func TestDebitNotifiesObserver(t *testing.T) {
	svc, _ := newTestService(t)
	obs := &recordingObserver{}
	notes := &recordingNotifier{}
	svc.SetObserver(obs)
	svc.SetNotifier(notes)

	id := openFunded(t, svc, "60")
	settings := wallet.AutoTopUp{Enabled: true, MinimumThreshold: dec("50"), TopUpAmount: dec("200")}
	if _, err := svc.UpdateAutoTopUp(context.Background(), id, settings); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := svc.Debit(context.Background(), id, wallet.DebitInput{Amount: dec("20"), ActionKind: "export"}); err != nil {
		t.Fatalf("debit failed: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.events) != 2 {
		t.Fatalf("expected 2 observer calls, got %d", len(obs.events))
	}
	last := obs.events[1]
	if last.WalletID != id || !last.Balance.Equal(dec("40")) || !last.AutoTopUp.Enabled {
		t.Fatalf("unexpected event: %+v", last)
	}

	notes.mu.Lock()
	defer notes.mu.Unlock()
	var low bool
	for _, typ := range notes.types {
		if typ == wallet.EventBalanceLow {
			low = true
		}
	}
	if !low {
		t.Fatalf("expected %s notification, got %v", wallet.EventBalanceLow, notes.types)
	}
}

type panickingObserver struct{}

func (panickingObserver) BalanceChanged(wallet.BalanceEvent) { panic("boom") }

func TestObserverPanicDoesNotFailDebit(t *testing.T) {
	svc, _ := newTestService(t)
	svc.SetObserver(panickingObserver{})
	id := openFunded(t, svc, "5")

	if _, err := svc.Debit(context.Background(), id, wallet.DebitInput{Amount: dec("1"), ActionKind: "export"}); err != nil {
		t.Fatalf("debit must succeed, got %v", err)
	}
	requireBalance(t, svc, id, "4")
}

// skewedRepo reports a transaction sum that disagrees with the balance.
type skewedRepo struct {
	wallet.Repository
}

func (r skewedRepo) Begin(ctx context.Context) (wallet.Tx, error) {
	tx, err := r.Repository.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return skewedTx{tx}, nil
}

type skewedTx struct {
	wallet.Tx
}

func (t skewedTx) SumCredits(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	sum, err := t.Tx.SumCredits(ctx, id)
	return sum.Add(decimal.NewFromInt(1)), err
}

func TestInconsistentLedgerAbortsWrite(t *testing.T) {
	repo := memory.New().Wallets()
	svc := wallet.NewService(skewedRepo{repo}, wallet.Config{})
	id := uuid.New()
	if _, err := svc.Open(context.Background(), id); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	_, err := svc.Credit(context.Background(), id, wallet.CreditInput{Amount: dec("10"), Kind: wallet.KindBonus})
	if !errors.Is(err, wallet.ErrLedgerInconsistent) {
		t.Fatalf("expected ErrLedgerInconsistent, got %v", err)
	}

	w, _ := repo.Get(context.Background(), id)
	if !w.Balance.IsZero() {
		t.Fatalf("aborted write must roll back, balance %s", w.Balance)
	}
	_, total, _ := repo.ListTransactions(context.Background(), id, 10, 0)
	if total != 0 {
		t.Fatalf("aborted write must not append, got %d", total)
	}
}
