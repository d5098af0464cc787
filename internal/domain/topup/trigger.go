package topup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/reviewmaster/billing-api/internal/domain/wallet"
	"github.com/reviewmaster/billing-api/internal/pkg/lock"
)

// walletState is owned by the run that claimed it; gen identifies that run so
// a reclaimed run cannot overwrite the state of a newer one.
type walletState struct {
	state   State
	since   time.Time
	lastErr string
	gen     uint64
}

// Trigger refills wallets that drop below their threshold. It is the ledger's
// BalanceObserver: BalanceChanged only claims the wallet and hands the work
// to a goroutine, so debits never wait on a charge.
type Trigger struct {
	payer
	locker   lock.Locker
	notifier Notifier

	mu      sync.Mutex
	states  map[uuid.UUID]*walletState
	nextGen uint64

	wg sync.WaitGroup
}

func NewTrigger(ledger Ledger, quoter Quoter, charger Charger, attempts AttemptRepository, locker lock.Locker, cfg Config) *Trigger {
	return &Trigger{
		payer: payer{
			ledger:   ledger,
			quoter:   quoter,
			charger:  charger,
			attempts: attempts,
			cfg:      cfg.withDefaults(),
			now:      time.Now,
		},
		locker: locker,
		states: make(map[uuid.UUID]*walletState),
	}
}

func (t *Trigger) SetNotifier(n Notifier) { t.notifier = n }

func (t *Trigger) SetClock(now func() time.Time) { t.now = now }

func leaseKey(walletID uuid.UUID) string {
	return "autotopup:" + walletID.String()
}

// BalanceChanged implements wallet.BalanceObserver.
func (t *Trigger) BalanceChanged(evt wallet.BalanceEvent) {
	if !evt.AutoTopUp.Armed(evt.Balance) {
		return
	}
	t.start(evt.WalletID)
}

// Evaluate re-checks a wallet read from storage; used by the sweep worker.
// Reports whether a refill was started.
func (t *Trigger) Evaluate(w *wallet.Wallet) bool {
	if w.Status == wallet.StatusInactive || !w.Armed(w.Balance) {
		return false
	}
	return t.start(w.ID)
}

func (t *Trigger) start(walletID uuid.UUID) bool {
	gen, ok := t.claim(walletID)
	if !ok {
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("wallet_id", walletID.String()).Msg("auto top-up panicked")
				t.setState(walletID, gen, StateIdle, "")
			}
		}()
		t.run(context.Background(), walletID, gen)
	}()
	return true
}

// Wait blocks until every started refill has finished.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// claim moves Idle, or Failed past the cool-down, to Triggered and returns
// the generation of the new run.
func (t *Trigger) claim(walletID uuid.UUID) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st, ok := t.states[walletID]
	if ok {
		switch st.state {
		case StateTriggered, StateCharging:
			return 0, false
		case StateFailed:
			if now.Sub(st.since) < t.cfg.Cooldown {
				return 0, false
			}
		}
	}
	t.nextGen++
	t.states[walletID] = &walletState{state: StateTriggered, since: now, gen: t.nextGen}
	return t.nextGen, true
}

// setState is a no-op when gen no longer owns the wallet.
func (t *Trigger) setState(walletID uuid.UUID, gen uint64, state State, lastErr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[walletID]
	if !ok || st.gen != gen {
		return false
	}
	if state == StateIdle {
		delete(t.states, walletID)
		return true
	}
	t.states[walletID] = &walletState{state: state, since: t.now(), lastErr: lastErr, gen: gen}
	return true
}

func (t *Trigger) run(ctx context.Context, walletID uuid.UUID, gen uint64) {
	logger := log.With().Str("wallet_id", walletID.String()).Logger()

	token, ok, err := t.locker.TryLock(ctx, leaseKey(walletID), t.cfg.LockTTL)
	if err != nil {
		// fail closed: no lease, no charge
		logger.Error().Err(err).Msg("auto top-up lease unavailable")
		t.setState(walletID, gen, StateIdle, "")
		return
	}
	if !ok {
		logger.Debug().Msg("auto top-up already in progress elsewhere")
		t.setState(walletID, gen, StateIdle, "")
		return
	}
	defer func() {
		if err := t.locker.Release(context.WithoutCancel(ctx), leaseKey(walletID), token); err != nil {
			logger.Warn().Err(err).Msg("failed to release auto top-up lease")
		}
	}()

	// another instance may have refilled before we got the lease
	w, err := t.ledger.Get(ctx, walletID)
	if err != nil {
		logger.Error().Err(err).Msg("auto top-up could not load wallet")
		t.setState(walletID, gen, StateIdle, "")
		return
	}
	if w.Status == wallet.StatusInactive || !w.Armed(w.Balance) {
		t.setState(walletID, gen, StateIdle, "")
		return
	}

	if !t.setState(walletID, gen, StateCharging, "") {
		logger.Warn().Msg("auto top-up was reclaimed before charging")
		return
	}
	logger.Info().
		Str("balance", w.Balance.String()).
		Str("threshold", w.MinimumThreshold.String()).
		Str("amount", w.TopUpAmount.String()).
		Msg("auto top-up charging")

	attempt, txn, err := t.buy(ctx, w, w.TopUpAmount, KindAuto, "")
	if err != nil {
		t.fail(walletID, gen, attempt, err)
		return
	}

	logger.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("transaction_id", txn.ID.String()).
		Str("credits", txn.CreditsDelta.String()).
		Msg("auto top-up completed")
	t.setState(walletID, gen, StateIdle, "")
}

func (t *Trigger) fail(walletID uuid.UUID, gen uint64, attempt *Attempt, err error) {
	t.setState(walletID, gen, StateFailed, err.Error())

	ev := log.Warn()
	if !errors.Is(err, ErrChargeFailed) && !errors.Is(err, ErrChargeTimeout) && !errors.Is(err, ErrNoPaymentMethod) {
		ev = log.Error()
	}
	ev.Err(err).Str("wallet_id", walletID.String()).Msg("auto top-up failed")

	payload := map[string]interface{}{
		"error":       err.Error(),
		"retry_after": t.now().Add(t.cfg.Cooldown).UTC(),
	}
	if attempt != nil {
		payload["attempt_id"] = attempt.ID
	}
	if t.notifier != nil {
		t.notifier.Publish(walletID, EventAutoTopUpFailed, payload)
	}
}

// Status combines the in-process state with the stored attempt history.
func (t *Trigger) Status(ctx context.Context, walletID uuid.UUID) (*Status, error) {
	st := &Status{WalletID: walletID, State: StateIdle}

	t.mu.Lock()
	if s, ok := t.states[walletID]; ok {
		since := s.since
		st.State = s.state
		st.Since = &since
		st.LastError = s.lastErr
		if s.state == StateFailed {
			retry := s.since.Add(t.cfg.Cooldown)
			st.RetryAfter = &retry
		}
	}
	t.mu.Unlock()

	last, err := t.attempts.Latest(ctx, walletID)
	if err != nil {
		return nil, err
	}
	st.LastAttempt = last
	return st, nil
}

// ReclaimStuck resets Triggered states older than the lease TTL. Charging
// runs are left alone; ChargeTimeout ends them inside the lease.
func (t *Trigger) ReclaimStuck() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := 0
	for id, st := range t.states {
		if now.Sub(st.since) < t.cfg.LockTTL {
			continue
		}
		if st.state == StateCharging {
			log.Warn().Str("wallet_id", id.String()).Dur("age", now.Sub(st.since)).Msg("auto top-up charge outlived its lease")
			continue
		}
		if st.state == StateTriggered {
			log.Warn().Str("wallet_id", id.String()).Str("state", string(st.state)).Msg("reclaiming stuck auto top-up")
			delete(t.states, id)
			n++
		}
	}
	return n
}
