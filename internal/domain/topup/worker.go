package topup

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reviewmaster/billing-api/internal/domain/wallet"
)

// ArmedLister lists wallets whose balance is below an enabled threshold.
type ArmedLister interface {
	ListArmed(ctx context.Context, limit int) ([]*wallet.Wallet, error)
}

const sweepBatch = 500

// Worker catches refills whose debit notification was lost and frees
// wallets stuck in Triggered.
type Worker struct {
	trigger  *Trigger
	wallets  ArmedLister
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewWorker(trigger *Trigger, wallets ArmedLister, interval time.Duration) *Worker {
	if interval == 0 {
		interval = time.Minute
	}
	return &Worker{
		trigger:  trigger,
		wallets:  wallets,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker
func (w *Worker) Start() {
	log.Info().Dur("interval", w.interval).Msg("Starting auto top-up sweep worker...")
	go w.loop()
}

// Stop stops the loop and waits for the current sweep to return.
func (w *Worker) Stop() {
	log.Info().Msg("Stopping auto top-up sweep worker...")
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep(context.Background())
		case <-w.stopCh:
			return
		}
	}
}

// Sweep runs one pass and returns how many refills it started.
func (w *Worker) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if n := w.trigger.ReclaimStuck(); n > 0 {
		log.Info().Int("count", n).Msg("Reclaimed stuck auto top-ups")
	}

	wallets, err := w.wallets.ListArmed(ctx, sweepBatch)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list wallets below threshold")
		return 0
	}

	started := 0
	for _, wal := range wallets {
		if w.trigger.Evaluate(wal) {
			started++
		}
	}
	if started > 0 {
		log.Info().Int("count", started).Msg("Sweep started auto top-ups")
	}
	return started
}
