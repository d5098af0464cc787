package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const retryBatch = 100

// RetryWorker re-applies events queued because their customer was unknown.
type RetryWorker struct {
	svc      *Service
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewRetryWorker(svc *Service, interval time.Duration) *RetryWorker {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &RetryWorker{
		svc:      svc,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker
func (w *RetryWorker) Start() {
	log.Info().Dur("interval", w.interval).Msg("Starting payment event retry worker...")
	go w.loop()
}

// Stop stops the loop and waits for the current pass to return.
func (w *RetryWorker) Stop() {
	log.Info().Msg("Stopping payment event retry worker...")
	close(w.stopCh)
	<-w.doneCh
}

func (w *RetryWorker) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(context.Background())
		case <-w.stopCh:
			return
		}
	}
}

// RunOnce processes one batch of due retries.
func (w *RetryWorker) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := w.svc.RetryDue(ctx, retryBatch)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load due payment event retries")
		return 0
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("Resolved queued payment events")
	}
	return n
}
