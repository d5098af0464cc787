package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/reviewmaster/billing-api/internal/domain/reconcile"
	"github.com/reviewmaster/billing-api/internal/domain/wallet"
)

// EventRepository implements reconcile.Repository.
type EventRepository struct {
	s *Store
}

func (r *EventRepository) IsProcessed(_ context.Context, eventID string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	_, ok := r.s.processed[eventID]
	return ok, nil
}

func (r *EventRepository) LastApplied(_ context.Context, subjectID string) (time.Time, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var last time.Time
	for _, p := range r.s.processed {
		if p.SubjectID != subjectID || !p.Applied || p.ResultingPlanID == nil {
			continue
		}
		if p.OccurredAt.After(last) {
			last = p.OccurredAt
		}
	}
	return last, nil
}

func (r *EventRepository) ResolveCustomer(_ context.Context, customerID string) (uuid.UUID, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.customers[customerID]
	if !ok {
		return uuid.Nil, reconcile.ErrUnknownCustomer
	}
	return id, nil
}

// Record checks, writes and clears the retry under one lock, so a
// concurrent duplicate sees either nothing or everything.
func (r *EventRepository) Record(_ context.Context, rec reconcile.ProcessedEvent, change *reconcile.AccountChange) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.processed[rec.EventID]; ok {
		return false, nil
	}

	if change != nil {
		w, ok := r.s.wallets[change.WalletID]
		if !ok {
			return false, wallet.ErrWalletNotFound
		}
		w.PlanID = change.PlanID
		w.Status = change.Status
		w.UpdatedAt = time.Now().UTC()
	}

	c := rec
	if rec.ResultingPlanID != nil {
		plan := *rec.ResultingPlanID
		c.ResultingPlanID = &plan
	}
	r.s.processed[rec.EventID] = &c
	delete(r.s.retries, rec.EventID)
	return true, nil
}

func (r *EventRepository) EnqueueRetry(_ context.Context, rt reconcile.Retry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.retries[rt.EventID]; ok {
		return nil
	}
	c := rt
	r.s.retries[rt.EventID] = &c
	return nil
}

func (r *EventRepository) DueRetries(_ context.Context, now time.Time, limit int) ([]*reconcile.Retry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*reconcile.Retry
	for _, rt := range r.s.retries {
		if rt.Dead || rt.NextAttemptAt.After(now) {
			continue
		}
		c := *rt
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *EventRepository) RescheduleRetry(_ context.Context, eventID string, attempts int, next time.Time, reason string, dead bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rt, ok := r.s.retries[eventID]
	if !ok {
		return nil
	}
	rt.Attempts = attempts
	rt.NextAttemptAt = next
	rt.Reason = reason
	rt.Dead = dead
	return nil
}

func (r *EventRepository) DeleteRetry(_ context.Context, eventID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.retries, eventID)
	return nil
}

func (r *EventRepository) PendingRetries(_ context.Context) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	n := 0
	for _, rt := range r.s.retries {
		if !rt.Dead {
			n++
		}
	}
	return n, nil
}

// Retries returns every queued event, dead ones included.
func (r *EventRepository) Retries() []*reconcile.Retry {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*reconcile.Retry, 0, len(r.s.retries))
	for _, rt := range r.s.retries {
		c := *rt
		out = append(out, &c)
	}
	return out
}
