package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/reviewmaster/billing-api/internal/domain/topup"
)

// AttemptRepository implements topup.AttemptRepository.
type AttemptRepository struct {
	s *Store
}

func copyAttempt(a *topup.Attempt) *topup.Attempt {
	c := *a
	if a.ChargeID != nil {
		v := *a.ChargeID
		c.ChargeID = &v
	}
	if a.Error != nil {
		v := *a.Error
		c.Error = &v
	}
	if a.FinishedAt != nil {
		v := *a.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

func (r *AttemptRepository) Create(_ context.Context, a *topup.Attempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.attempts[a.ID] = copyAttempt(a)
	return nil
}

func (r *AttemptRepository) Finish(_ context.Context, id uuid.UUID, status topup.AttemptStatus, chargeID, errMsg string, finishedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.attempts[id]
	if !ok {
		return topup.ErrAttemptNotFound
	}
	a.Status = status
	a.ChargeID, a.Error = nil, nil
	if chargeID != "" {
		a.ChargeID = &chargeID
	}
	if errMsg != "" {
		a.Error = &errMsg
	}
	a.FinishedAt = &finishedAt
	return nil
}

func (r *AttemptRepository) Latest(ctx context.Context, walletID uuid.UUID) (*topup.Attempt, error) {
	list, err := r.List(ctx, walletID, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (r *AttemptRepository) List(_ context.Context, walletID uuid.UUID, limit int) ([]*topup.Attempt, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*topup.Attempt
	for _, a := range r.s.attempts {
		if a.WalletID == walletID {
			out = append(out, copyAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
