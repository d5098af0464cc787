package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/reviewmaster/billing-api/internal/domain/wallet"
)

// Repository is the idempotent event store plus the account fields it mutates.
type Repository interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	// LastApplied is the newest occurred_at among applied account-changing
	// events of subjectID; zero when there is none.
	LastApplied(ctx context.Context, subjectID string) (time.Time, error)
	ResolveCustomer(ctx context.Context, customerID string) (uuid.UUID, error)
	// Record stores rec and applies change in one transaction and clears any
	// queued retry of the event. It reports false if rec was already stored.
	Record(ctx context.Context, rec ProcessedEvent, change *AccountChange) (bool, error)

	EnqueueRetry(ctx context.Context, r Retry) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*Retry, error)
	RescheduleRetry(ctx context.Context, eventID string, attempts int, next time.Time, reason string, dead bool) error
	DeleteRetry(ctx context.Context, eventID string) error
	PendingRetries(ctx context.Context) (int, error)
}

type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID)
	return exists, err
}

func (r *PostgresRepository) LastApplied(ctx context.Context, subjectID string) (time.Time, error) {
	var last sql.NullTime
	err := r.db.GetContext(ctx, &last, `
		SELECT MAX(occurred_at)
		FROM processed_events
		WHERE subject_id = $1 AND applied AND resulting_plan_id IS NOT NULL
	`, subjectID)
	if err != nil || !last.Valid {
		return time.Time{}, err
	}
	return last.Time, nil
}

func (r *PostgresRepository) ResolveCustomer(ctx context.Context, customerID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.GetContext(ctx, &id, `SELECT id FROM wallets WHERE customer_id = $1`, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrUnknownCustomer
	}
	return id, err
}

func (r *PostgresRepository) Record(ctx context.Context, rec ProcessedEvent, change *AccountChange) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO processed_events (event_id, subject_id, event_type, outcome, applied, resulting_plan_id,
			occurred_at, processed_at)
		VALUES (:event_id, :subject_id, :event_type, :outcome, :applied, :resulting_plan_id,
			:occurred_at, :processed_at)
		ON CONFLICT (event_id) DO NOTHING
	`, rec)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if change != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE wallets SET plan_id = $2, status = $3, updated_at = now()
			WHERE id = $1
		`, change.WalletID, change.PlanID, string(change.Status))
		if err != nil {
			return false, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return false, err
		} else if n == 0 {
			return false, wallet.ErrWalletNotFound
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_retries WHERE event_id = $1`, rec.EventID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

type retryRow struct {
	EventID       string          `db:"event_id"`
	SubjectID     string          `db:"subject_id"`
	Event         json.RawMessage `db:"event"`
	Reason        string          `db:"reason"`
	Attempts      int             `db:"attempts"`
	NextAttemptAt time.Time       `db:"next_attempt_at"`
	Dead          bool            `db:"dead"`
	CreatedAt     time.Time       `db:"created_at"`
}

func (r *PostgresRepository) EnqueueRetry(ctx context.Context, rt Retry) error {
	raw, err := json.Marshal(rt.Event)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO event_retries (event_id, subject_id, event, reason, attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, rt.EventID, rt.SubjectID, raw, rt.Reason, rt.Attempts, rt.NextAttemptAt)
	return err
}

func (r *PostgresRepository) DueRetries(ctx context.Context, now time.Time, limit int) ([]*Retry, error) {
	var rows []retryRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT event_id, subject_id, event, reason, attempts, next_attempt_at, dead, created_at
		FROM event_retries
		WHERE NOT dead AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}

	out := make([]*Retry, 0, len(rows))
	for _, row := range rows {
		rt := &Retry{
			EventID:       row.EventID,
			SubjectID:     row.SubjectID,
			Reason:        row.Reason,
			Attempts:      row.Attempts,
			NextAttemptAt: row.NextAttemptAt,
			Dead:          row.Dead,
			CreatedAt:     row.CreatedAt,
		}
		if err := json.Unmarshal(row.Event, &rt.Event); err != nil {
			return nil, fmt.Errorf("%w: retry %s: %v", ErrMalformedEvent, row.EventID, err)
		}
		out = append(out, rt)
	}
	return out, nil
}

func (r *PostgresRepository) RescheduleRetry(ctx context.Context, eventID string, attempts int, next time.Time, reason string, dead bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE event_retries
		SET attempts = $2, next_attempt_at = $3, reason = $4, dead = $5
		WHERE event_id = $1
	`, eventID, attempts, next, reason, dead)
	return err
}

func (r *PostgresRepository) DeleteRetry(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM event_retries WHERE event_id = $1`, eventID)
	return err
}

func (r *PostgresRepository) PendingRetries(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM event_retries WHERE NOT dead`)
	return n, err
}
