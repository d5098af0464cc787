package topup

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// AttemptRepository keeps the charge history shown to the account.
type AttemptRepository interface {
	Create(ctx context.Context, a *Attempt) error
	Finish(ctx context.Context, id uuid.UUID, status AttemptStatus, chargeID, errMsg string, finishedAt time.Time) error
	Latest(ctx context.Context, walletID uuid.UUID) (*Attempt, error)
	List(ctx context.Context, walletID uuid.UUID, limit int) ([]*Attempt, error)
}

const attemptColumns = `id, wallet_id, kind, credits, price_per_credit, amount, status, charge_id, error,
	created_at, finished_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, a *Attempt) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO topup_attempts (`+attemptColumns+`)
		VALUES (:id, :wallet_id, :kind, :credits, :price_per_credit, :amount, :status, :charge_id, :error,
			:created_at, :finished_at)
	`, a)
	return err
}

func (r *PostgresRepository) Finish(ctx context.Context, id uuid.UUID, status AttemptStatus, chargeID, errMsg string, finishedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE topup_attempts
		SET status = $2, charge_id = NULLIF($3, ''), error = NULLIF($4, ''), finished_at = $5
		WHERE id = $1
	`, id, string(status), chargeID, errMsg, finishedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (r *PostgresRepository) Latest(ctx context.Context, walletID uuid.UUID) (*Attempt, error) {
	var a Attempt
	err := r.db.GetContext(ctx, &a, `
		SELECT `+attemptColumns+`
		FROM topup_attempts
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, walletID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *PostgresRepository) List(ctx context.Context, walletID uuid.UUID, limit int) ([]*Attempt, error) {
	var attempts []*Attempt
	err := r.db.SelectContext(ctx, &attempts, `
		SELECT `+attemptColumns+`
		FROM topup_attempts
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, walletID, limit)
	return attempts, err
}
