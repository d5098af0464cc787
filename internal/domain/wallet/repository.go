package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Repository persists wallets. All balance mutation goes through Tx.
type Repository interface {
	Create(ctx context.Context, w *Wallet) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*Wallet, error)
	ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*Transaction, int, error)
	ListArmed(ctx context.Context, limit int) ([]*Wallet, error)
	UpdateAutoTopUp(ctx context.Context, id uuid.UUID, settings AutoTopUp) error
	SetStatus(ctx context.Context, id uuid.UUID, status Status) error
	LinkCustomer(ctx context.Context, id uuid.UUID, customerID string) error
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one ledger write. LockWallet must be called first; the lock is held
// until Commit or Rollback. Rollback after Commit is a no-op.
type Tx interface {
	LockWallet(ctx context.Context, id uuid.UUID) (*Wallet, error)
	FindByIdempotencyKey(ctx context.Context, walletID uuid.UUID, key string) (*Transaction, error)
	LastTransactionAt(ctx context.Context, walletID uuid.UUID) (time.Time, error)
	InsertTransaction(ctx context.Context, t *Transaction) error
	UpdateBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, allowance int) error
	SumCredits(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error)
	Commit() error
	Rollback() error
}

const walletColumns = `id, balance, free_allowance_remaining, auto_topup_enabled, auto_topup_threshold,
	auto_topup_amount, plan_id, status, customer_id, created_at, updated_at`

const transactionColumns = `id, wallet_id, kind, credits_delta, monetary_amount, currency, description,
	metadata, idempotency_key, created_at`

// PostgresRepository stores wallets in Postgres and serializes writes with row locks.
type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, w *Wallet) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO wallets (id, balance, free_allowance_remaining, auto_topup_enabled,
			auto_topup_threshold, auto_topup_amount, plan_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO NOTHING
	`, w.ID, w.Balance, w.FreeAllowanceRemaining, w.Enabled, w.MinimumThreshold, w.TopUpAmount,
		w.PlanID, string(w.Status), w.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Wallet, error) {
	var w Wallet
	err := r.db.GetContext(ctx, &w, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*Transaction, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM wallet_transactions WHERE wallet_id = $1`, walletID); err != nil {
		return nil, 0, err
	}

	var txs []*Transaction
	err := r.db.SelectContext(ctx, &txs, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (r *PostgresRepository) ListArmed(ctx context.Context, limit int) ([]*Wallet, error) {
	var wallets []*Wallet
	err := r.db.SelectContext(ctx, &wallets, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE auto_topup_enabled AND balance < auto_topup_threshold AND status <> 'inactive'
		ORDER BY updated_at
		LIMIT $1
	`, limit)
	return wallets, err
}

func (r *PostgresRepository) UpdateAutoTopUp(ctx context.Context, id uuid.UUID, settings AutoTopUp) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE wallets
		SET auto_topup_enabled = $2, auto_topup_threshold = $3, auto_topup_amount = $4, updated_at = now()
		WHERE id = $1
	`, id, settings.Enabled, settings.MinimumThreshold, settings.TopUpAmount)
	return expectOneRow(res, err)
}

func (r *PostgresRepository) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE wallets SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	return expectOneRow(res, err)
}

func (r *PostgresRepository) LinkCustomer(ctx context.Context, id uuid.UUID, customerID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE wallets SET customer_id = $2, updated_at = now() WHERE id = $1`, id, customerID)
	if isUniqueViolation(err) {
		return ErrCustomerConflict
	}
	return expectOneRow(res, err)
}

func (r *PostgresRepository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

type postgresTx struct {
	tx *sqlx.Tx
}

func (t *postgresTx) LockWallet(ctx context.Context, id uuid.UUID) (*Wallet, error) {
	var w Wallet
	err := t.tx.GetContext(ctx, &w, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (t *postgresTx) FindByIdempotencyKey(ctx context.Context, walletID uuid.UUID, key string) (*Transaction, error) {
	var txn Transaction
	err := t.tx.GetContext(ctx, &txn, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE wallet_id = $1 AND idempotency_key = $2
	`, walletID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (t *postgresTx) LastTransactionAt(ctx context.Context, walletID uuid.UUID) (time.Time, error) {
	var last sql.NullTime
	err := t.tx.GetContext(ctx, &last, `SELECT MAX(created_at) FROM wallet_transactions WHERE wallet_id = $1`, walletID)
	if err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO wallet_transactions (`+transactionColumns+`)
		VALUES (:id, :wallet_id, :kind, :credits_delta, :monetary_amount, :currency, :description,
			:metadata, :idempotency_key, :created_at)
	`, txn)
	if isUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

func (t *postgresTx) UpdateBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, allowance int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $2, free_allowance_remaining = $3, updated_at = now()
		WHERE id = $1
	`, walletID, balance, allowance)
	return expectOneRow(res, err)
}

func (t *postgresTx) SumCredits(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.tx.GetContext(ctx, &sum, `SELECT COALESCE(SUM(credits_delta), 0) FROM wallet_transactions WHERE wallet_id = $1`, walletID)
	return sum, err
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit()
}

func (t *postgresTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
