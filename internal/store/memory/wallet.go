package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reviewmaster/billing-api/internal/domain/wallet"
)

var errLockHeld = errors.New("memory tx already holds a wallet lock")

// WalletRepository implements wallet.Repository.
type WalletRepository struct {
	s *Store
}

func copyWallet(w *wallet.Wallet) *wallet.Wallet {
	c := *w
	if w.CustomerID != nil {
		id := *w.CustomerID
		c.CustomerID = &id
	}
	return &c
}

func (r *WalletRepository) Create(_ context.Context, w *wallet.Wallet) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.wallets[w.ID]; ok {
		return false, nil
	}
	r.s.wallets[w.ID] = copyWallet(w)
	return true, nil
}

func (r *WalletRepository) Get(_ context.Context, id uuid.UUID) (*wallet.Wallet, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	w, ok := r.s.wallets[id]
	if !ok {
		return nil, wallet.ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (r *WalletRepository) ListTransactions(_ context.Context, walletID uuid.UUID, limit, offset int) ([]*wallet.Transaction, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	all := r.s.txns[walletID]
	out := make([]*wallet.Transaction, 0, limit)
	// newest first
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		c := *all[i]
		out = append(out, &c)
	}
	return out, len(all), nil
}

func (r *WalletRepository) ListArmed(_ context.Context, limit int) ([]*wallet.Wallet, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*wallet.Wallet
	for _, w := range r.s.wallets {
		if w.Status != wallet.StatusInactive && w.Armed(w.Balance) {
			out = append(out, copyWallet(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *WalletRepository) UpdateAutoTopUp(_ context.Context, id uuid.UUID, settings wallet.AutoTopUp) error {
	return r.update(id, func(w *wallet.Wallet) error {
		w.AutoTopUp = settings
		return nil
	})
}

func (r *WalletRepository) SetStatus(_ context.Context, id uuid.UUID, status wallet.Status) error {
	return r.update(id, func(w *wallet.Wallet) error {
		w.Status = status
		return nil
	})
}

func (r *WalletRepository) LinkCustomer(_ context.Context, id uuid.UUID, customerID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	w, ok := r.s.wallets[id]
	if !ok {
		return wallet.ErrWalletNotFound
	}
	if owner, ok := r.s.customers[customerID]; ok && owner != id {
		return wallet.ErrCustomerConflict
	}
	if w.CustomerID != nil {
		delete(r.s.customers, *w.CustomerID)
	}
	c := customerID
	w.CustomerID = &c
	w.UpdatedAt = time.Now().UTC()
	r.s.customers[customerID] = id
	return nil
}

func (r *WalletRepository) update(id uuid.UUID, fn func(*wallet.Wallet) error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	w, ok := r.s.wallets[id]
	if !ok {
		return wallet.ErrWalletNotFound
	}
	if err := fn(w); err != nil {
		return err
	}
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *WalletRepository) Begin(_ context.Context) (wallet.Tx, error) {
	return &walletTx{s: r.s}, nil
}

// walletTx stages writes and applies them on Commit while holding the
// per-wallet lock taken in LockWallet.
type walletTx struct {
	s        *Store
	walletID uuid.UUID
	unlock   func()

	pending   []*wallet.Transaction
	balance   decimal.Decimal
	allowance int
	updated   bool
}

func (t *walletTx) LockWallet(_ context.Context, id uuid.UUID) (*wallet.Wallet, error) {
	if t.unlock != nil {
		return nil, errLockHeld
	}
	unlock := t.s.walletLocks.Lock(id.String())

	t.s.mu.RLock()
	w, ok := t.s.wallets[id]
	var c *wallet.Wallet
	if ok {
		c = copyWallet(w)
	}
	t.s.mu.RUnlock()

	if !ok {
		unlock()
		return nil, wallet.ErrWalletNotFound
	}
	t.walletID = id
	t.unlock = unlock
	return c, nil
}

func (t *walletTx) FindByIdempotencyKey(_ context.Context, walletID uuid.UUID, key string) (*wallet.Transaction, error) {
	for _, txn := range t.pending {
		if txn.IdempotencyKey != nil && *txn.IdempotencyKey == key {
			c := *txn
			return &c, nil
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, txn := range t.s.txns[walletID] {
		if txn.IdempotencyKey != nil && *txn.IdempotencyKey == key {
			c := *txn
			return &c, nil
		}
	}
	return nil, nil
}

func (t *walletTx) LastTransactionAt(_ context.Context, walletID uuid.UUID) (time.Time, error) {
	var last time.Time
	for _, txn := range t.pending {
		if txn.CreatedAt.After(last) {
			last = txn.CreatedAt
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, txn := range t.s.txns[walletID] {
		if txn.CreatedAt.After(last) {
			last = txn.CreatedAt
		}
	}
	return last, nil
}

func (t *walletTx) InsertTransaction(ctx context.Context, txn *wallet.Transaction) error {
	if txn.IdempotencyKey != nil {
		existing, err := t.FindByIdempotencyKey(ctx, txn.WalletID, *txn.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			return wallet.ErrDuplicateIdempotencyKey
		}
	}
	c := *txn
	t.pending = append(t.pending, &c)
	return nil
}

func (t *walletTx) UpdateBalance(_ context.Context, walletID uuid.UUID, balance decimal.Decimal, allowance int) error {
	if walletID != t.walletID {
		return wallet.ErrWalletNotFound
	}
	t.balance = balance
	t.allowance = allowance
	t.updated = true
	return nil
}

func (t *walletTx) SumCredits(_ context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, txn := range t.pending {
		sum = sum.Add(txn.CreditsDelta)
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, txn := range t.s.txns[walletID] {
		sum = sum.Add(txn.CreditsDelta)
	}
	return sum, nil
}

func (t *walletTx) Commit() error {
	if t.unlock == nil {
		return nil
	}

	t.s.mu.Lock()
	t.s.txns[t.walletID] = append(t.s.txns[t.walletID], t.pending...)
	if t.updated {
		w := t.s.wallets[t.walletID]
		w.Balance = t.balance
		w.FreeAllowanceRemaining = t.allowance
		w.UpdatedAt = time.Now().UTC()
	}
	t.s.mu.Unlock()

	t.release()
	return nil
}

func (t *walletTx) Rollback() error {
	t.pending = nil
	t.release()
	return nil
}

func (t *walletTx) release() {
	if t.unlock != nil {
		t.unlock()
		t.unlock = nil
	}
}
