// Package memory is an in-process store implementing the wallet, top-up and
// reconciliation repositories. It backs STORAGE_DRIVER=memory and the tests.
package memory

import (
	"sync"

	"github.com/google/uuid"

	"github.com/reviewmaster/billing-api/internal/domain/reconcile"
	"github.com/reviewmaster/billing-api/internal/domain/topup"
	"github.com/reviewmaster/billing-api/internal/domain/wallet"
	"github.com/reviewmaster/billing-api/internal/pkg/lock"
)

// Store keeps every table in maps guarded by one RWMutex. Wallet writes are
// additionally serialized per wallet, mirroring SELECT ... FOR UPDATE.
type Store struct {
	mu          sync.RWMutex
	walletLocks *lock.KeyedMutex

	wallets   map[uuid.UUID]*wallet.Wallet
	txns      map[uuid.UUID][]*wallet.Transaction
	customers map[string]uuid.UUID

	attempts map[uuid.UUID]*topup.Attempt

	processed map[string]*reconcile.ProcessedEvent
	retries   map[string]*reconcile.Retry
}

func New() *Store {
	return &Store{
		walletLocks: lock.NewKeyedMutex(),
		wallets:     make(map[uuid.UUID]*wallet.Wallet),
		txns:        make(map[uuid.UUID][]*wallet.Transaction),
		customers:   make(map[string]uuid.UUID),
		attempts:    make(map[uuid.UUID]*topup.Attempt),
		processed:   make(map[string]*reconcile.ProcessedEvent),
		retries:     make(map[string]*reconcile.Retry),
	}
}

// Wallets returns the wallet repository view.
func (s *Store) Wallets() *WalletRepository { return &WalletRepository{s: s} }

// Attempts returns the top-up attempt repository view.
func (s *Store) Attempts() *AttemptRepository { return &AttemptRepository{s: s} }

// Events returns the reconciliation repository view.
func (s *Store) Events() *EventRepository { return &EventRepository{s: s} }
