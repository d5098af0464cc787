package wallet

import "errors"

var (
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidKind             = errors.New("invalid transaction kind")
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrInvalidAutoTopUp        = errors.New("auto top-up settings out of bounds")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrIdempotencyConflict     = errors.New("idempotency key reused with different parameters")
	ErrCustomerConflict        = errors.New("customer already linked to another wallet")
	ErrLedgerInconsistent      = errors.New("ledger inconsistent: balance does not match transactions")
)
