package topup

import "errors"

var (
	ErrChargeFailed     = errors.New("charge failed")
	ErrChargeTimeout    = errors.New("charge timed out")
	ErrInvalidAmount    = errors.New("purchase must be between 50 and 10000 credits")
	ErrNoPaymentMethod  = errors.New("wallet has no payment customer")
	ErrCreditNotApplied = errors.New("charge succeeded but credits were not applied")
	ErrAttemptNotFound  = errors.New("top-up attempt not found")
)
