package pricing

import "errors"

var (
	ErrInvalidAmount = errors.New("invalid credit amount")
	ErrInvalidTiers  = errors.New("invalid pricing tiers")
)
