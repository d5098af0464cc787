package reconcile

import "errors"

var (
	ErrInvalidSignature = errors.New("invalid event signature")
	ErrUnknownCustomer  = errors.New("event customer does not match any wallet")
	ErrSubjectBusy      = errors.New("another event for this customer is being processed")
	ErrMalformedEvent   = errors.New("malformed event payload")
	ErrNotConfigured    = errors.New("event verification is not configured")
	ErrInvalidCatalog   = errors.New("invalid plan catalog")
)
