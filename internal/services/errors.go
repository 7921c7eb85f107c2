package services

import "errors"

var (
	ErrInvalidFeature      = errors.New("invalid feature")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidPool         = errors.New("pool must be sub or store")
	ErrInvalidEntryType    = errors.New("invalid credit entry type")
	ErrInvalidUserID       = errors.New("user id is required")
	ErrConcurrentUpdate    = errors.New("credit account changed concurrently, try again")

	// ErrAccountNotFound never reaches callers of the public API; missing
	// accounts are created on demand.
	ErrAccountNotFound = errors.New("credit account not found")

	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrInvalidPayload    = errors.New("invalid webhook payload")
	ErrEventIgnored      = errors.New("webhook event ignored")
	ErrMissingUser       = errors.New("payment event has no user_id metadata")
	ErrDuplicateEvent    = errors.New("payment event already processed")
	ErrPaymentInProgress = errors.New("payment event is still being processed")
)
