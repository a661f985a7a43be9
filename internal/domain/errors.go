package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrMarketClosed      = errors.New("market closed for betting")
	ErrAmountMismatch    = errors.New("stake split does not match deposited value")
	ErrAlreadyResolved   = errors.New("question already resolved")
	ErrNotResolved       = errors.New("question not resolved")
	ErrAlreadyWithdrawn  = errors.New("payout already withdrawn")
	ErrNothingToWithdraw = errors.New("nothing to withdraw")
	ErrTransferFailed    = errors.New("value transfer failed")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockHeld          = errors.New("lock already held")
)
