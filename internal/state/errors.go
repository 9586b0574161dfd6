package state

import "errors"

var (
	// ErrInsufficientMargin: open/modify/withdraw would breach margin requirements.
	ErrInsufficientMargin = errors.New("insufficient margin")

	// ErrNotLiquidatable: the account margin ratio is above zero.
	ErrNotLiquidatable = errors.New("account not liquidatable")

	// ErrStaleState: a concurrent mutation invalidated the caller's view. Retryable.
	ErrStaleState = errors.New("stale state")

	// ErrInsuranceExhausted: a deficit could not be covered and needs deleveraging.
	ErrInsuranceExhausted = errors.New("insurance exhausted")

	ErrPositionNotFound  = errors.New("position not found")
	ErrInvalidLeverage   = errors.New("invalid leverage")
	ErrInvalidSize       = errors.New("invalid size")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrActionNotFound    = errors.New("action not found")
)
