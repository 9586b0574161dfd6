package core

import (
	"context"
	"errors"

	"PerpRisk/internal/circuit"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"
)

// ErrInvalidArgument wraps malformed requests.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrorKind is the caller-facing category of an engine error.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindInvalidArgument
	KindNotFound
	KindInsufficientMargin
	KindNotLiquidatable
	KindCircuitTripped
	KindInvalidPrice
	KindUnavailable
	KindStaleState
	KindInsuranceExhausted
	KindConflict
	KindPrecondition
	KindOverflow
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindInsufficientMargin:
		return "insufficient_margin"
	case KindNotLiquidatable:
		return "not_liquidatable"
	case KindCircuitTripped:
		return "circuit_tripped"
	case KindInvalidPrice:
		return "invalid_price"
	case KindUnavailable:
		return "unavailable"
	case KindStaleState:
		return "stale_state"
	case KindInsuranceExhausted:
		return "insurance_exhausted"
	case KindConflict:
		return "conflict"
	case KindPrecondition:
		return "failed_precondition"
	case KindOverflow:
		return "overflow"
	default:
		return "internal"
	}
}

// Classify maps an error from any engine operation onto its kind. The most
// specific sentinel wins, so joined errors classify by their first match in
// this order.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, state.ErrStaleState):
		return KindStaleState
	case errors.Is(err, oracle.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindUnavailable
	case errors.Is(err, state.ErrInsuranceExhausted):
		return KindInsuranceExhausted
	case errors.Is(err, circuit.ErrCircuitTripped):
		return KindCircuitTripped
	case errors.Is(err, oracle.ErrInvalidPrice), errors.Is(err, state.ErrPriceUnavailable):
		return KindInvalidPrice
	case errors.Is(err, state.ErrInsufficientMargin), errors.Is(err, ledger.ErrInsufficientBalance):
		return KindInsufficientMargin
	case errors.Is(err, state.ErrNotLiquidatable):
		return KindNotLiquidatable
	case errors.Is(err, fpmath.ErrArithmeticOverflow):
		return KindOverflow
	case errors.Is(err, state.ErrPositionNotFound),
		errors.Is(err, state.ErrActionNotFound),
		errors.Is(err, market.ErrUnknownMarket),
		errors.Is(err, market.ErrUnknownCollateral):
		return KindNotFound
	case errors.Is(err, ErrDuplicateRequest), errors.Is(err, ErrRequestInFlight):
		return KindConflict
	case errors.Is(err, market.ErrMarketInactive),
		errors.Is(err, state.ErrInvalidTransition),
		errors.Is(err, circuit.ErrNotTripped):
		return KindPrecondition
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, state.ErrInvalidLeverage),
		errors.Is(err, state.ErrInvalidSize),
		errors.Is(err, circuit.ErrResetNoOperator),
		errors.Is(err, circuit.ErrInvalidReference),
		errors.Is(err, fpmath.ErrDivisionByZero):
		return KindInvalidArgument
	default:
		return KindInternal
	}
}

// Retryable reports whether the same request may succeed if retried as is.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindStaleState, KindUnavailable:
		return true
	default:
		return false
	}
}
