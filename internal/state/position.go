package state

import (
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/event"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// LiquidationState tracks liquidation progress
type LiquidationState int32

const (
	LiquidationStateHealthy LiquidationState = iota
	LiquidationStateAtRisk
	LiquidationStateLiquidatable
	LiquidationStateLiquidating
	LiquidationStateClosed
)

func (ls LiquidationState) String() string {
	switch ls {
	case LiquidationStateHealthy:
		return "Healthy"
	case LiquidationStateAtRisk:
		return "AtRisk"
	case LiquidationStateLiquidatable:
		return "Liquidatable"
	case LiquidationStateLiquidating:
		return "Liquidating"
	case LiquidationStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var liquidationTransitions = map[LiquidationState][]LiquidationState{
	LiquidationStateHealthy: {
		LiquidationStateAtRisk,
		LiquidationStateLiquidatable, // gap move
		LiquidationStateClosed,
	},
	LiquidationStateAtRisk: {
		LiquidationStateHealthy,
		LiquidationStateLiquidatable,
		LiquidationStateClosed,
	},
	LiquidationStateLiquidatable: {
		LiquidationStateHealthy,
		LiquidationStateAtRisk,
		LiquidationStateLiquidating,
		LiquidationStateClosed,
	},
	LiquidationStateLiquidating: {
		LiquidationStateHealthy, // margin restored by a partial liquidation
		LiquidationStateAtRisk,
		LiquidationStateLiquidatable,
		LiquidationStateClosed,
	},
	LiquidationStateClosed: {
		// Terminal
	},
}

// CanTransitionTo validates state transitions. Staying in place is allowed.
func (ls LiquidationState) CanTransitionTo(next LiquidationState) bool {
	if ls == next {
		return ls != LiquidationStateClosed
	}
	for _, allowed := range liquidationTransitions[ls] {
		if next == allowed {
			return true
		}
	}
	return false
}

// ClassifyRatio maps a margin ratio onto the non-transient states.
func ClassifyRatio(ratio, warning fpmath.Value) LiquidationState {
	switch {
	case !ratio.IsPositive():
		return LiquidationStateLiquidatable
	case ratio.Cmp(warning) <= 0:
		return LiquidationStateAtRisk
	default:
		return LiquidationStateHealthy
	}
}

// Position represents an open position. Values are copied in and out of the
// book; only the book holds the canonical record.
type Position struct {
	PositionID      uuid.UUID
	Owner           uuid.UUID
	Market          market.MarketID
	Side            event.Side
	Size            fpmath.Value // base quantity, > 0
	EntryPrice      fpmath.Value
	Collateral      fpmath.Value // allocated, in CollateralAsset
	CollateralAsset market.AssetID
	Leverage        fpmath.Value
	OpenedAt        time.Time
	LastFundingTime time.Time

	RealizedPnL   fpmath.Value // cumulative
	FundingPaid   fpmath.Value // cumulative, negative when received
	UnpaidFunding fpmath.Value // owed but not collectable yet

	LiquidationState LiquidationState
	Version          uint64
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p.Side == event.SideFlat || !p.Size.IsPositive()
}

// Sign returns the exposure sign.
func (p *Position) Sign() fpmath.SideSign {
	return p.Side.Sign()
}

// Notional returns size * price.
func (p *Position) Notional(price fpmath.Value) (fpmath.Value, error) {
	return fpmath.Notional(p.Size, price)
}

// UnrealizedPnL at price, losses rounded against the holder.
func (p *Position) UnrealizedPnL(price fpmath.Value) (fpmath.Value, error) {
	return fpmath.UnrealizedPnL(p.Sign(), p.EntryPrice, price, p.Size)
}

// LiquidationPrice estimates the price at which the position alone would
// exhaust its margin buffer.
func (p *Position) LiquidationPrice(mmr fpmath.Value) (fpmath.Value, error) {
	return fpmath.LiquidationPrice(p.Sign(), p.EntryPrice, p.Leverage, mmr)
}

// Transition moves the position to next when allowed.
func (p *Position) Transition(next LiquidationState) error {
	if !p.LiquidationState.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	p.LiquidationState = next
	return nil
}
