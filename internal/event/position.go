package event

import (
	"github.com/google/uuid"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// PositionOpened is emitted after a new position is committed.
type PositionOpened struct {
	PositionID uuid.UUID
	Owner      uuid.UUID
	Market     market.MarketID
	Side       Side
	Size       fpmath.Value
	EntryPrice fpmath.Value
	Collateral fpmath.Value
	Leverage   fpmath.Value
}

func (e *PositionOpened) IdempotencyKey() string { return "open:" + e.PositionID.String() }
func (e *PositionOpened) EventType() EventType { return EventTypePositionOpened }
func (e *PositionOpened) MarketID() market.MarketID { return e.Market }

// PositionModified covers size increases, reductions and margin changes.
type PositionModified struct {
	PositionID      uuid.UUID
	Owner           uuid.UUID
	Market          market.MarketID
	Version         uint64
	SizeDelta       fpmath.Value
	CollateralDelta fpmath.Value
	Price           fpmath.Value
	RealizedPnL     fpmath.Value
	Size            fpmath.Value
	EntryPrice      fpmath.Value
	Collateral      fpmath.Value
}

func (e *PositionModified) IdempotencyKey() string {
	return "modify:" + e.PositionID.String() + ":" + uitoa(e.Version)
}
func (e *PositionModified) EventType() EventType { return EventTypePositionModified }
func (e *PositionModified) MarketID() market.MarketID { return e.Market }

// PositionClosed is emitted when a position is removed by its owner.
type PositionClosed struct {
	PositionID  uuid.UUID
	Owner       uuid.UUID
	Market      market.MarketID
	Size        fpmath.Value
	ClosePrice  fpmath.Value
	RealizedPnL fpmath.Value
	Released    fpmath.Value
}

func (e *PositionClosed) IdempotencyKey() string { return "close:" + e.PositionID.String() }
func (e *PositionClosed) EventType() EventType { return EventTypePositionClosed }
func (e *PositionClosed) MarketID() market.MarketID { return e.Market }
