package event

import (
	"fmt"
	"time"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// CircuitTripped is emitted when a market halts.
type CircuitTripped struct {
	Market    market.MarketID
	Reason    string
	Detail    string
	Reference fpmath.Value
	TrippedAt time.Time
}

func (e *CircuitTripped) IdempotencyKey() string {
	return fmt.Sprintf("trip:%d:%d", e.Market, e.TrippedAt.UnixNano())
}
func (e *CircuitTripped) EventType() EventType { return EventTypeCircuitTripped }
func (e *CircuitTripped) MarketID() market.MarketID { return e.Market }

// CircuitReset is emitted when an operator reopens a market.
type CircuitReset struct {
	Market    market.MarketID
	Reference fpmath.Value
	Operator  string
	ResetAt   time.Time
}

func (e *CircuitReset) IdempotencyKey() string {
	return fmt.Sprintf("reset:%d:%d", e.Market, e.ResetAt.UnixNano())
}
func (e *CircuitReset) EventType() EventType { return EventTypeCircuitReset }
func (e *CircuitReset) MarketID() market.MarketID { return e.Market }
