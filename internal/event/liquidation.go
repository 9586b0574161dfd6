package event

import (
	"github.com/google/uuid"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// LiquidationExecuted is emitted for every partial or full liquidation.
type LiquidationExecuted struct {
	LiquidationID  uuid.UUID
	Liquidator     uuid.UUID
	Owner          uuid.UUID
	PositionID     uuid.UUID
	Market         market.MarketID
	ClosedSize     fpmath.Value
	RemainingSize  fpmath.Value
	Price          fpmath.Value
	RealizedPnL    fpmath.Value
	Bonus          fpmath.Value
	InsuranceDraw  fpmath.Value
	SocializedLoss fpmath.Value
	MarginRatio    fpmath.Value
	// BadDebt is set whenever collateral could not cover loss plus bonus.
	BadDebt bool
}

func (e *LiquidationExecuted) IdempotencyKey() string {
	return "liquidation:" + e.LiquidationID.String()
}
func (e *LiquidationExecuted) EventType() EventType { return EventTypeLiquidationExecuted }
func (e *LiquidationExecuted) MarketID() market.MarketID { return e.Market }

// DeleverageRaised escalates an uncovered deficit to auto-deleveraging.
type DeleverageRaised struct {
	ActionID  uuid.UUID
	Market    market.MarketID
	Side      Side // side of the bankrupt position
	Price     fpmath.Value
	Deficit   fpmath.Value
	SourceLiq uuid.UUID
}

func (e *DeleverageRaised) IdempotencyKey() string { return "adl:" + e.ActionID.String() }
func (e *DeleverageRaised) EventType() EventType { return EventTypeDeleverageRaised }
func (e *DeleverageRaised) MarketID() market.MarketID { return e.Market }

// DeleverageExecuted reports the outcome of running an ADL action.
type DeleverageExecuted struct {
	ActionID      uuid.UUID
	Market        market.MarketID
	Recovered     fpmath.Value
	InsuranceDraw fpmath.Value
	Remaining     fpmath.Value
	Reduced       []uuid.UUID
	State         string
}

func (e *DeleverageExecuted) IdempotencyKey() string {
	return "adl_executed:" + e.ActionID.String()
}
func (e *DeleverageExecuted) EventType() EventType { return EventTypeDeleverageExecuted }
func (e *DeleverageExecuted) MarketID() market.MarketID { return e.Market }
