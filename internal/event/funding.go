package event

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// FundingRecorded is emitted once per market epoch boundary.
type FundingRecorded struct {
	Market     market.MarketID
	Epoch      int64
	Boundary   time.Time
	Rate       fpmath.Value
	MarkPrice  fpmath.Value
	IndexPrice fpmath.Value
	// Backfilled epochs were missed and recorded with a zero rate.
	Backfilled bool
}

func (e *FundingRecorded) IdempotencyKey() string {
	return fmt.Sprintf("funding:%d:%d", e.Market, e.Epoch)
}
func (e *FundingRecorded) EventType() EventType { return EventTypeFundingRecorded }
func (e *FundingRecorded) MarketID() market.MarketID { return e.Market }

// FundingApplied is emitted when pending epochs are settled against a
// position. Amount > 0 means the position paid.
type FundingApplied struct {
	PositionID uuid.UUID
	Owner      uuid.UUID
	Market     market.MarketID
	FromEpoch  int64
	ToEpoch    int64
	Amount     fpmath.Value
	Unpaid     fpmath.Value
}

func (e *FundingApplied) IdempotencyKey() string {
	return fmt.Sprintf("funding_applied:%s:%d", e.PositionID, e.ToEpoch)
}
func (e *FundingApplied) EventType() EventType { return EventTypeFundingApplied }
func (e *FundingApplied) MarketID() market.MarketID { return e.Market }

func uitoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
