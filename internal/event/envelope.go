package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/ledger"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionOpened
	EventTypePositionModified
	EventTypePositionClosed
	EventTypeCollateralDeposited
	EventTypeCollateralWithdrawn
	EventTypeFundingRecorded
	EventTypeFundingApplied
	EventTypeLiquidationExecuted
	EventTypeDeleverageRaised
	EventTypeDeleverageExecuted
	EventTypeCircuitTripped
	EventTypeCircuitReset
	EventTypeInsuranceFunded
)

func (t EventType) String() string {
	switch t {
	case EventTypePositionOpened:
		return "position_opened"
	case EventTypePositionModified:
		return "position_modified"
	case EventTypePositionClosed:
		return "position_closed"
	case EventTypeCollateralDeposited:
		return "collateral_deposited"
	case EventTypeCollateralWithdrawn:
		return "collateral_withdrawn"
	case EventTypeFundingRecorded:
		return "funding_recorded"
	case EventTypeFundingApplied:
		return "funding_applied"
	case EventTypeLiquidationExecuted:
		return "liquidation_executed"
	case EventTypeDeleverageRaised:
		return "deleverage_raised"
	case EventTypeDeleverageExecuted:
		return "deleverage_executed"
	case EventTypeCircuitTripped:
		return "circuit_tripped"
	case EventTypeCircuitReset:
		return "circuit_reset"
	case EventTypeInsuranceFunded:
		return "insurance_funded"
	default:
		return "unknown"
	}
}

// Side represents position direction
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// Sign returns the exposure sign used by the PnL formulas.
func (s Side) Sign() fpmath.SideSign {
	if s == SideShort {
		return fpmath.SignShort
	}
	return fpmath.SignLong
}

// Opposite returns the other side. Flat stays flat.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// ParseSide accepts "long"/"buy" and "short"/"sell".
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	default:
		return SideFlat, fmt.Errorf("invalid side %q", s)
	}
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context, 0 for account-level events
	MarketID() market.MarketID
}

// EventEnvelope wraps every event leaving the core. Batch carries the custody
// intents produced by the same operation, nil when no funds moved.
type EventEnvelope struct {
	// Global monotonic sequence assigned by the outbox
	Sequence uint64

	// Caller idempotency key, empty when none was supplied
	RequestID string
	// Identity RequestID is scoped to: the liquidator for liquidations,
	// the owner for account operations, nil for operator requests.
	Requester uuid.UUID

	EventType EventType
	MarketID  market.MarketID
	Owner     uuid.UUID
	Timestamp time.Time

	Payload Event
	Batch   *ledger.Batch

	// SHA-256 chain over the envelope digest
	StateHash [32]byte
	PrevHash  [32]byte
}

// NewEnvelope wraps payload. Sequence and hashes are filled in by the outbox.
// The requester defaults to owner.
func NewEnvelope(payload Event, owner uuid.UUID, requestID string, batch *ledger.Batch, ts time.Time) *EventEnvelope {
	return &EventEnvelope{
		RequestID: requestID,
		Requester: owner,
		EventType: payload.EventType(),
		MarketID:  payload.MarketID(),
		Owner:     owner,
		Timestamp: ts,
		Payload:   payload,
		Batch:     batch,
	}
}
