package server

import (
	"time"

	"github.com/google/uuid"

	fpmath "PerpRisk/internal/math"
)

// Wire types shared by the gRPC JSON codec and the HTTP routes. Amounts are
// decimal strings; markets and assets travel by symbol.

// ============================================================================
// Positions
// ============================================================================

type OpenPositionRequest struct {
	RequestID       string       `json:"request_id"`
	Owner           uuid.UUID    `json:"owner"`
	Market          string       `json:"market"`
	Side            string       `json:"side"`
	Size            fpmath.Value `json:"size"`
	Collateral      fpmath.Value `json:"collateral"`
	Leverage        fpmath.Value `json:"leverage"`
	ExpectedVersion *uint64      `json:"expected_version,omitempty"`
}

type ModifyPositionRequest struct {
	RequestID       string       `json:"request_id"`
	Owner           uuid.UUID    `json:"owner"`
	PositionID      uuid.UUID    `json:"position_id"`
	SizeDelta       fpmath.Value `json:"size_delta"`
	CollateralDelta fpmath.Value `json:"collateral_delta"`
	ExpectedVersion *uint64      `json:"expected_version,omitempty"`
}

type ClosePositionRequest struct {
	RequestID       string    `json:"request_id"`
	Owner           uuid.UUID `json:"owner"`
	PositionID      uuid.UUID `json:"position_id"`
	ExpectedVersion *uint64   `json:"expected_version,omitempty"`
}

type PositionResponse struct {
	Position    Position       `json:"position"`
	Price       fpmath.Value   `json:"price"`
	RealizedPnL fpmath.Value   `json:"realized_pnl"`
	Released    fpmath.Value   `json:"released"`
	Funding     *FundingCharge `json:"funding,omitempty"`
	Account     Account        `json:"account"`
}

type Position struct {
	PositionID       uuid.UUID    `json:"position_id"`
	Owner            uuid.UUID    `json:"owner"`
	Market           string       `json:"market"`
	Side             string       `json:"side"`
	Size             fpmath.Value `json:"size"`
	EntryPrice       fpmath.Value `json:"entry_price"`
	Collateral       fpmath.Value `json:"collateral"`
	CollateralAsset  string       `json:"collateral_asset"`
	Leverage         fpmath.Value `json:"leverage"`
	OpenedAt         time.Time    `json:"opened_at"`
	LastFundingTime  time.Time    `json:"last_funding_time"`
	RealizedPnL      fpmath.Value `json:"realized_pnl"`
	FundingPaid      fpmath.Value `json:"funding_paid"`
	UnpaidFunding    fpmath.Value `json:"unpaid_funding"`
	LiquidationState string       `json:"liquidation_state"`
	Version          uint64       `json:"version"`
}

// FundingCharge is funding settled on a position while serving a request.
type FundingCharge struct {
	Amount    fpmath.Value `json:"amount"`
	Unpaid    fpmath.Value `json:"unpaid"`
	FromEpoch int64        `json:"from_epoch"`
	ToEpoch   int64        `json:"to_epoch"`
}

// ============================================================================
// Accounts & collateral
// ============================================================================

type AccountRequest struct {
	Owner uuid.UUID `json:"owner"`
}

type Account struct {
	Owner             uuid.UUID         `json:"owner"`
	Version           uint64            `json:"version"`
	CollateralValue   fpmath.Value      `json:"collateral_value"`
	UnrealizedPnL     fpmath.Value      `json:"unrealized_pnl"`
	FundingOwed       fpmath.Value      `json:"funding_owed"`
	Value             fpmath.Value      `json:"value"`
	MaintenanceMargin fpmath.Value      `json:"maintenance_margin"`
	InitialMargin     fpmath.Value      `json:"initial_margin"`
	MarginRatio       fpmath.Value      `json:"margin_ratio"`
	Status            string            `json:"status"`
	Positions         []PositionMetrics `json:"positions"`
}

type PositionMetrics struct {
	PositionID        uuid.UUID    `json:"position_id"`
	Market            string       `json:"market"`
	Price             fpmath.Value `json:"price"`
	Notional          fpmath.Value `json:"notional"`
	UnrealizedPnL     fpmath.Value `json:"unrealized_pnl"`
	FundingOwed       fpmath.Value `json:"funding_owed"`
	MaintenanceMargin fpmath.Value `json:"maintenance_margin"`
	InitialMargin     fpmath.Value `json:"initial_margin"`
	LiquidationPrice  fpmath.Value `json:"liquidation_price"`
}

type Balance struct {
	Asset    string       `json:"asset"`
	Free     fpmath.Value `json:"free"`
	Reserved fpmath.Value `json:"reserved"`
}

type AccountResponse struct {
	Account   Account    `json:"account"`
	Positions []Position `json:"positions"`
	Balances  []Balance  `json:"balances"`
}

type PositionRequest struct {
	Owner      uuid.UUID `json:"owner"`
	PositionID uuid.UUID `json:"position_id"`
}

type PositionDetail struct {
	Position         Position     `json:"position"`
	LiquidationPrice fpmath.Value `json:"liquidation_price"`
}

type CollateralRequest struct {
	RequestID       string       `json:"request_id"`
	Owner           uuid.UUID    `json:"owner"`
	Asset           string       `json:"asset"`
	Amount          fpmath.Value `json:"amount"`
	ExpectedVersion *uint64      `json:"expected_version,omitempty"`
}

type BalanceResponse struct {
	Balance Balance `json:"balance"`
	Version uint64  `json:"version"`
}

type InsuranceRequest struct {
	RequestID string       `json:"request_id"`
	Asset     string       `json:"asset"`
	Amount    fpmath.Value `json:"amount"`
}

type InsuranceResponse struct {
	Asset   string       `json:"asset"`
	Balance fpmath.Value `json:"balance"`
}

// ============================================================================
// Prices
// ============================================================================

type PriceRequest struct {
	Asset string `json:"asset"`
}

type PriceResponse struct {
	Asset         string       `json:"asset"`
	Price         fpmath.Value `json:"price"`
	ConfidenceBps int64        `json:"confidence_bps"`
	ComputedAt    time.Time    `json:"computed_at"`
	Sources       []string     `json:"sources"`
	Low           fpmath.Value `json:"low"`
	High          fpmath.Value `json:"high"`
	Fallback      bool         `json:"fallback"`
}

// AttestPriceRequest is an operator-supplied quote for the attestation feed.
type AttestPriceRequest struct {
	Asset         string       `json:"asset"`
	Price         fpmath.Value `json:"price"`
	ConfidenceBps int64        `json:"confidence_bps"`
}

type AttestPriceResponse struct {
	Source   string    `json:"source"`
	Asset    string    `json:"asset"`
	Sequence uint64    `json:"sequence"`
	At       time.Time `json:"observed_at"`
}

// ============================================================================
// Funding
// ============================================================================

type SettleFundingRequest struct {
	// Market is optional; empty settles every market.
	Market string    `json:"market"`
	At     time.Time `json:"at"`
}

type FundingEpoch struct {
	Market     string       `json:"market"`
	Index      int64        `json:"index"`
	Boundary   time.Time    `json:"boundary"`
	Rate       fpmath.Value `json:"rate"`
	MarkPrice  fpmath.Value `json:"mark_price"`
	IndexPrice fpmath.Value `json:"index_price"`
	Backfilled bool         `json:"backfilled"`
}

type FundingResponse struct {
	Recorded []FundingEpoch `json:"recorded"`
	Missed   int            `json:"missed"`
}

type MarketRequest struct {
	Market string `json:"market"`
}

type FundingEpochsResponse struct {
	Epochs []FundingEpoch `json:"epochs"`
}

// ============================================================================
// Liquidation & deleveraging
// ============================================================================

type LiquidateRequest struct {
	RequestID       string       `json:"request_id"`
	Liquidator      uuid.UUID    `json:"liquidator"`
	Owner           uuid.UUID    `json:"owner"`
	PositionID      uuid.UUID    `json:"position_id"`
	Size            fpmath.Value `json:"size"`
	ExpectedVersion *uint64      `json:"expected_version,omitempty"`
}

type LiquidationResponse struct {
	LiquidationID      uuid.UUID         `json:"liquidation_id"`
	ClosedSize         fpmath.Value      `json:"closed_size"`
	RemainingSize      fpmath.Value      `json:"remaining_size"`
	Full               bool              `json:"full"`
	Price              fpmath.Value      `json:"price"`
	RealizedPnL        fpmath.Value      `json:"realized_pnl"`
	Bonus              fpmath.Value      `json:"bonus"`
	FundingSettled     fpmath.Value      `json:"funding_settled"`
	Released           fpmath.Value      `json:"released"`
	Deficit            fpmath.Value      `json:"deficit"`
	FromInsurance      fpmath.Value      `json:"from_insurance"`
	Socialized         fpmath.Value      `json:"socialized"`
	Position           Position          `json:"position"`
	Account            Account           `json:"account"`
	Deleverage         *DeleverageAction `json:"deleverage,omitempty"`
	InsuranceExhausted bool              `json:"insurance_exhausted"`
}

type ActionRequest struct {
	RequestID string    `json:"request_id"`
	ActionID  uuid.UUID `json:"action_id"`
}

type DeleverageAction struct {
	ActionID          uuid.UUID    `json:"action_id"`
	Market            string       `json:"market"`
	Asset             string       `json:"asset"`
	Side              string       `json:"side"`
	Price             fpmath.Value `json:"price"`
	Deficit           fpmath.Value `json:"deficit"`
	Remaining         fpmath.Value `json:"remaining"`
	Recovered         fpmath.Value `json:"recovered"`
	InsuranceDrawn    fpmath.Value `json:"insurance_drawn"`
	SourceLiquidation uuid.UUID    `json:"source_liquidation"`
	Reduced           []uuid.UUID  `json:"reduced"`
	State             string       `json:"state"`
	TriggeredAt       time.Time    `json:"triggered_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

type DeleverageFill struct {
	PositionID uuid.UUID    `json:"position_id"`
	Owner      uuid.UUID    `json:"owner"`
	ClosedSize fpmath.Value `json:"closed_size"`
	Price      fpmath.Value `json:"price"`
	Recovered  fpmath.Value `json:"recovered"`
}

type DeleverageResponse struct {
	Action             DeleverageAction `json:"action"`
	Fills              []DeleverageFill `json:"fills"`
	InsuranceDraw      fpmath.Value     `json:"insurance_draw"`
	InsuranceExhausted bool             `json:"insurance_exhausted"`
}

type DeleverageActionsResponse struct {
	Actions []DeleverageAction `json:"actions"`
}

type CandidatesRequest struct{}

type CandidatesResponse struct {
	Accounts []Account `json:"accounts"`
}

// ============================================================================
// Circuit breaker
// ============================================================================

type CircuitRequest struct {
	Market string `json:"market"`
	// Reference is the reset reference price; zero uses the current mark.
	Reference fpmath.Value `json:"reference"`
	Operator  string       `json:"operator"`
	Detail    string       `json:"detail"`
}

type Circuit struct {
	Market          string       `json:"market"`
	Tripped         bool         `json:"tripped"`
	Reason          string       `json:"reason,omitempty"`
	Detail          string       `json:"detail,omitempty"`
	TrippedAt       *time.Time   `json:"tripped_at,omitempty"`
	ReferencePrice  fpmath.Value `json:"reference_price"`
	ReferenceVolume fpmath.Value `json:"reference_volume"`
	ResetBy         string       `json:"reset_by,omitempty"`
	ResetAt         *time.Time   `json:"reset_at,omitempty"`
}

type ListCircuitsRequest struct{}

type ListCircuitsResponse struct {
	Circuits []Circuit `json:"circuits"`
}
