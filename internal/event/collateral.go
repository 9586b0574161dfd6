package event

import (
	"github.com/google/uuid"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// CollateralDeposited records a custody-confirmed credit.
type CollateralDeposited struct {
	DepositID uuid.UUID
	Owner     uuid.UUID
	Asset     market.AssetID
	Amount    fpmath.Value
}

func (e *CollateralDeposited) IdempotencyKey() string { return "deposit:" + e.DepositID.String() }
func (e *CollateralDeposited) EventType() EventType { return EventTypeCollateralDeposited }
func (e *CollateralDeposited) MarketID() market.MarketID { return 0 }

// CollateralWithdrawn records an approved withdrawal intent.
type CollateralWithdrawn struct {
	WithdrawalID uuid.UUID
	Owner        uuid.UUID
	Asset        market.AssetID
	Amount       fpmath.Value
}

func (e *CollateralWithdrawn) IdempotencyKey() string {
	return "withdraw:" + e.WithdrawalID.String()
}
func (e *CollateralWithdrawn) EventType() EventType { return EventTypeCollateralWithdrawn }
func (e *CollateralWithdrawn) MarketID() market.MarketID { return 0 }

// InsuranceFunded records a contribution to the insurance fund.
type InsuranceFunded struct {
	ContributionID uuid.UUID
	Asset          market.AssetID
	Amount         fpmath.Value
}

func (e *InsuranceFunded) IdempotencyKey() string {
	return "insurance:" + e.ContributionID.String()
}
func (e *InsuranceFunded) EventType() EventType { return EventTypeInsuranceFunded }
func (e *InsuranceFunded) MarketID() market.MarketID { return 0 }
