package state

import (
	"fmt"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// LiquidationInput is everything one liquidation step depends on. It is
// evaluated under the owner's account lock with the same prices used for the
// margin-ratio precondition.
type LiquidationInput struct {
	Position         Position     // after pending funding was applied
	Config           market.Config
	Price            fpmath.Value // execution price, conservative when tripped
	RequestedSize    fpmath.Value // zero closes the maximum allowed
	FreeCollateral   fpmath.Value // owner's free balance in the collateral asset
	InsuranceBalance fpmath.Value
}

// LiquidationPlan is the outcome of one liquidation step.
type LiquidationPlan struct {
	CloseSize     fpmath.Value
	RemainingSize fpmath.Value
	Full          bool
	Price         fpmath.Value
	Notional      fpmath.Value

	RealizedPnL     fpmath.Value
	Bonus           fpmath.Value
	FundingSettled  fpmath.Value // unpaid funding charged now
	Allocated       fpmath.Value // collateral attributable to the closed size
	Released        fpmath.Value // returned to free collateral
	RemainingMargin fpmath.Value // collateral left on the position

	FromFree fpmath.Value
	Coverage Coverage
}

// BadDebt reports whether collateral could not cover loss plus bonus.
func (lp *LiquidationPlan) BadDebt() bool {
	return lp.Coverage.Deficit.IsPositive()
}

// LiquidationPlanner sizes liquidations and sources their losses: released
// collateral first, then the owner's free collateral, then the deficit
// policy.
type LiquidationPlanner struct {
	insurance *InsuranceFund
}

func NewLiquidationPlanner(insurance *InsuranceFund) *LiquidationPlanner {
	return &LiquidationPlanner{insurance: insurance}
}

// CloseSize returns how much of the position one call may close.
func (lp *LiquidationPlanner) CloseSize(p *Position, cfg market.Config, price, requested fpmath.Value) (size fpmath.Value, full bool, err error) {
	maxClose, err := fpmath.MulRoundDown(p.Size, cfg.MaxLiquidationFraction)
	if err != nil {
		return fpmath.Zero, false, err
	}
	size = maxClose
	if requested.IsPositive() && requested.LessThan(maxClose) {
		size = requested
	}
	if !size.IsPositive() {
		return p.Size, true, nil
	}

	remaining, err := fpmath.Sub(p.Size, size)
	if err != nil {
		return fpmath.Zero, false, err
	}
	remainingNotional, err := fpmath.Notional(remaining, price)
	if err != nil {
		return fpmath.Zero, false, err
	}
	if !remaining.IsPositive() || remainingNotional.LessThan(cfg.MinPositionNotional) {
		return p.Size, true, nil
	}
	return size, false, nil
}

// Plan computes one liquidation step.
func (lp *LiquidationPlanner) Plan(in LiquidationInput) (LiquidationPlan, error) {
	p := &in.Position
	if p.IsFlat() {
		return LiquidationPlan{}, fmt.Errorf("%w: position %s is flat", ErrInvalidSize, p.PositionID)
	}
	if !in.Price.IsPositive() {
		return LiquidationPlan{}, fmt.Errorf("liquidation price must be positive")
	}

	closeSize, full, err := lp.CloseSize(p, in.Config, in.Price, in.RequestedSize)
	if err != nil {
		return LiquidationPlan{}, err
	}

	plan := LiquidationPlan{
		CloseSize:      closeSize,
		Full:           full,
		Price:          in.Price,
		FundingSettled: fpmath.Max(p.UnpaidFunding, fpmath.Zero),
		Released:       fpmath.Zero,
		FromFree:       fpmath.Zero,
		Coverage:       Coverage{Deficit: fpmath.Zero, FromInsurance: fpmath.Zero, Socialized: fpmath.Zero},
	}

	if plan.RemainingSize, err = fpmath.Sub(p.Size, closeSize); err != nil {
		return LiquidationPlan{}, err
	}
	if plan.Notional, err = fpmath.Notional(closeSize, in.Price); err != nil {
		return LiquidationPlan{}, err
	}
	if plan.RealizedPnL, err = fpmath.RealizedPnL(p.Sign(), p.EntryPrice, in.Price, closeSize); err != nil {
		return LiquidationPlan{}, err
	}
	if plan.Bonus, err = fpmath.MulBps(plan.Notional, in.Config.LiquidationBonusBps, fpmath.RoundDown); err != nil {
		return LiquidationPlan{}, err
	}

	plan.Allocated = p.Collateral
	if !full {
		if plan.Allocated, err = fpmath.MulDiv(p.Collateral, closeSize, p.Size, fpmath.RoundDown); err != nil {
			return LiquidationPlan{}, err
		}
	}
	if plan.RemainingMargin, err = fpmath.Sub(p.Collateral, plan.Allocated); err != nil {
		return LiquidationPlan{}, err
	}

	net, err := fpmath.C(plan.Allocated).
		Add(plan.RealizedPnL).
		Sub(plan.Bonus).
		Sub(plan.FundingSettled).
		Result()
	if err != nil {
		return LiquidationPlan{}, err
	}

	if !net.IsNegative() {
		plan.Released = net
		return plan, nil
	}

	deficit := net.Neg()
	plan.FromFree = fpmath.Min(fpmath.Max(in.FreeCollateral, fpmath.Zero), deficit)
	if deficit, err = fpmath.Sub(deficit, plan.FromFree); err != nil {
		return LiquidationPlan{}, err
	}
	plan.Coverage = lp.insurance.PlanLiquidationDeficit(in.InsuranceBalance, deficit)
	return plan, nil
}
