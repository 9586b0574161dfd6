package state

import (
	"fmt"

	"github.com/google/uuid"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// MarginCalculator computes cross-margin metrics from an account snapshot,
// the risk view and the prices of one decision. It holds no prices itself.
type MarginCalculator struct {
	funding *FundingManager
}

func NewMarginCalculator(funding *FundingManager) *MarginCalculator {
	return &MarginCalculator{funding: funding}
}

// PositionMetrics are the valuation of one position.
type PositionMetrics struct {
	PositionID        uuid.UUID
	Market            market.MarketID
	Price             fpmath.Value
	Notional          fpmath.Value
	UnrealizedPnL     fpmath.Value
	FundingOwed       fpmath.Value // pending plus unpaid, > 0 owed by the position
	MaintenanceMargin fpmath.Value
	InitialMargin     fpmath.Value
	LiquidationPrice  fpmath.Value
}

// AccountMetrics are the valuation of one account.
type AccountMetrics struct {
	Owner             uuid.UUID
	Version           uint64
	CollateralValue   fpmath.Value
	UnrealizedPnL     fpmath.Value
	FundingOwed       fpmath.Value
	Value             fpmath.Value
	MaintenanceMargin fpmath.Value
	InitialMargin     fpmath.Value
	// Ratio is (Value - MaintenanceMargin) / Value. One with no positions,
	// minus one when Value <= 0.
	Ratio     fpmath.Value
	Status    MarginStatus
	Positions []PositionMetrics
}

// Liquidatable reports whether the margin ratio is at or below zero.
func (m *AccountMetrics) Liquidatable() bool {
	return len(m.Positions) > 0 && !m.Ratio.IsPositive()
}

// Position returns the metrics of one position.
func (m *AccountMetrics) Position(id uuid.UUID) (PositionMetrics, bool) {
	for _, pm := range m.Positions {
		if pm.PositionID == id {
			return pm, true
		}
	}
	return PositionMetrics{}, false
}

// CollateralValue returns the quote value of the account's balances. Native
// assets count at face value, others at price * (1 - haircut), rounded down.
func (mc *MarginCalculator) CollateralValue(snap *AccountSnapshot, rv *RiskView, prices *PriceSet) (fpmath.Value, error) {
	total := fpmath.Zero
	for asset, bal := range snap.Balances {
		amount, err := fpmath.Add(bal.Free, bal.Reserved)
		if err != nil {
			return fpmath.Zero, err
		}
		if amount.IsZero() {
			continue
		}
		value, err := mc.valueOf(asset, amount, rv, prices)
		if err != nil {
			return fpmath.Zero, err
		}
		if total, err = fpmath.Add(total, value); err != nil {
			return fpmath.Zero, err
		}
	}
	return total, nil
}

func (mc *MarginCalculator) valueOf(asset market.AssetID, amount fpmath.Value, rv *RiskView, prices *PriceSet) (fpmath.Value, error) {
	col, err := rv.Collateral(asset)
	if err != nil {
		return fpmath.Zero, err
	}
	if col.Native {
		return amount, nil
	}
	price, err := prices.Asset(asset)
	if err != nil {
		return fpmath.Zero, err
	}
	factor, err := fpmath.Sub(fpmath.One, col.Haircut)
	if err != nil {
		return fpmath.Zero, err
	}
	return fpmath.C(amount).MulDown(price).MulDown(factor).Result()
}

// Evaluate values the account. Pending funding is included without being
// applied.
func (mc *MarginCalculator) Evaluate(snap *AccountSnapshot, rv *RiskView, prices *PriceSet) (AccountMetrics, error) {
	out := AccountMetrics{
		Owner:             snap.Owner,
		Version:           snap.Version,
		UnrealizedPnL:     fpmath.Zero,
		FundingOwed:       fpmath.Zero,
		MaintenanceMargin: fpmath.Zero,
		InitialMargin:     fpmath.Zero,
		Positions:         make([]PositionMetrics, 0, len(snap.Positions)),
	}

	collateral, err := mc.CollateralValue(snap, rv, prices)
	if err != nil {
		return AccountMetrics{}, err
	}
	out.CollateralValue = collateral

	warning := fpmath.Zero
	for i := range snap.Positions {
		p := &snap.Positions[i]
		cfg, err := rv.Market(p.Market)
		if err != nil {
			return AccountMetrics{}, err
		}
		pm, err := mc.evaluatePosition(p, cfg, prices)
		if err != nil {
			return AccountMetrics{}, fmt.Errorf("position %s: %w", p.PositionID, err)
		}
		out.Positions = append(out.Positions, pm)

		if out.UnrealizedPnL, err = fpmath.Add(out.UnrealizedPnL, pm.UnrealizedPnL); err != nil {
			return AccountMetrics{}, err
		}
		if out.FundingOwed, err = fpmath.Add(out.FundingOwed, pm.FundingOwed); err != nil {
			return AccountMetrics{}, err
		}
		if out.MaintenanceMargin, err = fpmath.Add(out.MaintenanceMargin, pm.MaintenanceMargin); err != nil {
			return AccountMetrics{}, err
		}
		if out.InitialMargin, err = fpmath.Add(out.InitialMargin, pm.InitialMargin); err != nil {
			return AccountMetrics{}, err
		}
		warning = fpmath.Max(warning, cfg.WarningMarginRatio)
	}

	out.Value, err = fpmath.C(collateral).Add(out.UnrealizedPnL).Sub(out.FundingOwed).Result()
	if err != nil {
		return AccountMetrics{}, err
	}

	switch {
	case len(out.Positions) == 0:
		out.Ratio = fpmath.One
	case !out.Value.IsPositive():
		out.Ratio = fpmath.One.Neg()
	default:
		out.Ratio, err = fpmath.C(out.Value).Sub(out.MaintenanceMargin).DivDown(out.Value).Result()
		if err != nil {
			return AccountMetrics{}, err
		}
	}

	out.Status = MarginStatusHealthy
	if len(out.Positions) > 0 {
		switch ClassifyRatio(out.Ratio, warning) {
		case LiquidationStateLiquidatable:
			out.Status = MarginStatusLiquidatable
		case LiquidationStateAtRisk:
			out.Status = MarginStatusAtRisk
		}
	}
	return out, nil
}

func (mc *MarginCalculator) evaluatePosition(p *Position, cfg market.Config, prices *PriceSet) (PositionMetrics, error) {
	price, err := prices.Mark(p.Market, p.Sign())
	if err != nil {
		return PositionMetrics{}, err
	}
	pm := PositionMetrics{PositionID: p.PositionID, Market: p.Market, Price: price}

	if pm.Notional, err = p.Notional(price); err != nil {
		return PositionMetrics{}, err
	}
	if pm.UnrealizedPnL, err = p.UnrealizedPnL(price); err != nil {
		return PositionMetrics{}, err
	}
	if pm.MaintenanceMargin, err = fpmath.MaintenanceMargin(p.Size, price, cfg.MaintenanceMarginRate); err != nil {
		return PositionMetrics{}, err
	}
	if pm.InitialMargin, err = fpmath.InitialMargin(pm.Notional, p.Leverage, cfg.InitialMarginRate); err != nil {
		return PositionMetrics{}, err
	}
	if pm.LiquidationPrice, err = p.LiquidationPrice(cfg.MaintenanceMarginRate); err != nil {
		return PositionMetrics{}, err
	}

	pending := PendingFunding{Amount: fpmath.Zero}
	if mc.funding != nil {
		if pending, err = mc.funding.Pending(p); err != nil {
			return PositionMetrics{}, err
		}
	}
	if pm.FundingOwed, err = fpmath.Add(pending.Amount, p.UnpaidFunding); err != nil {
		return PositionMetrics{}, err
	}
	return pm, nil
}

// MarginStatus represents an account's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusAtRisk
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}
