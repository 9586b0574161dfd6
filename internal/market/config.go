package market

import (
	"errors"
	"fmt"
	"time"

	fpmath "PerpRisk/internal/math"
)

var (
	ErrUnknownMarket     = errors.New("unknown market")
	ErrUnknownCollateral = errors.New("unknown collateral asset")
	ErrMarketInactive    = errors.New("market inactive")
)

// Config defines risk parameters for one perpetual market.
type Config struct {
	ID         MarketID
	Symbol     string
	BaseAsset  AssetID // priced for mark
	QuoteAsset AssetID // settlement and position collateral
	IndexAsset AssetID // spot reference for funding; may equal BaseAsset

	MaxLeverage           fpmath.Value
	InitialMarginRate     fpmath.Value
	MaintenanceMarginRate fpmath.Value
	WarningMarginRatio    fpmath.Value // margin ratio at or below which a position is AtRisk

	FundingInterval time.Duration
	FundingRateCap  fpmath.Value

	MaxLiquidationFraction fpmath.Value // share of a position closable per liquidation call
	LiquidationBonusBps    int64
	MinPositionNotional    fpmath.Value // remainders below this are closed in full

	Active bool
}

// Collateral describes how an asset counts toward account value.
type Collateral struct {
	Asset   AssetID
	Haircut fpmath.Value // 0.05 = counted at 95%
	Native  bool         // settlement asset, valued at 1 without an oracle
}

// DefaultConfig returns conservative parameters for a new market.
func DefaultConfig(id MarketID, symbol string, base, quote AssetID) Config {
	return Config{
		ID:                     id,
		Symbol:                 symbol,
		BaseAsset:              base,
		QuoteAsset:             quote,
		IndexAsset:             base,
		MaxLeverage:            fpmath.FromInt(20),
		InitialMarginRate:      fpmath.MustParse("0.05"),
		MaintenanceMarginRate:  fpmath.MustParse("0.005"),
		WarningMarginRatio:     fpmath.MustParse("0.25"),
		FundingInterval:        8 * time.Hour,
		FundingRateCap:         fpmath.MustParse("0.0075"),
		MaxLiquidationFraction: fpmath.MustParse("0.5"),
		LiquidationBonusBps:    100,
		MinPositionNotional:    fpmath.FromInt(10),
		Active:                 true,
	}
}

// Validate checks that risk parameters are within valid ranges:
// 0 < mmr < imr < 1, max_leverage >= 1, mmr < 1/max_leverage so a fully
// levered position opens with a positive margin ratio.
func (c *Config) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("market id must be set")
	}
	if c.BaseAsset == 0 || c.QuoteAsset == 0 || c.IndexAsset == 0 {
		return fmt.Errorf("market %s: assets must be set", c.Symbol)
	}
	if !c.MaintenanceMarginRate.IsPositive() {
		return fmt.Errorf("maintenance_margin_rate must be > 0, got %s", c.MaintenanceMarginRate)
	}
	if c.InitialMarginRate.Cmp(c.MaintenanceMarginRate) <= 0 {
		return fmt.Errorf("initial_margin_rate (%s) must be > maintenance_margin_rate (%s)",
			c.InitialMarginRate, c.MaintenanceMarginRate)
	}
	if c.InitialMarginRate.Cmp(fpmath.One) >= 0 {
		return fmt.Errorf("initial_margin_rate must be < 1, got %s", c.InitialMarginRate)
	}
	if c.MaxLeverage.LessThan(fpmath.One) {
		return fmt.Errorf("max_leverage must be >= 1, got %s", c.MaxLeverage)
	}
	inv, err := fpmath.Div(fpmath.One, c.MaxLeverage)
	if err != nil {
		return err
	}
	if c.MaintenanceMarginRate.Cmp(inv) >= 0 {
		return fmt.Errorf("maintenance_margin_rate (%s) must be < 1/max_leverage (%s)",
			c.MaintenanceMarginRate, inv)
	}
	if c.WarningMarginRatio.IsNegative() || c.WarningMarginRatio.Cmp(fpmath.One) >= 0 {
		return fmt.Errorf("warning_margin_ratio must be in [0, 1), got %s", c.WarningMarginRatio)
	}
	if c.FundingInterval <= 0 {
		return fmt.Errorf("funding_interval must be > 0, got %s", c.FundingInterval)
	}
	if c.FundingRateCap.IsNegative() {
		return fmt.Errorf("funding_rate_cap must be >= 0, got %s", c.FundingRateCap)
	}
	if !c.MaxLiquidationFraction.IsPositive() || c.MaxLiquidationFraction.GreaterThan(fpmath.One) {
		return fmt.Errorf("max_liquidation_fraction must be in (0, 1], got %s", c.MaxLiquidationFraction)
	}
	if c.LiquidationBonusBps < 0 || c.LiquidationBonusBps >= 10_000 {
		return fmt.Errorf("liquidation_bonus_bps must be in [0, 10000), got %d", c.LiquidationBonusBps)
	}
	if c.MinPositionNotional.IsNegative() {
		return fmt.Errorf("min_position_notional must be >= 0, got %s", c.MinPositionNotional)
	}
	return nil
}

// Validate checks the haircut range.
func (c *Collateral) Validate() error {
	if c.Asset == 0 {
		return fmt.Errorf("collateral asset must be set")
	}
	if c.Haircut.IsNegative() || c.Haircut.Cmp(fpmath.One) >= 0 {
		return fmt.Errorf("haircut must be in [0, 1), got %s", c.Haircut)
	}
	if c.Native && !c.Haircut.IsZero() {
		return fmt.Errorf("native collateral cannot carry a haircut")
	}
	return nil
}
