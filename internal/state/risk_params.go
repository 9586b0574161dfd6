package state

import (
	"context"
	"fmt"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
)

// RiskView is the market configuration and collateral table read for one
// decision. It is rebuilt from the configuration source on every operation
// so parameter changes are picked up without a restart.
type RiskView struct {
	markets     map[market.MarketID]market.Config
	collaterals map[market.AssetID]market.Collateral
}

// LoadRiskView reads the given markets and every collateral asset.
func LoadRiskView(ctx context.Context, src market.Source, ids ...market.MarketID) (*RiskView, error) {
	rv := &RiskView{
		markets:     make(map[market.MarketID]market.Config, len(ids)),
		collaterals: make(map[market.AssetID]market.Collateral),
	}
	for _, id := range ids {
		if _, done := rv.markets[id]; done {
			continue
		}
		cfg, err := src.Market(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load market %d: %w", id, err)
		}
		rv.markets[id] = cfg
	}
	cols, err := src.Collaterals(ctx)
	if err != nil {
		return nil, fmt.Errorf("load collaterals: %w", err)
	}
	for _, c := range cols {
		rv.collaterals[c.Asset] = c
	}
	return rv, nil
}

// NewRiskView builds a view from explicit values.
func NewRiskView(markets []market.Config, collaterals []market.Collateral) *RiskView {
	rv := &RiskView{
		markets:     make(map[market.MarketID]market.Config, len(markets)),
		collaterals: make(map[market.AssetID]market.Collateral, len(collaterals)),
	}
	for _, m := range markets {
		rv.markets[m.ID] = m
	}
	for _, c := range collaterals {
		rv.collaterals[c.Asset] = c
	}
	return rv
}

// Market returns the config of id.
func (rv *RiskView) Market(id market.MarketID) (market.Config, error) {
	cfg, ok := rv.markets[id]
	if !ok {
		return market.Config{}, fmt.Errorf("%w: %d", market.ErrUnknownMarket, id)
	}
	return cfg, nil
}

// Collateral returns the collateral entry for asset.
func (rv *RiskView) Collateral(asset market.AssetID) (market.Collateral, error) {
	c, ok := rv.collaterals[asset]
	if !ok {
		return market.Collateral{}, fmt.Errorf("%w: %d", market.ErrUnknownCollateral, asset)
	}
	return c, nil
}

// Collaterals returns every collateral entry.
func (rv *RiskView) Collaterals() []market.Collateral {
	out := make([]market.Collateral, 0, len(rv.collaterals))
	for _, c := range rv.collaterals {
		out = append(out, c)
	}
	return out
}

type markEntry struct {
	price        oracle.AggregatedPrice
	conservative bool
}

// PriceSet holds the aggregated prices used for one decision. Mark prices of
// tripped markets resolve to the least favorable bound for the side asked.
type PriceSet struct {
	marks  map[market.MarketID]markEntry
	assets map[market.AssetID]fpmath.Value
}

func NewPriceSet() *PriceSet {
	return &PriceSet{
		marks:  make(map[market.MarketID]markEntry),
		assets: make(map[market.AssetID]fpmath.Value),
	}
}

// SetMark records the aggregated mark price of a market. Invalid prices are
// rejected.
func (ps *PriceSet) SetMark(m market.MarketID, p oracle.AggregatedPrice, conservative bool) error {
	if !p.Valid || !p.Price.IsPositive() {
		return fmt.Errorf("%w: market %d", oracle.ErrInvalidPrice, m)
	}
	ps.marks[m] = markEntry{price: p, conservative: conservative}
	return nil
}

// SetAsset records the quote-denominated price of a collateral asset.
func (ps *PriceSet) SetAsset(asset market.AssetID, price fpmath.Value) {
	ps.assets[asset] = price
}

// Mark returns the valuation price for a position on side in m.
func (ps *PriceSet) Mark(m market.MarketID, sign fpmath.SideSign) (fpmath.Value, error) {
	e, ok := ps.marks[m]
	if !ok {
		return fpmath.Zero, fmt.Errorf("%w: no mark for market %d", ErrPriceUnavailable, m)
	}
	if e.conservative {
		return e.price.Conservative(sign), nil
	}
	return e.price.Price, nil
}

// Aggregated returns the raw aggregated mark of m.
func (ps *PriceSet) Aggregated(m market.MarketID) (oracle.AggregatedPrice, bool) {
	e, ok := ps.marks[m]
	return e.price, ok
}

// Asset returns the price of a collateral asset.
func (ps *PriceSet) Asset(asset market.AssetID) (fpmath.Value, error) {
	p, ok := ps.assets[asset]
	if !ok {
		return fpmath.Zero, fmt.Errorf("%w: no price for asset %d", ErrPriceUnavailable, asset)
	}
	return p, nil
}
