package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// MarketStore serves market and collateral configuration from
// risk.markets and risk.collaterals. Symbols are interned through the
// registry; wrap it in a market.TTLSource to avoid a query per operation.
type MarketStore struct {
	db       *sql.DB
	registry *market.Registry
}

func NewMarketStore(db *sql.DB, registry *market.Registry) *MarketStore {
	return &MarketStore{db: db, registry: registry}
}

const marketColumns = `symbol, base_asset, quote_asset, index_asset, max_leverage,
	initial_margin_rate, maintenance_margin_rate, warning_margin_ratio,
	funding_interval_secs, funding_rate_cap, max_liquidation_fraction,
	liquidation_bonus_bps, min_position_notional, active`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *MarketStore) Market(ctx context.Context, id market.MarketID) (market.Config, error) {
	symbol := s.registry.MarketName(id)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM risk.markets WHERE symbol = $1`, symbol)
	cfg, err := s.scanMarket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Config{}, fmt.Errorf("%w: %s", market.ErrUnknownMarket, symbol)
	}
	return cfg, err
}

func (s *MarketStore) Markets(ctx context.Context) ([]market.Config, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+marketColumns+` FROM risk.markets ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query markets: %w", err)
	}
	defer rows.Close()

	var out []market.Config
	for rows.Next() {
		cfg, err := s.scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *MarketStore) scanMarket(row rowScanner) (market.Config, error) {
	var (
		symbol, base, quote, index            string
		maxLev, imr, mmr, warn, fcap, liqFrac string
		minNotional                           string
		intervalSecs, bonusBps                int64
		active                                bool
	)
	if err := row.Scan(&symbol, &base, &quote, &index, &maxLev, &imr, &mmr, &warn,
		&intervalSecs, &fcap, &liqFrac, &bonusBps, &minNotional, &active); err != nil {
		return market.Config{}, err
	}

	cfg := market.Config{
		Symbol:              symbol,
		FundingInterval:     time.Duration(intervalSecs) * time.Second,
		LiquidationBonusBps: bonusBps,
		Active:              active,
	}
	var err error
	if cfg.ID, err = s.registry.Market(symbol); err != nil {
		return market.Config{}, err
	}
	for _, a := range []struct {
		name string
		dst  *market.AssetID
	}{{base, &cfg.BaseAsset}, {quote, &cfg.QuoteAsset}, {index, &cfg.IndexAsset}} {
		if *a.dst, err = s.registry.Asset(a.name); err != nil {
			return market.Config{}, err
		}
	}
	for _, n := range []struct {
		col string
		raw string
		dst *fpmath.Value
	}{
		{"max_leverage", maxLev, &cfg.MaxLeverage},
		{"initial_margin_rate", imr, &cfg.InitialMarginRate},
		{"maintenance_margin_rate", mmr, &cfg.MaintenanceMarginRate},
		{"warning_margin_ratio", warn, &cfg.WarningMarginRatio},
		{"funding_rate_cap", fcap, &cfg.FundingRateCap},
		{"max_liquidation_fraction", liqFrac, &cfg.MaxLiquidationFraction},
		{"min_position_notional", minNotional, &cfg.MinPositionNotional},
	} {
		if *n.dst, err = fpmath.Parse(n.raw); err != nil {
			return market.Config{}, fmt.Errorf("market %s %s: %w", symbol, n.col, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return market.Config{}, fmt.Errorf("market %s: %w", symbol, err)
	}
	return cfg, nil
}

func (s *MarketStore) Collateral(ctx context.Context, asset market.AssetID) (market.Collateral, error) {
	name := s.registry.AssetName(asset)
	var haircut string
	var native bool
	err := s.db.QueryRowContext(ctx,
		`SELECT haircut, native FROM risk.collaterals WHERE asset = $1`, name,
	).Scan(&haircut, &native)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Collateral{}, fmt.Errorf("%w: %s", market.ErrUnknownCollateral, name)
	}
	if err != nil {
		return market.Collateral{}, fmt.Errorf("query collateral %s: %w", name, err)
	}
	return s.collateral(asset, name, haircut, native)
}

func (s *MarketStore) Collaterals(ctx context.Context) ([]market.Collateral, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset, haircut, native FROM risk.collaterals ORDER BY asset`)
	if err != nil {
		return nil, fmt.Errorf("query collaterals: %w", err)
	}
	defer rows.Close()

	var out []market.Collateral
	for rows.Next() {
		var name, haircut string
		var native bool
		if err := rows.Scan(&name, &haircut, &native); err != nil {
			return nil, err
		}
		asset, err := s.registry.Asset(name)
		if err != nil {
			return nil, err
		}
		c, err := s.collateral(asset, name, haircut, native)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *MarketStore) collateral(asset market.AssetID, name, haircut string, native bool) (market.Collateral, error) {
	h, err := fpmath.Parse(haircut)
	if err != nil {
		return market.Collateral{}, fmt.Errorf("collateral %s haircut: %w", name, err)
	}
	c := market.Collateral{Asset: asset, Haircut: h, Native: native}
	if err := c.Validate(); err != nil {
		return market.Collateral{}, fmt.Errorf("collateral %s: %w", name, err)
	}
	return c, nil
}

// UpsertMarket validates cfg and writes it to risk.markets.
func (s *MarketStore) UpsertMarket(ctx context.Context, cfg market.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk.markets (`+marketColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (symbol) DO UPDATE SET
			base_asset = EXCLUDED.base_asset,
			quote_asset = EXCLUDED.quote_asset,
			index_asset = EXCLUDED.index_asset,
			max_leverage = EXCLUDED.max_leverage,
			initial_margin_rate = EXCLUDED.initial_margin_rate,
			maintenance_margin_rate = EXCLUDED.maintenance_margin_rate,
			warning_margin_ratio = EXCLUDED.warning_margin_ratio,
			funding_interval_secs = EXCLUDED.funding_interval_secs,
			funding_rate_cap = EXCLUDED.funding_rate_cap,
			max_liquidation_fraction = EXCLUDED.max_liquidation_fraction,
			liquidation_bonus_bps = EXCLUDED.liquidation_bonus_bps,
			min_position_notional = EXCLUDED.min_position_notional,
			active = EXCLUDED.active,
			updated_at = NOW()`,
		cfg.Symbol,
		s.registry.AssetName(cfg.BaseAsset),
		s.registry.AssetName(cfg.QuoteAsset),
		s.registry.AssetName(cfg.IndexAsset),
		cfg.MaxLeverage.String(),
		cfg.InitialMarginRate.String(),
		cfg.MaintenanceMarginRate.String(),
		cfg.WarningMarginRatio.String(),
		int64(cfg.FundingInterval/time.Second),
		cfg.FundingRateCap.String(),
		cfg.MaxLiquidationFraction.String(),
		cfg.LiquidationBonusBps,
		cfg.MinPositionNotional.String(),
		cfg.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert market %s: %w", cfg.Symbol, err)
	}
	return nil
}

// UpsertCollateral validates c and writes it to risk.collaterals.
func (s *MarketStore) UpsertCollateral(ctx context.Context, c market.Collateral) error {
	if err := c.Validate(); err != nil {
		return err
	}
	name := s.registry.AssetName(c.Asset)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk.collaterals (asset, haircut, native, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (asset) DO UPDATE SET
			haircut = EXCLUDED.haircut,
			native = EXCLUDED.native,
			updated_at = NOW()`,
		name, c.Haircut.String(), c.Native,
	)
	if err != nil {
		return fmt.Errorf("upsert collateral %s: %w", name, err)
	}
	return nil
}
