package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"PerpRisk/internal/config"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perprisk.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// ============================================================================
// Test: Load
// ============================================================================

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(config.ConfigFileEnv, "")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.GRPCAddr != ":9090" || cfg.Service.HTTPAddr != ":8080" {
		t.Errorf("unexpected addrs %q %q", cfg.Service.GRPCAddr, cfg.Service.HTTPAddr)
	}
	if cfg.Engine.Deficit() != state.DeficitInsuranceFirst {
		t.Errorf("expected insurance_first, got %s", cfg.Engine.Deficit())
	}
	if cfg.Persist.FlushTimeout != 50*time.Millisecond {
		t.Errorf("expected 50ms flush timeout, got %s", cfg.Persist.FlushTimeout)
	}
	if len(cfg.Markets.Static) != 2 || len(cfg.Markets.Collaterals) != 1 {
		t.Errorf("expected default markets and collateral, got %d and %d", len(cfg.Markets.Static), len(cfg.Markets.Collaterals))
	}
	if len(cfg.Oracle.Policies) != 2 {
		t.Fatalf("expected one policy per market, got %d", len(cfg.Oracle.Policies))
	}
	p := cfg.Oracle.Policies[0]
	if p.Fallback != "attest" || strings.Join(p.Sources, ",") != "pyth,chainlink,redis" {
		t.Errorf("unexpected default policy %+v", p)
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeFile(t, `
service:
  http_addr: ":18080"
  admin_token: from-file
engine:
  deficit_policy: adl_first
persist:
  batch_size: 64
markets:
  static:
    - symbol: SOL-PERP
      base: SOL
      quote: USDT
      max_leverage: "10"
      initial_margin_rate: "0.1"
      maintenance_margin_rate: "0.05"
      funding_interval: 1h
oracle:
  feeds: [pyth]
  policies:
    - asset: SOL
      sources: [pyth]
      max_age: 30s
`)
	t.Setenv("PERP_SERVICE_ADMIN_TOKEN", "from-env")
	t.Setenv("PERP_REDIS_ENABLED", "false")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPAddr != ":18080" || cfg.Service.GRPCAddr != ":9090" {
		t.Errorf("file must override only what it sets, got %q %q", cfg.Service.HTTPAddr, cfg.Service.GRPCAddr)
	}
	if cfg.Service.AdminToken != "from-env" {
		t.Errorf("environment must win over file, got %q", cfg.Service.AdminToken)
	}
	if cfg.Redis.Enabled {
		t.Error("expected redis disabled from environment")
	}
	if cfg.Engine.Deficit() != state.DeficitADLFirst || cfg.Persist.BatchSize != 64 {
		t.Errorf("unexpected engine/persist config %+v %+v", cfg.Engine, cfg.Persist)
	}

	reg := market.NewRegistry()
	src, err := cfg.StaticMarkets(reg)
	if err != nil {
		t.Fatalf("static markets: %v", err)
	}
	id, ok := reg.LookupMarket("SOL-PERP")
	if !ok {
		t.Fatal("SOL-PERP not interned")
	}
	m, err := src.Market(t.Context(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !m.MaxLeverage.Equal(fpmath.FromInt(10)) || m.FundingInterval != time.Hour || !m.Active {
		t.Errorf("unexpected market %+v", m)
	}
	if !m.WarningMarginRatio.Equal(fpmath.MustParse("0.25")) {
		t.Errorf("unset fields keep defaults, got warning ratio %s", m.WarningMarginRatio)
	}

	pol, err := cfg.Oracle.Policies[0].Build(reg)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if pol.MaxAge != 30*time.Second || pol.Quorum != 1 || pol.MaxDeviationBps != 300 {
		t.Errorf("unexpected policy %+v", pol)
	}
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"deficit policy", "engine:\n  deficit_policy: pray\n", "engine.deficit_policy"},
		{"market source", "markets:\n  source: etcd\n", "markets.source"},
		{"postgres source without postgres", "postgres:\n  enabled: false\nmarkets:\n  source: postgres\n", "requires postgres.enabled"},
		{"batch size", "persist:\n  batch_size: 0\n", "persist.batch_size"},
		{"duplicate market", "markets:\n  static:\n    - {symbol: A-PERP, base: A, quote: USDT}\n    - {symbol: A-PERP, base: A, quote: USDT}\n", "duplicate symbol"},
		{"policy without sources", "oracle:\n  policies:\n    - asset: ETH\n", "oracle.policies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ============================================================================
// Test: Build
// ============================================================================

func TestMarketConfig_BuildRejectsInvalidRates(t *testing.T) {
	reg := market.NewRegistry()
	_, err := config.MarketConfig{
		Symbol: "ETH-PERP", Base: "ETH", Quote: "USDT",
		InitialMarginRate:     "0.01",
		MaintenanceMarginRate: "0.02",
	}.Build(reg)
	if err == nil {
		t.Fatal("maintenance above initial margin must be rejected")
	}

	if _, err := (config.MarketConfig{Symbol: "X", Base: "X", Quote: "USDT", MaxLeverage: "ten"}).Build(reg); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCircuitConfig_Build(t *testing.T) {
	cfg, err := config.CircuitConfig{MaxPriceDeviationBps: 500, VolumeSpikeMultiple: "4.5"}.Build()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxPriceDeviationBps != 500 || !cfg.VolumeSpikeMultiple.Equal(fpmath.MustParse("4.5")) {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.VolumeBaselineBuckets != 30 {
		t.Errorf("zero fields keep defaults, got %d", cfg.VolumeBaselineBuckets)
	}
}
