package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/testutil"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func registry(t *testing.T) (*market.Registry, market.AssetID, market.AssetID) {
	t.Helper()
	reg := market.NewRegistry()
	usdt, err := reg.Asset("USDT")
	if err != nil {
		t.Fatal(err)
	}
	eth, err := reg.Asset("ETH")
	if err != nil {
		t.Fatal(err)
	}
	return reg, usdt, eth
}

func depositEnvelope(t *testing.T, usdt market.AssetID, requestID, amount string) *event.EventEnvelope {
	t.Helper()
	owner := uuid.New()
	batch, err := ledger.NewJournalGenerator(func() time.Time { return at }).
		GenerateDeposit(requestID, owner, usdt, fpmath.MustParse(amount))
	if err != nil {
		t.Fatal(err)
	}
	return event.NewEnvelope(&event.CollateralDeposited{
		DepositID: uuid.New(),
		Owner:     owner,
		Asset:     usdt,
		Amount:    fpmath.MustParse(amount),
	}, owner, requestID, batch, at)
}

// ============================================================================
// Test: Row mapping
// ============================================================================

func TestRows_Deposit(t *testing.T) {
	reg, usdt, _ := registry(t)
	outbox := core.NewOutbox(8, zerolog.Nop(), nil)
	env := depositEnvelope(t, usdt, "req-1", "250.5")
	outbox.Append(env)

	row, journals, err := persistence.Rows(env, reg)
	if err != nil {
		t.Fatal(err)
	}
	if row.Sequence != 1 || row.Operation != "deposit" || row.EventType != "collateral_deposited" {
		t.Errorf("unexpected intent row %+v", row)
	}
	if !row.RequestID.Valid || row.RequestID.String != "req-1" {
		t.Errorf("expected request id req-1, got %+v", row.RequestID)
	}
	if row.Requester.String != env.Owner.String() {
		t.Errorf("expected the owner as requester, got %+v", row.Requester)
	}
	if row.Market.Valid {
		t.Errorf("deposits carry no market, got %q", row.Market.String)
	}
	if len(row.StateHash) != 32 || len(row.PrevHash) != 32 {
		t.Errorf("expected 32-byte hashes")
	}
	if !json.Valid(row.Payload) {
		t.Errorf("payload is not valid JSON: %s", row.Payload)
	}

	if len(journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(journals))
	}
	j := journals[0]
	if j.Amount != "250.5" || j.Asset != "USDT" || j.Sequence != 1 || j.JournalType != "deposit" {
		t.Errorf("unexpected journal row %+v", j)
	}
	if j.BatchID != env.Batch.BatchID.String() {
		t.Errorf("journal must reference batch %s, got %s", env.Batch.BatchID, j.BatchID)
	}
	if j.PositionID.Valid {
		t.Errorf("deposit journal has no position, got %q", j.PositionID.String)
	}
}

func TestRows_NoBatch(t *testing.T) {
	reg, _, _ := registry(t)
	eth, _ := reg.Market("ETH-PERP")
	env := event.NewEnvelope(&event.CircuitTripped{Market: eth, Reason: "manual"}, uuid.Nil, "", nil, at)

	row, journals, err := persistence.Rows(env, reg)
	if err != nil {
		t.Fatal(err)
	}
	if row.Operation != "circuit" || row.Market.String != "ETH-PERP" || row.Owner.Valid || row.RequestID.Valid || row.Requester.Valid {
		t.Errorf("unexpected intent row %+v", row)
	}
	if len(journals) != 0 {
		t.Errorf("expected no journals, got %d", len(journals))
	}
}

// ============================================================================
// Test: Postgres (integration)
// ============================================================================

func TestPersistenceWorker_WritesChain(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	reg, usdt, _ := registry(t)
	outbox := core.NewOutbox(64, zerolog.Nop(), nil)
	worker := persistence.NewPersistenceWorker(db, outbox, reg, 2, 10*time.Millisecond, zerolog.Nop(), nil)

	for i := 0; i < 5; i++ {
		outbox.Append(depositEnvelope(t, usdt, uuid.NewString(), "10"))
	}
	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background(), 1) }()
	last := depositEnvelope(t, usdt, "last", "10")
	outbox.Append(last)
	outbox.Close()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	ctx := context.Background()
	var intents, journals int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM risk.intents`).Scan(&intents); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM risk.journals`).Scan(&journals); err != nil {
		t.Fatal(err)
	}
	if intents != 6 || journals != 6 {
		t.Errorf("expected 6 intents and 6 journals, got %d and %d", intents, journals)
	}

	seq, tip, err := persistence.ChainHead(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 6 || tip != outbox.Tip() {
		t.Errorf("chain head %d does not match outbox tip", seq)
	}

	idem := persistence.NewPostgresIdempotencyChecker(db)
	if dup, err := idem.IsDuplicate(ctx, "deposit", last.Owner, "last"); err != nil || !dup {
		t.Errorf("expected persisted request to be a duplicate, got %v, %v", dup, err)
	}
	if dup, err := idem.IsDuplicate(ctx, "withdraw", last.Owner, "last"); err != nil || dup {
		t.Errorf("other operation must not match, got %v, %v", dup, err)
	}
	if dup, err := idem.IsDuplicate(ctx, "deposit", uuid.New(), "last"); err != nil || dup {
		t.Errorf("other requester must not match, got %v, %v", dup, err)
	}
	if dup, err := idem.IsDuplicate(ctx, "deposit", uuid.Nil, "last"); err != nil || dup {
		t.Errorf("operator scope must not match an account request, got %v, %v", dup, err)
	}
	keys, err := idem.RecentKeys(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[1] != "deposit:"+last.Owner.String()+":last" {
		t.Errorf("expected newest key last, got %v", keys)
	}
}

func TestMarketStore_RoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	reg, usdt, eth := registry(t)
	id, _ := reg.Market("ETH-PERP")
	store := persistence.NewMarketStore(db, reg)

	cfg := market.DefaultConfig(id, "ETH-PERP", eth, usdt)
	cfg.MaxLeverage = fpmath.FromInt(50)
	cfg.InitialMarginRate = fpmath.MustParse("0.02")
	if err := store.UpsertMarket(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertCollateral(ctx, market.Collateral{Asset: usdt, Native: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertCollateral(ctx, market.Collateral{Asset: eth, Haircut: fpmath.MustParse("0.1")}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Market(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != id || got.BaseAsset != eth || !got.MaxLeverage.Equal(cfg.MaxLeverage) ||
		!got.InitialMarginRate.Equal(cfg.InitialMarginRate) || got.FundingInterval != cfg.FundingInterval {
		t.Errorf("market round trip mismatch: %+v", got)
	}

	collaterals, err := store.Collaterals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(collaterals) != 2 {
		t.Fatalf("expected 2 collaterals, got %d", len(collaterals))
	}
	c, err := store.Collateral(ctx, eth)
	if err != nil || !c.Haircut.Equal(fpmath.MustParse("0.1")) {
		t.Errorf("expected ETH haircut 0.1, got %+v, %v", c, err)
	}

	other, _ := reg.Market("BTC-PERP")
	if _, err := store.Market(ctx, other); !errors.Is(err, market.ErrUnknownMarket) {
		t.Errorf("expected ErrUnknownMarket, got %v", err)
	}

	// invalid parameters never reach the table
	bad := cfg
	bad.MaintenanceMarginRate = fpmath.MustParse("0.5")
	if err := store.UpsertMarket(ctx, bad); err == nil {
		t.Error("expected validation error")
	}
}

func TestMigrator_UpIsIdempotentAndReportsStatus(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	m := persistence.NewMigrator(db, testutil.MigrationsDir(t), zerolog.Nop())
	if err := m.Up(ctx); err != nil {
		t.Fatalf("second up must be a no-op: %v", err)
	}

	status, err := m.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status) == 0 {
		t.Fatal("expected at least one migration")
	}
	first := status[0]
	if first.Version != "000001" || first.Name != "init" || !first.Applied || first.AppliedAt.IsZero() {
		t.Errorf("unexpected status %+v", first)
	}
}
