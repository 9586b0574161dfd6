package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpRisk/internal/circuit"
	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"
)

const (
	usdt market.AssetID  = 1
	eth  market.AssetID  = 2
	spot market.AssetID  = 3
	ethM market.MarketID = 1
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func d(s string) fpmath.Value { return fpmath.MustParse(s) }

func ptr[T any](v T) *T { return &v }

// --- Test helpers ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dur)
	c.mu.Unlock()
}

type fakeOracle struct {
	mu     sync.Mutex
	prices map[market.AssetID]oracle.AggregatedPrice
}

func (f *fakeOracle) set(asset market.AssetID, price string) {
	f.setRange(asset, price, price, price)
}

func (f *fakeOracle) setRange(asset market.AssetID, price, low, high string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[asset] = oracle.AggregatedPrice{
		Asset: asset,
		Price: d(price),
		Low:   d(low),
		High:  d(high),
		Valid: true,
	}
}

func (f *fakeOracle) Price(_ context.Context, asset market.AssetID) (oracle.AggregatedPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[asset]
	if !ok {
		return oracle.AggregatedPrice{}, oracle.ErrInvalidPrice
	}
	return p, nil
}

type harness struct {
	engine  *core.Engine
	oracle  *fakeOracle
	clock   *fakeClock
	markets *market.StaticSource
}

func newHarness(t *testing.T, policy state.DeficitPolicy) *harness {
	t.Helper()
	clock := &fakeClock{now: t0}
	orc := &fakeOracle{prices: make(map[market.AssetID]oracle.AggregatedPrice)}
	orc.set(eth, "2000")
	orc.set(spot, "2000")

	src := market.NewStaticSource()
	cfg := market.DefaultConfig(ethM, "ETH-PERP", eth, usdt)
	cfg.IndexAsset = spot
	if err := src.PutMarket(cfg); err != nil {
		t.Fatal(err)
	}
	if err := src.PutCollateral(market.Collateral{Asset: usdt, Haircut: fpmath.Zero, Native: true}); err != nil {
		t.Fatal(err)
	}

	ecfg := core.DefaultConfig()
	ecfg.DeficitPolicy = policy
	ecfg.Clock = clock.Now
	e, err := core.New(ecfg, core.Deps{
		Markets: src,
		Oracle:  orc,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &harness{engine: e, oracle: orc, clock: clock, markets: src}
}

func (h *harness) deposit(t *testing.T, owner uuid.UUID, amount string) {
	t.Helper()
	if _, err := h.engine.Deposit(context.Background(), core.DepositRequest{
		Owner: owner, Asset: usdt, Amount: d(amount),
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (h *harness) open(t *testing.T, owner uuid.UUID, side event.Side, size, collateral, leverage string) state.Position {
	t.Helper()
	res, err := h.engine.OpenPosition(context.Background(), core.OpenRequest{
		Owner:      owner,
		Market:     ethM,
		Side:       side,
		Size:       d(size),
		Collateral: d(collateral),
		Leverage:   d(leverage),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return res.Position
}

func (h *harness) balance(owner uuid.UUID) (free, reserved fpmath.Value) {
	b := h.engine.Balances(owner)[usdt]
	return b.Free, b.Reserved
}

func (h *harness) verify(t *testing.T) {
	t.Helper()
	if err := h.engine.VerifyLedger(); err != nil {
		t.Fatalf("ledger invariant: %v", err)
	}
	envs, err := h.engine.Outbox().Since(1)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if err := core.VerifyChain(core.GenesisHash(), envs); err != nil {
		t.Fatalf("hash chain: %v", err)
	}
}

func expectValue(t *testing.T, name string, got fpmath.Value, want string) {
	t.Helper()
	if !got.Equal(d(want)) {
		t.Errorf("%s: expected %s, got %s", name, want, got)
	}
}

// ============================================================================
// Test: Open / Modify / Close
// ============================================================================

func TestOpenPosition_ReservesCollateral(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "10000")

	p := h.open(t, owner, event.SideLong, "1", "200", "10")

	expectValue(t, "entry", p.EntryPrice, "2000")
	expectValue(t, "collateral", p.Collateral, "200")
	free, reserved := h.balance(owner)
	expectValue(t, "free", free, "9800")
	expectValue(t, "reserved", reserved, "200")

	ratio, err := h.engine.ComputeMarginRatio(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	// (10000 - 2000*0.005) / 10000
	expectValue(t, "ratio", ratio, "0.999")
	h.verify(t)
}

func TestOpenPosition_Rejections(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "300")

	tests := []struct {
		name string
		req  core.OpenRequest
		want error
	}{
		{"below initial margin", core.OpenRequest{Side: event.SideLong, Size: d("1"), Collateral: d("150"), Leverage: d("10")}, state.ErrInsufficientMargin},
		{"leverage above max", core.OpenRequest{Side: event.SideLong, Size: d("1"), Collateral: d("200"), Leverage: d("25")}, state.ErrInvalidLeverage},
		{"leverage below one", core.OpenRequest{Side: event.SideLong, Size: d("1"), Collateral: d("200"), Leverage: d("0.5")}, state.ErrInvalidLeverage},
		{"free collateral short", core.OpenRequest{Side: event.SideShort, Size: d("1"), Collateral: d("400"), Leverage: d("5")}, state.ErrInsufficientMargin},
		{"zero size", core.OpenRequest{Side: event.SideLong, Size: fpmath.Zero, Collateral: d("200"), Leverage: d("10")}, state.ErrInvalidSize},
		{"unknown market", core.OpenRequest{Market: 9, Side: event.SideLong, Size: d("1"), Collateral: d("200"), Leverage: d("10")}, market.ErrUnknownMarket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Owner = owner
			if tt.req.Market == 0 {
				tt.req.Market = ethM
			}
			_, err := h.engine.OpenPosition(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	free, reserved := h.balance(owner)
	expectValue(t, "free", free, "300")
	expectValue(t, "reserved", reserved, "0")
}

func TestModifyPosition_IncreaseReweightsEntry(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "10000")
	p := h.open(t, owner, event.SideLong, "1", "200", "10")

	h.oracle.set(eth, "2200")

	// 2 ETH marked at 2200 needs 440 at 10x
	_, err := h.engine.ModifyPosition(context.Background(), core.ModifyRequest{
		Owner: owner, PositionID: p.PositionID, SizeDelta: d("1"),
	})
	if !errors.Is(err, state.ErrInsufficientMargin) {
		t.Fatalf("expected ErrInsufficientMargin, got %v", err)
	}

	res, err := h.engine.ModifyPosition(context.Background(), core.ModifyRequest{
		Owner: owner, PositionID: p.PositionID, SizeDelta: d("1"), CollateralDelta: d("300"),
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	expectValue(t, "size", res.Position.Size, "2")
	expectValue(t, "entry", res.Position.EntryPrice, "2100")
	expectValue(t, "collateral", res.Position.Collateral, "500")
	if res.Position.Version <= p.Version {
		t.Errorf("expected version to advance past %d, got %d", p.Version, res.Position.Version)
	}
	h.verify(t)
}

func TestModifyPosition_ReduceReleasesProRata(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "10000")
	p := h.open(t, owner, event.SideLong, "1", "200", "10")

	h.oracle.set(eth, "2100")
	res, err := h.engine.ModifyPosition(context.Background(), core.ModifyRequest{
		Owner: owner, PositionID: p.PositionID, SizeDelta: d("-0.5"),
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	expectValue(t, "realized", res.RealizedPnL, "50")
	expectValue(t, "released", res.Released, "150")
	expectValue(t, "size", res.Position.Size, "0.5")
	expectValue(t, "collateral", res.Position.Collateral, "100")

	free, reserved := h.balance(owner)
	expectValue(t, "free", free, "9950")
	expectValue(t, "reserved", reserved, "100")

	// reducing the whole size must go through close
	_, err = h.engine.ModifyPosition(context.Background(), core.ModifyRequest{
		Owner: owner, PositionID: p.PositionID, SizeDelta: d("-0.5"),
	})
	if !errors.Is(err, state.ErrInvalidSize) {
		t.Errorf("expected ErrInvalidSize, got %v", err)
	}
	h.verify(t)
}

func TestModifyPosition_RemoveMarginKeepsInitialMargin(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "10000")
	p := h.open(t, owner, event.SideLong, "1", "300", "10")

	if _, err := h.engine.ModifyPosition(context.Background(), core.ModifyRequest{
		Owner: owner, PositionID: p.PositionID, CollateralDelta: d("-150"),
	}); !errors.Is(err, state.ErrInsufficientMargin) {
		t.Fatalf("expected ErrInsufficientMargin, got %v", err)
	}

	res, err := h.engine.ModifyPosition(context.Background(), core.ModifyRequest{
		Owner: owner, PositionID: p.PositionID, CollateralDelta: d("-100"),
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	expectValue(t, "collateral", res.Position.Collateral, "200")
	free, _ := h.balance(owner)
	expectValue(t, "free", free, "9800")
}

func TestClosePosition_RealizesLoss(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "10000")
	p := h.open(t, owner, event.SideLong, "1", "200", "10")

	h.oracle.set(eth, "1900")
	res, err := h.engine.ClosePosition(context.Background(), core.CloseRequest{Owner: owner, PositionID: p.PositionID})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	expectValue(t, "realized", res.RealizedPnL, "-100")
	expectValue(t, "released", res.Released, "100")
	if res.Position.LiquidationState != state.LiquidationStateClosed {
		t.Errorf("expected Closed, got %s", res.Position.LiquidationState)
	}

	free, reserved := h.balance(owner)
	expectValue(t, "free", free, "9900")
	expectValue(t, "reserved", reserved, "0")

	if _, err := h.engine.Position(owner, p.PositionID); !errors.Is(err, state.ErrPositionNotFound) {
		t.Errorf("expected closed position to be gone, got %v", err)
	}
	h.verify(t)
}

func TestClosePosition_OtherOwnerNotFound(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "1000")
	p := h.open(t, owner, event.SideLong, "1", "200", "10")

	_, err := h.engine.ClosePosition(context.Background(), core.CloseRequest{Owner: uuid.New(), PositionID: p.PositionID})
	if !errors.Is(err, state.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
	if core.Classify(err) != core.KindNotFound {
		t.Errorf("expected KindNotFound, got %s", core.Classify(err))
	}
}

// ============================================================================
// Test: Versions & idempotency
// ============================================================================

func TestExpectedVersion_StaleStateRejected(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "10000")
	p := h.open(t, owner, event.SideLong, "1", "200", "10")

	view, err := h.engine.Account(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	version := view.Snapshot.Version

	// a concurrent change moves the account forward
	h.deposit(t, owner, "1")

	_, err = h.engine.ModifyPosition(context.Background(), core.ModifyRequest{
		Owner: owner, PositionID: p.PositionID, CollateralDelta: d("10"), ExpectedVersion: ptr(version),
	})
	if !errors.Is(err, state.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	if !core.Retryable(err) {
		t.Error("stale state must be retryable")
	}

	view, _ = h.engine.Account(context.Background(), owner)
	if _, err := h.engine.ModifyPosition(context.Background(), core.ModifyRequest{
		Owner: owner, PositionID: p.PositionID, CollateralDelta: d("10"), ExpectedVersion: ptr(view.Snapshot.Version),
	}); err != nil {
		t.Errorf("modify at current version: %v", err)
	}
}

func TestIdempotency_ReplayReturnsOriginalResult(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "10000")

	req := core.OpenRequest{
		RequestID: "open-1", Owner: owner, Market: ethM, Side: event.SideLong,
		Size: d("1"), Collateral: d("200"), Leverage: d("10"),
	}
	first, err := h.engine.OpenPosition(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	seq := h.engine.Outbox().Sequence()

	second, err := h.engine.OpenPosition(context.Background(), req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Position.PositionID != first.Position.PositionID {
		t.Errorf("replay opened a new position %s", second.Position.PositionID)
	}
	if h.engine.Outbox().Sequence() != seq {
		t.Errorf("replay emitted envelopes: sequence %d → %d", seq, h.engine.Outbox().Sequence())
	}
	_, reserved := h.balance(owner)
	expectValue(t, "reserved", reserved, "200")
}

func TestIdempotency_FailedRequestMayBeRetried(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()

	req := core.OpenRequest{
		RequestID: "open-2", Owner: owner, Market: ethM, Side: event.SideLong,
		Size: d("1"), Collateral: d("200"), Leverage: d("10"),
	}
	if _, err := h.engine.OpenPosition(context.Background(), req); !errors.Is(err, state.ErrInsufficientMargin) {
		t.Fatalf("expected ErrInsufficientMargin, got %v", err)
	}

	h.deposit(t, owner, "1000")
	if _, err := h.engine.OpenPosition(context.Background(), req); err != nil {
		t.Fatalf("retry after deposit: %v", err)
	}
}

func TestIdempotency_SameRequestIDAcrossOwners(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	a, b := uuid.New(), uuid.New()
	ctx := context.Background()

	for _, owner := range []uuid.UUID{a, b} {
		res, err := h.engine.Deposit(ctx, core.DepositRequest{RequestID: "dep-1", Owner: owner, Asset: usdt, Amount: d("1000")})
		if err != nil {
			t.Fatalf("deposit for %s: %v", owner, err)
		}
		expectValue(t, "free after deposit", res.Balance.Free, "1000")
	}

	open := func(owner uuid.UUID) core.PositionResult {
		t.Helper()
		res, err := h.engine.OpenPosition(ctx, core.OpenRequest{
			RequestID: "open-1", Owner: owner, Market: ethM, Side: event.SideLong,
			Size: d("1"), Collateral: d("200"), Leverage: d("10"),
		})
		if err != nil {
			t.Fatalf("open for %s: %v", owner, err)
		}
		return res
	}
	pa, pb := open(a), open(b)
	if pa.Position.PositionID == pb.Position.PositionID {
		t.Fatal("second owner received the first owner's result")
	}
	if pa.Position.Owner != a || pb.Position.Owner != b {
		t.Errorf("positions opened for the wrong owners: %s, %s", pa.Position.Owner, pb.Position.Owner)
	}
	for _, owner := range []uuid.UUID{a, b} {
		_, reserved := h.balance(owner)
		expectValue(t, "reserved", reserved, "200")
	}

	// each owner still replays its own result
	if again := open(b); again.Position.PositionID != pb.Position.PositionID {
		t.Errorf("replay for b opened %s, want %s", again.Position.PositionID, pb.Position.PositionID)
	}
	h.verify(t)
}

func TestEngine_ConcurrentOperationsOnOneAccount(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner, liquidator := uuid.New(), uuid.New()
	h.deposit(t, owner, "10000")
	base := h.open(t, owner, event.SideLong, "1", "200", "10")
	ctx := context.Background()

	const (
		workers = 4
		rounds  = 25
	)
	var wg sync.WaitGroup
	errs := make(chan error, workers*rounds*4)
	for w := 0; w < workers; w++ {
		wg.Add(4)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				res, err := h.engine.OpenPosition(ctx, core.OpenRequest{
					Owner: owner, Market: ethM, Side: event.SideShort, Size: d("0.1"), Collateral: d("20"), Leverage: d("10"),
				})
				if err != nil {
					errs <- err
					continue
				}
				if _, err := h.engine.ClosePosition(ctx, core.CloseRequest{Owner: owner, PositionID: res.Position.PositionID}); err != nil {
					errs <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if _, err := h.engine.Deposit(ctx, core.DepositRequest{Owner: owner, Asset: usdt, Amount: d("10")}); err != nil {
					errs <- err
				}
				if _, err := h.engine.Withdraw(ctx, core.WithdrawRequest{Owner: owner, Asset: usdt, Amount: d("5")}); err != nil {
					errs <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if _, err := h.engine.ModifyPosition(ctx, core.ModifyRequest{
					Owner: owner, PositionID: base.PositionID, SizeDelta: fpmath.Zero, CollateralDelta: d("1"),
				}); err != nil {
					errs <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_, err := h.engine.Liquidate(ctx, core.LiquidateRequest{
					Liquidator: liquidator, Owner: owner, PositionID: base.PositionID,
				})
				if !errors.Is(err, state.ErrNotLiquidatable) {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	n := workers * rounds
	free, reserved := h.balance(owner)
	// 9800 free after the base open, +5 net per deposit/withdraw pair, -1 per top-up
	expectValue(t, "reserved", reserved, fpmath.FromInt(int64(200+n)).String())
	expectValue(t, "free", free, fpmath.FromInt(int64(9800+5*n-n)).String())

	pos, err := h.engine.Position(owner, base.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	expectValue(t, "base collateral", pos.Collateral, fpmath.FromInt(int64(200+n)).String())
	view, err := h.engine.Account(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Snapshot.Positions) != 1 {
		t.Errorf("expected only the base position left, got %d", len(view.Snapshot.Positions))
	}

	// one envelope per open, close, deposit, withdraw and top-up
	envs, err := h.engine.Outbox().Since(1)
	if err != nil {
		t.Fatal(err)
	}
	if want := 2 + 5*n; len(envs) != want {
		t.Errorf("expected %d envelopes, got %d", want, len(envs))
	}
	h.verify(t)
}

// ============================================================================
// Test: Collateral
// ============================================================================

func TestWithdraw_KeepsMarginPositive(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "1000")
	h.open(t, owner, event.SideLong, "10", "1000", "20")

	h.oracle.set(eth, "2050") // upnl +500
	if _, err := h.engine.Deposit(context.Background(), core.DepositRequest{Owner: owner, Asset: usdt, Amount: d("100")}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.engine.Withdraw(context.Background(), core.WithdrawRequest{Owner: owner, Asset: usdt, Amount: d("150")}); !errors.Is(err, state.ErrInsufficientMargin) {
		t.Errorf("expected ErrInsufficientMargin for more than free, got %v", err)
	}
	res, err := h.engine.Withdraw(context.Background(), core.WithdrawRequest{Owner: owner, Asset: usdt, Amount: d("100")})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	expectValue(t, "free", res.Balance.Free, "0")
	h.verify(t)
}

func TestDeposit_UnknownCollateralRejected(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	_, err := h.engine.Deposit(context.Background(), core.DepositRequest{Owner: uuid.New(), Asset: eth, Amount: d("1")})
	if !errors.Is(err, market.ErrUnknownCollateral) {
		t.Errorf("expected ErrUnknownCollateral, got %v", err)
	}
}

// ============================================================================
// Test: Funding
// ============================================================================

func TestFunding_SettleIsIdempotentAndAppliedLazily(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "10000")
	p := h.open(t, owner, event.SideLong, "1", "200", "10")

	h.clock.Advance(8 * time.Hour)
	h.oracle.set(eth, "2010")

	res, err := h.engine.SettleFunding(context.Background(), ethM, h.clock.Now())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(res.Recorded) != 1 {
		t.Fatalf("expected 1 epoch, got %d", len(res.Recorded))
	}
	expectValue(t, "rate", res.Recorded[0].Rate, "0.005")

	again, err := h.engine.SettleFunding(context.Background(), ethM, h.clock.Now())
	if err != nil || len(again.Recorded) != 0 {
		t.Fatalf("second settle should be a no-op, got %d epochs, err %v", len(again.Recorded), err)
	}

	// pending funding counts against value before it is applied
	value, err := h.engine.ComputeAccountValue(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	expectValue(t, "value", value, "9999.95")

	mod, err := h.engine.ModifyPosition(context.Background(), core.ModifyRequest{
		Owner: owner, PositionID: p.PositionID, CollateralDelta: d("50"),
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if mod.Funding == nil {
		t.Fatal("expected funding to be applied")
	}
	expectValue(t, "funding paid", mod.Funding.Amount, "10.05")
	expectValue(t, "collateral", mod.Position.Collateral, "239.95")
	if !mod.Position.LastFundingTime.Equal(t0.Add(8 * time.Hour)) {
		t.Errorf("expected last funding time %s, got %s", t0.Add(8*time.Hour), mod.Position.LastFundingTime)
	}

	// applied once only
	mod, err = h.engine.ModifyPosition(context.Background(), core.ModifyRequest{
		Owner: owner, PositionID: p.PositionID, CollateralDelta: d("1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if mod.Funding != nil {
		t.Errorf("funding applied twice: %s", mod.Funding.Amount)
	}
	h.verify(t)
}

func TestFunding_MissedEpochsBackfilled(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)

	if _, err := h.engine.SettleFunding(context.Background(), ethM, t0); err != nil {
		t.Fatal(err)
	}
	res, err := h.engine.SettleFunding(context.Background(), ethM, t0.Add(24*time.Hour+time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Recorded) != 3 || res.Missed != 2 {
		t.Fatalf("expected 3 epochs with 2 missed, got %d / %d", len(res.Recorded), res.Missed)
	}
	if got := len(h.engine.FundingEpochs(ethM)); got != 4 {
		t.Errorf("expected 4 epochs, got %d", got)
	}
}

func TestFunding_UnpaidSettledAtLiquidation(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner, liquidator := uuid.New(), uuid.New()
	h.deposit(t, owner, "200")
	p := h.open(t, owner, event.SideLong, "1", "200", "10")

	if _, err := h.engine.FundInsurance(context.Background(), core.InsuranceRequest{Asset: usdt, Amount: d("1000")}); err != nil {
		t.Fatal(err)
	}
	boundary := t0.Add(8 * time.Hour)
	err := h.engine.RestoreFunding(context.Background(), ethM, []state.FundingEpoch{{
		Market:     ethM,
		Index:      state.EpochIndex(boundary, 8*time.Hour),
		Boundary:   boundary,
		Rate:       d("0.2"),
		MarkPrice:  d("2000"),
		IndexPrice: d("2000"),
	}})
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(9 * time.Hour)

	// 400 owed against 200 of collateral: the owner cannot close
	_, err = h.engine.ClosePosition(context.Background(), core.CloseRequest{Owner: owner, PositionID: p.PositionID})
	if !errors.Is(err, state.ErrInsufficientMargin) {
		t.Fatalf("expected ErrInsufficientMargin, got %v", err)
	}

	res, err := h.engine.Liquidate(context.Background(), core.LiquidateRequest{
		Liquidator: liquidator, Owner: owner, PositionID: p.PositionID,
	})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	expectValue(t, "funding collected", res.Funding.Amount, "200")
	expectValue(t, "funding unpaid", res.Funding.Unpaid, "200")
	expectValue(t, "funding settled", res.Plan.FundingSettled, "200")
	expectValue(t, "bonus", res.Plan.Bonus, "10")
	expectValue(t, "insurance", res.Plan.Coverage.FromInsurance, "210")
	expectValue(t, "unpaid after", res.Position.UnpaidFunding, "0")
	expectValue(t, "insurance balance", h.engine.InsuranceBalance(usdt), "790")
	h.verify(t)
}

// ============================================================================
// Test: Liquidation
// ============================================================================

// levered opens a 10 ETH long at 20x with all of a 1000 deposit.
func levered(t *testing.T, h *harness) (uuid.UUID, state.Position) {
	t.Helper()
	owner := uuid.New()
	h.deposit(t, owner, "1000")
	return owner, h.open(t, owner, event.SideLong, "10", "1000", "20")
}

func TestLiquidate_HealthyAccountRejected(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner, p := levered(t, h)

	h.oracle.set(eth, "1910") // ratio 0.045
	_, err := h.engine.Liquidate(context.Background(), core.LiquidateRequest{
		Liquidator: uuid.New(), Owner: owner, PositionID: p.PositionID,
	})
	if !errors.Is(err, state.ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
}

func TestLiquidate_PartialWithInsuranceDraw(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner, p := levered(t, h)
	liquidator := uuid.New()
	if _, err := h.engine.FundInsurance(context.Background(), core.InsuranceRequest{Asset: usdt, Amount: d("1000")}); err != nil {
		t.Fatal(err)
	}

	h.oracle.set(eth, "1905")
	res, err := h.engine.Liquidate(context.Background(), core.LiquidateRequest{
		Liquidator: liquidator, Owner: owner, PositionID: p.PositionID,
	})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	expectValue(t, "closed", res.Plan.CloseSize, "5")
	expectValue(t, "realized", res.Plan.RealizedPnL, "-475")
	expectValue(t, "bonus", res.Plan.Bonus, "95.25")
	expectValue(t, "insurance", res.Plan.Coverage.FromInsurance, "70.25")
	if res.Plan.Full || res.Action != nil {
		t.Errorf("expected a partial liquidation without escalation")
	}
	expectValue(t, "remaining size", res.Position.Size, "5")
	expectValue(t, "remaining collateral", res.Position.Collateral, "500")
	if res.Position.LiquidationState != state.LiquidationStateLiquidatable {
		t.Errorf("expected position to stay Liquidatable, got %s", res.Position.LiquidationState)
	}

	lfree, _ := h.balance(liquidator)
	expectValue(t, "liquidator bonus", lfree, "95.25")

	envs, _ := h.engine.Outbox().Since(1)
	var executed *event.EventEnvelope
	for _, env := range envs {
		if env.EventType == event.EventTypeLiquidationExecuted {
			executed = env
		}
	}
	if executed == nil || executed.Requester != liquidator || executed.Owner != owner {
		t.Errorf("liquidation must be attributed to the liquidator, got %+v", executed)
	}
	expectValue(t, "insurance balance", h.engine.InsuranceBalance(usdt), "929.75")

	// 5 of 10 ETH liquidated within the window trips the market
	if !h.engine.Breaker().IsTripped(ethM) {
		t.Error("expected the liquidation cascade to trip the market")
	}
	h.verify(t)
}

func TestLiquidate_InsuranceExhaustedEscalatesToDeleveraging(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner, p := levered(t, h)

	winner := uuid.New()
	h.deposit(t, winner, "1000")
	short := h.open(t, winner, event.SideShort, "1", "200", "10")

	h.oracle.set(eth, "1905")
	req := core.LiquidateRequest{RequestID: "liq-1", Liquidator: uuid.New(), Owner: owner, PositionID: p.PositionID}
	res, err := h.engine.Liquidate(context.Background(), req)
	if !errors.Is(err, state.ErrInsuranceExhausted) {
		t.Fatalf("expected ErrInsuranceExhausted, got %v", err)
	}
	if res.Action == nil {
		t.Fatal("expected a deleverage action")
	}
	expectValue(t, "socialized", res.Plan.Coverage.Socialized, "70.25")
	expectValue(t, "deficit", res.Action.Deficit, "70.25")

	// the replay returns the committed result and the same error
	again, err := h.engine.Liquidate(context.Background(), req)
	if !errors.Is(err, state.ErrInsuranceExhausted) {
		t.Fatalf("replay: expected ErrInsuranceExhausted, got %v", err)
	}
	if again.LiquidationID != res.LiquidationID {
		t.Errorf("replay liquidated again")
	}

	adl, err := h.engine.ExecuteDeleveraging(context.Background(), core.DeleverageRequest{ActionID: res.Action.ActionID})
	if err != nil {
		t.Fatalf("deleverage: %v", err)
	}
	if adl.Action.State != state.ActionStateCompleted {
		t.Errorf("expected Completed, got %s", adl.Action.State)
	}
	if len(adl.Fills) != 1 || adl.Fills[0].PositionID != short.PositionID {
		t.Fatalf("expected the short to be reduced, got %+v", adl.Fills)
	}
	expectValue(t, "recovered", adl.Fills[0].Recovered, "70.25")
	expectValue(t, "closed", adl.Fills[0].ClosedSize, "0.739473684210526316")

	reduced, err := h.engine.Position(winner, short.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	expectValue(t, "short size", reduced.Size, "0.260526315789473684")
	if open := h.engine.DeleverageActions(ethM); len(open) != 0 {
		t.Errorf("expected no open actions, got %d", len(open))
	}
	h.verify(t)
}

func TestDeleveraging_ClosesCounterpartyFully(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner, p := levered(t, h)

	winner := uuid.New()
	h.deposit(t, winner, "1000")
	short := h.open(t, winner, event.SideShort, "0.5", "100", "10")

	h.oracle.set(eth, "1905")
	res, err := h.engine.Liquidate(context.Background(), core.LiquidateRequest{
		Liquidator: uuid.New(), Owner: owner, PositionID: p.PositionID,
	})
	if !errors.Is(err, state.ErrInsuranceExhausted) || res.Action == nil {
		t.Fatalf("expected an escalated deficit, got %v", err)
	}
	if _, err := h.engine.FundInsurance(context.Background(), core.InsuranceRequest{Asset: usdt, Amount: d("10")}); err != nil {
		t.Fatal(err)
	}

	adl, err := h.engine.ExecuteDeleveraging(context.Background(), core.DeleverageRequest{ActionID: res.Action.ActionID})
	if !errors.Is(err, state.ErrInsuranceExhausted) {
		t.Fatalf("expected ErrInsuranceExhausted, got %v", err)
	}
	if len(adl.Fills) != 1 || adl.Fills[0].PositionID != short.PositionID {
		t.Fatalf("expected the short to be reduced, got %+v", adl.Fills)
	}
	expectValue(t, "closed", adl.Fills[0].ClosedSize, "0.5")
	expectValue(t, "recovered", adl.Fills[0].Recovered, "47.5")
	expectValue(t, "remaining", adl.Action.Remaining, "12.75")

	if _, err := h.engine.Position(winner, short.PositionID); !errors.Is(err, state.ErrPositionNotFound) {
		t.Errorf("fully deleveraged position must leave the book, got %v", err)
	}
	var closed bool
	envs, _ := h.engine.Outbox().Since(1)
	for _, env := range envs {
		if pc, ok := env.Payload.(*event.PositionClosed); ok && pc.PositionID == short.PositionID {
			closed = true
			if env.Requester != uuid.Nil {
				t.Errorf("deleveraging is an operator request, got requester %s", env.Requester)
			}
		}
	}
	if !closed {
		t.Error("expected a PositionClosed envelope for the counterparty")
	}
	h.verify(t)
}

func TestDeleveraging_NoCounterpartyEscalates(t *testing.T) {
	h := newHarness(t, state.DeficitADLFirst)
	owner, p := levered(t, h)

	h.oracle.set(eth, "1905")
	res, err := h.engine.Liquidate(context.Background(), core.LiquidateRequest{
		Liquidator: uuid.New(), Owner: owner, PositionID: p.PositionID,
	})
	if err != nil {
		t.Fatalf("adl-first liquidation must not fail: %v", err)
	}
	if res.Action == nil {
		t.Fatal("expected a deleverage action")
	}

	if _, err := h.engine.FundInsurance(context.Background(), core.InsuranceRequest{Asset: usdt, Amount: d("50")}); err != nil {
		t.Fatal(err)
	}
	adl, err := h.engine.ExecuteDeleveraging(context.Background(), core.DeleverageRequest{ActionID: res.Action.ActionID})
	if !errors.Is(err, state.ErrInsuranceExhausted) {
		t.Fatalf("expected ErrInsuranceExhausted, got %v", err)
	}
	if adl.Action.State != state.ActionStateEscalated {
		t.Errorf("expected Escalated, got %s", adl.Action.State)
	}
	expectValue(t, "insurance draw", adl.InsuranceDraw, "50")
	expectValue(t, "remaining", adl.Action.Remaining, "20.25")
	expectValue(t, "insurance balance", h.engine.InsuranceBalance(usdt), "0")
	h.verify(t)
}

func TestLiquidationCandidates(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner, _ := levered(t, h)
	healthy := uuid.New()
	h.deposit(t, healthy, "10000")
	h.open(t, healthy, event.SideLong, "1", "200", "10")

	h.oracle.set(eth, "1905")
	views, err := h.engine.LiquidationCandidates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].Snapshot.Owner != owner {
		t.Fatalf("expected only %s, got %d candidates", owner, len(views))
	}
}

// ============================================================================
// Test: Circuit breaker
// ============================================================================

func TestCircuit_TrippedMarketBlocksOpensButNotCloses(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "10000")
	p := h.open(t, owner, event.SideLong, "1", "200", "10")

	if _, err := h.engine.TripCircuit(context.Background(), ethM, "ops", "exchange outage"); err != nil {
		t.Fatal(err)
	}
	h.oracle.setRange(eth, "2000", "1990", "2010")

	_, err := h.engine.OpenPosition(context.Background(), core.OpenRequest{
		Owner: owner, Market: ethM, Side: event.SideShort, Size: d("1"), Collateral: d("200"), Leverage: d("10"),
	})
	if !errors.Is(err, circuit.ErrCircuitTripped) {
		t.Fatalf("expected ErrCircuitTripped, got %v", err)
	}

	res, err := h.engine.ClosePosition(context.Background(), core.CloseRequest{Owner: owner, PositionID: p.PositionID})
	if err != nil {
		t.Fatalf("close while tripped: %v", err)
	}
	expectValue(t, "close price", res.Price, "1990")
	expectValue(t, "realized", res.RealizedPnL, "-10")

	if _, err := h.engine.ResetCircuit(context.Background(), ethM, fpmath.Zero, ""); !errors.Is(err, circuit.ErrResetNoOperator) {
		t.Errorf("expected ErrResetNoOperator, got %v", err)
	}
	st, err := h.engine.ResetCircuit(context.Background(), ethM, fpmath.Zero, "ops")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	expectValue(t, "reference", st.ReferencePrice, "2000")
	h.open(t, owner, event.SideShort, "1", "200", "10")

	var tripped, reset bool
	envs, _ := h.engine.Outbox().Since(1)
	for _, env := range envs {
		switch env.EventType {
		case event.EventTypeCircuitTripped:
			tripped = true
		case event.EventTypeCircuitReset:
			reset = true
		}
	}
	if !tripped || !reset {
		t.Errorf("expected trip and reset envelopes, got tripped=%v reset=%v", tripped, reset)
	}
}

func TestCircuit_PriceJumpTripsBeforeOpen(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "10000")
	h.open(t, owner, event.SideLong, "1", "200", "10") // sets the reference

	h.oracle.set(eth, "2500")
	_, err := h.engine.OpenPosition(context.Background(), core.OpenRequest{
		Owner: owner, Market: ethM, Side: event.SideLong, Size: d("1"), Collateral: d("300"), Leverage: d("10"),
	})
	if !errors.Is(err, circuit.ErrCircuitTripped) {
		t.Fatalf("expected ErrCircuitTripped, got %v", err)
	}
	if core.Classify(err) != core.KindCircuitTripped {
		t.Errorf("expected KindCircuitTripped, got %s", core.Classify(err))
	}
	if st := h.engine.Breaker().State(ethM); st.Reason != circuit.ReasonPriceDeviation {
		t.Errorf("expected price deviation, got %q", st.Reason)
	}
}

func TestCircuit_ReadsDoNotMoveReference(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)
	owner := uuid.New()
	h.deposit(t, owner, "10000")
	p := h.open(t, owner, event.SideLong, "1", "200", "10") // sets the reference
	ctx := context.Background()

	// 17.5% above the reference; repeated queries must not walk it there
	h.oracle.set(eth, "2350")
	for i := 0; i < 50; i++ {
		if _, err := h.engine.Account(ctx, owner); err != nil {
			t.Fatal(err)
		}
		if _, err := h.engine.ComputeMarginRatio(ctx, owner); err != nil {
			t.Fatal(err)
		}
		if _, err := h.engine.LiquidationPrice(ctx, owner, p.PositionID); err != nil {
			t.Fatal(err)
		}
		if _, err := h.engine.LiquidationCandidates(ctx); err != nil {
			t.Fatal(err)
		}
	}
	st := h.engine.Breaker().State(ethM)
	if st.Tripped {
		t.Fatalf("reads must not trip the market, got %+v", st)
	}
	expectValue(t, "reference", st.ReferencePrice, "2000")

	_, err := h.engine.OpenPosition(ctx, core.OpenRequest{
		Owner: owner, Market: ethM, Side: event.SideLong, Size: d("1"), Collateral: d("300"), Leverage: d("10"),
	})
	if !errors.Is(err, circuit.ErrCircuitTripped) {
		t.Fatalf("expected the first mutating operation to trip, got %v", err)
	}
}

func TestCircuit_DivergenceTripsMarketsUsingAsset(t *testing.T) {
	h := newHarness(t, state.DeficitInsuranceFirst)

	h.engine.DivergenceReporter().ReportDivergence(oracle.Divergence{
		Asset:     spot,
		Primary:   oracle.Quote{Source: 1, Asset: spot, Price: d("2000")},
		Secondary: oracle.Quote{Source: 2, Asset: spot, Price: d("2300")},
		Bps:       1500,
	})
	if st := h.engine.Breaker().State(ethM); !st.Tripped || st.Reason != circuit.ReasonOracleDivergence {
		t.Errorf("expected divergence trip on ETH-PERP, got %+v", st)
	}
}

// ============================================================================
// Test: Oracle wiring
// ============================================================================

func TestEngine_WithAggregatorAndFeed(t *testing.T) {
	clock := &fakeClock{now: t0}
	reg := market.NewRegistry()
	feed := oracle.NewFeedSource(1)
	agg := oracle.NewAggregator(oracle.Options{Clock: clock.Now}, reg, zerolog.Nop(), nil)
	agg.RegisterSource(1, feed)
	if err := agg.SetPolicy(oracle.DefaultPolicy(eth, 1)); err != nil {
		t.Fatal(err)
	}
	feed.Update(oracle.Quote{Source: 1, Asset: eth, Price: d("2000"), ConfidenceBps: 5, ObservedAt: t0, Sequence: 1})

	src := market.NewStaticSource()
	if err := src.PutMarket(market.DefaultConfig(ethM, "ETH-PERP", eth, usdt)); err != nil {
		t.Fatal(err)
	}
	if err := src.PutCollateral(market.Collateral{Asset: usdt, Haircut: fpmath.Zero, Native: true}); err != nil {
		t.Fatal(err)
	}
	cfg := core.DefaultConfig()
	cfg.Clock = clock.Now
	e, err := core.New(cfg, core.Deps{Markets: src, Oracle: agg, Registry: reg, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}

	owner := uuid.New()
	if _, err := e.Deposit(context.Background(), core.DepositRequest{Owner: owner, Asset: usdt, Amount: d("1000")}); err != nil {
		t.Fatal(err)
	}
	res, err := e.OpenPosition(context.Background(), core.OpenRequest{
		Owner: owner, Market: ethM, Side: event.SideLong, Size: d("1"), Collateral: d("200"), Leverage: d("10"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	expectValue(t, "entry", res.Price, "2000")

	// the quote ages out and the price is no longer usable
	clock.Advance(2 * time.Minute)
	_, err = e.ComputeMarginRatio(context.Background(), owner)
	if !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for a stale feed, got %v", err)
	}
	if core.Retryable(err) {
		t.Error("an invalid price is not retryable as is")
	}
}
