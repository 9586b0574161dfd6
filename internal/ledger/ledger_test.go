package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/ledger"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

func newRegistry(t *testing.T) (*market.Registry, market.AssetID, market.MarketID) {
	t.Helper()
	reg := market.NewRegistry()
	usdt, err := reg.Asset("USDT")
	if err != nil {
		t.Fatal(err)
	}
	eth, err := reg.Market("ETH-PERP")
	if err != nil {
		t.Fatal(err)
	}
	return reg, usdt, eth
}

func fixedClock() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

func deposit(t *testing.T, bt *ledger.BalanceTracker, owner uuid.UUID, asset market.AssetID, amount int64) {
	t.Helper()
	gen := ledger.NewJournalGenerator(fixedClock)
	batch, err := gen.GenerateDeposit("", owner, asset, fpmath.FromInt(amount))
	if err != nil {
		t.Fatal(err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatal(err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	reg, usdt, _ := newRegistry(t)
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeCollateral, usdt)

	path := key.AccountPath(reg)
	expected := "user:550e8400-e29b-41d4-a716-446655440000:collateral:USDT"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
	if key.Owner() != userID {
		t.Errorf("owner: got %s", key.Owner())
	}
}

func TestAccountKey_SystemPaths(t *testing.T) {
	reg, usdt, eth := newRegistry(t)

	tests := []struct {
		key  ledger.AccountKey
		want string
	}{
		{ledger.NewSystemAccountKey(ledger.SubTypeSystemInsuranceFund, usdt), "system:insurance_fund:USDT"},
		{ledger.NewMarketAccountKey(eth, ledger.SubTypeSystemFundingPool, usdt), "system:funding_pool:ETH-PERP:USDT"},
		{ledger.NewMarketAccountKey(eth, ledger.SubTypeSystemClearing, usdt), "system:clearing:ETH-PERP:USDT"},
		{ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdt), "external:deposits:USDT"},
	}
	for _, tt := range tests {
		if got := tt.key.AccountPath(reg); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}

func TestAccountKey_MarketRoundTrip(t *testing.T) {
	key := ledger.NewMarketAccountKey(513, ledger.SubTypeSystemFundingPool, 1)
	if key.Market() != 513 {
		t.Errorf("market: got %d, want 513", key.Market())
	}
	if key.Owner() != uuid.Nil {
		t.Error("system keys have no owner")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if !bt.GetUserTotalBalance(uuid.New(), 1).IsZero() {
		t.Error("initial balance should be 0")
	}
}

func TestBalanceTracker_DepositAndReserve(t *testing.T) {
	_, usdt, eth := newRegistry(t)
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()
	deposit(t, bt, owner, usdt, 1000)

	batch, err := ledger.NewJournalGenerator(fixedClock).NewBatch("open_position", "req-1").
		Reserve(owner, usdt, fpmath.FromInt(300), eth, uuid.New()).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatal(err)
	}

	if got := bt.GetUserFreeBalance(owner, usdt); !got.Equal(fpmath.FromInt(700)) {
		t.Errorf("free: got %s, want 700", got)
	}
	if got := bt.GetUserReservedBalance(owner, usdt); !got.Equal(fpmath.FromInt(300)) {
		t.Errorf("reserved: got %s, want 300", got)
	}
	if got := bt.GetUserTotalBalance(owner, usdt); !got.Equal(fpmath.FromInt(1000)) {
		t.Errorf("total: got %s, want 1000", got)
	}

	rows := bt.GetUserBalances(owner)
	if len(rows) != 1 || !rows[usdt].Reserved.Equal(fpmath.FromInt(300)) {
		t.Errorf("unexpected balances: %+v", rows)
	}
}

func TestBalanceTracker_BatchIsAtomic(t *testing.T) {
	_, usdt, eth := newRegistry(t)
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()
	deposit(t, bt, owner, usdt, 100)

	// first journal fits, second overdraws; neither may apply
	batch, err := ledger.NewJournalGenerator(fixedClock).NewBatch("open_position", "").
		Reserve(owner, usdt, fpmath.FromInt(60), eth, uuid.New()).
		Reserve(owner, usdt, fpmath.FromInt(60), eth, uuid.New()).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	if err := bt.CheckBatch(batch); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("CheckBatch: expected ErrInsufficientBalance, got %v", err)
	}
	if err := bt.ApplyBatch(batch); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := bt.GetUserFreeBalance(owner, usdt); !got.Equal(fpmath.FromInt(100)) {
		t.Errorf("free balance changed by rejected batch: %s", got)
	}
}

func TestBalanceTracker_UnguardedSystemAccountsMayGoNegative(t *testing.T) {
	_, usdt, eth := newRegistry(t)
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()
	deposit(t, bt, owner, usdt, 100)

	pos := uuid.New()
	batch, err := ledger.NewJournalGenerator(fixedClock).NewBatch("settle_funding", "").
		Reserve(owner, usdt, fpmath.FromInt(50), eth, pos).
		Funding(owner, usdt, fpmath.FromInt(5), eth, pos).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("receipt ahead of payers must be allowed: %v", err)
	}
	pool := bt.GetBalance(ledger.NewMarketAccountKey(eth, ledger.SubTypeSystemFundingPool, usdt))
	if !pool.Equal(fpmath.FromInt(-5)) {
		t.Errorf("pool: got %s, want -5", pool)
	}
}

func TestBalanceTracker_InsuranceIsGuarded(t *testing.T) {
	_, usdt, eth := newRegistry(t)
	bt := ledger.NewBalanceTracker()
	target := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeReserved, usdt)

	batch, err := ledger.NewJournalGenerator(fixedClock).NewBatch("liquidate", "").
		InsuranceDraw(target, fpmath.FromInt(1), eth, uuid.Nil).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := bt.ApplyBatch(batch); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

// ============================================================================
// Test: BatchBuilder
// ============================================================================

func TestBatchBuilder_SkipsZeroAndReversesNegative(t *testing.T) {
	_, usdt, eth := newRegistry(t)
	owner := uuid.New()
	pos := uuid.New()

	batch, err := ledger.NewJournalGenerator(fixedClock).NewBatch("close_position", "").
		RealizePnL(owner, usdt, fpmath.Zero, eth, pos).
		RealizePnL(owner, usdt, fpmath.FromInt(-25), eth, pos).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(batch.Journals))
	}
	j := batch.Journals[0]
	if !j.Amount.Equal(fpmath.FromInt(25)) {
		t.Errorf("amount: got %s, want 25", j.Amount)
	}
	if j.CreditAccount != ledger.NewUserAccountKey(owner, ledger.SubTypeReserved, usdt) {
		t.Error("a loss must credit the position collateral")
	}
	if j.DebitAccount.SubType != ledger.SubTypeSystemClearing {
		t.Errorf("a loss must debit clearing, got %s", j.DebitAccount.SubType)
	}
}

func TestBatchBuilder_EmptyBatchRejected(t *testing.T) {
	_, err := ledger.NewJournalGenerator(fixedClock).NewBatch("noop", "").Build()
	if err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchBuilder_MixedAssetsRejected(t *testing.T) {
	_, err := ledger.NewJournalGenerator(fixedClock).NewBatch("bad", "").
		Transfer(ledger.JournalTypeDeposit,
			ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeCollateral, 1),
			ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 2),
			fpmath.One, 0, uuid.Nil).
		Build()
	if err == nil {
		t.Error("mixed asset transfer should fail")
	}
}

func TestGenerateWithdrawal_RejectsNonPositive(t *testing.T) {
	if _, err := ledger.NewJournalGenerator(fixedClock).GenerateWithdrawal("", uuid.New(), 1, fpmath.Zero); err == nil {
		t.Error("zero withdrawal should fail")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_ZeroSumAndReserved(t *testing.T) {
	reg, usdt, eth := newRegistry(t)
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()
	deposit(t, bt, owner, usdt, 500)

	pos := uuid.New()
	batch, err := ledger.NewJournalGenerator(fixedClock).NewBatch("open_position", "").
		Reserve(owner, usdt, fpmath.FromInt(200), eth, pos).
		RealizePnL(owner, usdt, fpmath.FromInt(-30), eth, pos).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatal(err)
	}

	v := ledger.NewInvariantValidator(bt, reg)
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Error(err)
	}
	if err := v.ValidateNonNegative(); err != nil {
		t.Error(err)
	}
	if err := v.ValidateReserved(owner, usdt, fpmath.FromInt(170)); err != nil {
		t.Error(err)
	}
	if err := v.ValidateReserved(owner, usdt, fpmath.FromInt(200)); err == nil {
		t.Error("mismatched reserved balance should fail")
	}
}
