package math_test

import (
	"errors"
	"testing"

	fpmath "PerpRisk/internal/math"
)

// ============================================================================
// Test: Margin formulas
// ============================================================================

func TestLiquidationPrice_Scenario(t *testing.T) {
	// 10x long at 3000 with 0.5% maintenance: 3000 * (1 - (0.1 - 0.005)) = 2715
	got, err := fpmath.LiquidationPrice(
		fpmath.SignLong,
		fpmath.FromInt(3000),
		fpmath.FromInt(10),
		fpmath.MustParse("0.005"),
	)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fpmath.FromInt(2715)) {
		t.Errorf("long liquidation price: got %s, want 2715", got)
	}

	got, err = fpmath.LiquidationPrice(
		fpmath.SignShort,
		fpmath.FromInt(3000),
		fpmath.FromInt(10),
		fpmath.MustParse("0.005"),
	)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fpmath.FromInt(3285)) {
		t.Errorf("short liquidation price: got %s, want 3285", got)
	}
}

func TestLiquidationPrice_ZeroLeverage(t *testing.T) {
	_, err := fpmath.LiquidationPrice(fpmath.SignLong, fpmath.FromInt(3000), fpmath.Zero, fpmath.Zero)
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestUnrealizedPnL(t *testing.T) {
	tests := []struct {
		name  string
		sign  fpmath.SideSign
		entry string
		mark  string
		size  string
		want  string
	}{
		{"long_profit", fpmath.SignLong, "3000", "3100", "2", "200"},
		{"long_loss", fpmath.SignLong, "3000", "2900", "2", "-200"},
		{"short_profit", fpmath.SignShort, "3000", "2900", "2", "200"},
		{"short_loss", fpmath.SignShort, "3000", "3100", "2", "-200"},
		{"flat_mark", fpmath.SignLong, "3000", "3000", "5", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.UnrealizedPnL(tt.sign,
				fpmath.MustParse(tt.entry), fpmath.MustParse(tt.mark), fpmath.MustParse(tt.size))
			if err != nil {
				t.Fatal(err)
			}
			if got.String() != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAvgEntryPrice(t *testing.T) {
	got, err := fpmath.AvgEntryPrice(
		fpmath.FromInt(1), fpmath.FromInt(3000),
		fpmath.FromInt(1), fpmath.FromInt(3100),
	)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fpmath.FromInt(3050)) {
		t.Errorf("got %s, want 3050", got)
	}

	got, _ = fpmath.AvgEntryPrice(fpmath.Zero, fpmath.Zero, fpmath.FromInt(2), fpmath.FromInt(10))
	if !got.Equal(fpmath.FromInt(10)) {
		t.Errorf("first fill: got %s, want 10", got)
	}
}

func TestInitialMargin_TakesStricterRequirement(t *testing.T) {
	notional := fpmath.FromInt(30_000)

	// 10x leverage needs 3000, a 5% IMR needs 1500
	im, err := fpmath.InitialMargin(notional, fpmath.FromInt(10), fpmath.MustParse("0.05"))
	if err != nil {
		t.Fatal(err)
	}
	if !im.Equal(fpmath.FromInt(3000)) {
		t.Errorf("got %s, want 3000", im)
	}

	// 50x leverage needs 600, a 5% IMR needs 1500
	im, _ = fpmath.InitialMargin(notional, fpmath.FromInt(50), fpmath.MustParse("0.05"))
	if !im.Equal(fpmath.FromInt(1500)) {
		t.Errorf("got %s, want 1500", im)
	}
}

func TestInitialMargin_RoundsUp(t *testing.T) {
	im, err := fpmath.InitialMargin(fpmath.FromInt(10), fpmath.FromInt(3), fpmath.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if im.String() != "3.333333333333333334" {
		t.Errorf("got %s", im)
	}
}

// ============================================================================
// Test: Funding formulas
// ============================================================================

func TestFundingRate_Clamped(t *testing.T) {
	rateCap := fpmath.MustParse("0.0075")

	rate, err := fpmath.FundingRate(fpmath.FromInt(3003), fpmath.FromInt(3000), rateCap)
	if err != nil {
		t.Fatal(err)
	}
	if rate.String() != "0.001" {
		t.Errorf("rate: got %s, want 0.001", rate)
	}

	rate, _ = fpmath.FundingRate(fpmath.FromInt(3300), fpmath.FromInt(3000), rateCap)
	if !rate.Equal(rateCap) {
		t.Errorf("upper clamp: got %s", rate)
	}

	rate, _ = fpmath.FundingRate(fpmath.FromInt(2700), fpmath.FromInt(3000), rateCap)
	if !rate.Equal(rateCap.Neg()) {
		t.Errorf("lower clamp: got %s", rate)
	}
}

func TestFundingRate_ZeroIndex(t *testing.T) {
	if _, err := fpmath.FundingRate(fpmath.One, fpmath.Zero, fpmath.One); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestFundingPayment_Direction(t *testing.T) {
	rate := fpmath.MustParse("0.001")
	size := fpmath.FromInt(2)
	mark := fpmath.FromInt(3000)

	long, err := fpmath.FundingPayment(rate, size, mark, fpmath.SignLong)
	if err != nil {
		t.Fatal(err)
	}
	if !long.Equal(fpmath.FromInt(6)) {
		t.Errorf("long pays: got %s, want 6", long)
	}

	short, _ := fpmath.FundingPayment(rate, size, mark, fpmath.SignShort)
	if !short.Equal(fpmath.FromInt(-6)) {
		t.Errorf("short receives: got %s, want -6", short)
	}
}

func TestFundingPayment_RoundsAgainstHolder(t *testing.T) {
	rate := fpmath.MustParse("0.000000000000000001")
	size := fpmath.MustParse("0.3")
	mark := fpmath.One

	// exact payment is 0.3 raw units
	pay, _ := fpmath.FundingPayment(rate, size, mark, fpmath.SignLong)
	if pay.Raw().Int64() != 1 {
		t.Errorf("payer should round up to 1 unit, got %s", pay.Raw())
	}
	recv, _ := fpmath.FundingPayment(rate, size, mark, fpmath.SignShort)
	if !recv.IsZero() {
		t.Errorf("receiver should round down to 0, got %s", recv.Raw())
	}
}
