package circuit_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"PerpRisk/internal/circuit"
	fpmath "PerpRisk/internal/math"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(t *testing.T, mutate func(*circuit.Config)) (*circuit.Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	cfg := circuit.DefaultConfig()
	cfg.Clock = clock.Now
	if mutate != nil {
		mutate(&cfg)
	}
	return circuit.New(cfg, nil, zerolog.Nop(), nil), clock
}

// ============================================================================
// Test: Price deviation
// ============================================================================

func TestBreaker_PriceDeviationTrips(t *testing.T) {
	b, _ := newBreaker(t, nil)

	b.ObservePrice(1, fpmath.FromInt(3000))
	st := b.ObservePrice(1, fpmath.FromInt(3100))
	if st.Tripped {
		t.Fatal("3.3% move should not trip a 15% breaker")
	}

	st = b.ObservePrice(1, fpmath.FromInt(2400))
	if !st.Tripped || st.Reason != circuit.ReasonPriceDeviation {
		t.Fatalf("expected price deviation trip, got %+v", st)
	}
	if err := b.Check(1); !errors.Is(err, circuit.ErrCircuitTripped) {
		t.Errorf("Check: expected ErrCircuitTripped, got %v", err)
	}
	if err := b.Check(2); err != nil {
		t.Errorf("other markets must stay open, got %v", err)
	}
}

func TestBreaker_ExtremeMoveTripsWithoutMovingReference(t *testing.T) {
	b, _ := newBreaker(t, nil)
	b.ObservePrice(1, fpmath.FromInt(1))

	// 1e15x the reference is beyond int64 basis points
	st := b.ObservePrice(1, fpmath.FromInt(1_000_000_000_000_000))
	if !st.Tripped || st.Reason != circuit.ReasonPriceDeviation {
		t.Fatalf("expected price deviation trip, got %+v", st)
	}
	if !st.ReferencePrice.Equal(fpmath.FromInt(1)) {
		t.Errorf("reference must stay at 1, got %s", st.ReferencePrice)
	}
}

func TestBreaker_ReferenceFollowsEMA(t *testing.T) {
	b, _ := newBreaker(t, nil)
	b.ObservePrice(1, fpmath.FromInt(3000))
	st := b.ObservePrice(1, fpmath.FromInt(3100))

	// 10% weight: 3000 + 0.1 * 100
	if !st.ReferencePrice.Equal(fpmath.FromInt(3010)) {
		t.Errorf("reference: got %s, want 3010", st.ReferencePrice)
	}
}

func TestBreaker_ReferenceFrozenWhileTripped(t *testing.T) {
	b, _ := newBreaker(t, nil)
	b.ObservePrice(1, fpmath.FromInt(3000))
	b.Trip(1, circuit.ReasonManual, "maintenance")

	st := b.ObservePrice(1, fpmath.FromInt(3100))
	if !st.ReferencePrice.Equal(fpmath.FromInt(3000)) {
		t.Errorf("reference moved while tripped: %s", st.ReferencePrice)
	}
}

// ============================================================================
// Test: Reset
// ============================================================================

func TestBreaker_ResetRequiresOperatorAndReference(t *testing.T) {
	b, _ := newBreaker(t, nil)
	b.Trip(1, circuit.ReasonManual, "test")

	if _, err := b.Reset(1, fpmath.FromInt(3000), ""); !errors.Is(err, circuit.ErrResetNoOperator) {
		t.Errorf("expected ErrResetNoOperator, got %v", err)
	}
	if _, err := b.Reset(1, fpmath.Zero, "ops"); !errors.Is(err, circuit.ErrInvalidReference) {
		t.Errorf("expected ErrInvalidReference, got %v", err)
	}
	if !b.IsTripped(1) {
		t.Fatal("failed resets must leave the circuit tripped")
	}

	st, err := b.Reset(1, fpmath.FromInt(2500), "ops")
	if err != nil {
		t.Fatal(err)
	}
	if st.Tripped || st.ResetBy != "ops" || !st.ReferencePrice.Equal(fpmath.FromInt(2500)) {
		t.Errorf("unexpected state after reset: %+v", st)
	}
	if err := b.Check(1); err != nil {
		t.Errorf("market should be open after reset: %v", err)
	}
}

func TestBreaker_ResetNotTripped(t *testing.T) {
	b, _ := newBreaker(t, nil)
	if _, err := b.Reset(1, fpmath.FromInt(3000), "ops"); !errors.Is(err, circuit.ErrNotTripped) {
		t.Errorf("expected ErrNotTripped, got %v", err)
	}
}

func TestBreaker_NeverResetsItself(t *testing.T) {
	b, clock := newBreaker(t, nil)
	b.ObservePrice(1, fpmath.FromInt(3000))
	b.ObservePrice(1, fpmath.FromInt(1000))

	clock.Advance(24 * time.Hour)
	b.ObservePrice(1, fpmath.FromInt(3000))
	if !b.IsTripped(1) {
		t.Error("circuit reset without an operator")
	}
}

func TestBreaker_TripKeepsFirstReasonAndCallsBack(t *testing.T) {
	b, _ := newBreaker(t, nil)
	var calls []circuit.State
	b.OnTrip(func(s circuit.State) { calls = append(calls, s) })

	b.Trip(1, circuit.ReasonOracleDivergence, "first")
	st := b.Trip(1, circuit.ReasonManual, "second")

	if st.Reason != circuit.ReasonOracleDivergence {
		t.Errorf("reason overwritten: %s", st.Reason)
	}
	if len(calls) != 1 {
		t.Errorf("expected one trip callback, got %d", len(calls))
	}
}

// ============================================================================
// Test: Volume and liquidation monitors
// ============================================================================

func TestBreaker_VolumeSpike(t *testing.T) {
	b, clock := newBreaker(t, func(c *circuit.Config) {
		c.VolumeBaselineBuckets = 3
		c.VolumeSpikeMultiple = fpmath.FromInt(5)
	})

	// three quiet buckets of 100
	for i := 0; i < 3; i++ {
		b.ObserveVolume(1, fpmath.FromInt(100))
		clock.Advance(time.Minute)
	}

	st := b.ObserveVolume(1, fpmath.FromInt(400))
	if st.Tripped {
		t.Fatal("400 < 5 x 100 should not trip")
	}
	if !st.ReferenceVolume.Equal(fpmath.FromInt(100)) {
		t.Errorf("baseline: got %s, want 100", st.ReferenceVolume)
	}

	st = b.ObserveVolume(1, fpmath.FromInt(200))
	if !st.Tripped || st.Reason != circuit.ReasonVolumeSpike {
		t.Errorf("expected volume spike trip, got %+v", st)
	}
}

func TestBreaker_VolumeNeedsFullBaseline(t *testing.T) {
	b, _ := newBreaker(t, func(c *circuit.Config) { c.VolumeBaselineBuckets = 3 })
	st := b.ObserveVolume(1, fpmath.FromInt(1_000_000))
	if st.Tripped {
		t.Error("must not trip before a baseline exists")
	}
}

func TestBreaker_LiquidationCascade(t *testing.T) {
	b, clock := newBreaker(t, nil)
	oi := fpmath.FromInt(1_000_000)

	// 10% of open interest within 5 minutes trips
	for i := 0; i < 9; i++ {
		if st := b.ObserveLiquidation(1, fpmath.FromInt(10_000), oi); st.Tripped {
			t.Fatalf("tripped early at %d", i)
		}
		clock.Advance(10 * time.Second)
	}
	st := b.ObserveLiquidation(1, fpmath.FromInt(20_001), oi)
	if !st.Tripped || st.Reason != circuit.ReasonLiquidationCascade {
		t.Errorf("expected cascade trip, got %+v", st)
	}
}

func TestBreaker_LiquidationWindowExpires(t *testing.T) {
	b, clock := newBreaker(t, nil)
	oi := fpmath.FromInt(1_000_000)

	b.ObserveLiquidation(1, fpmath.FromInt(90_000), oi)
	clock.Advance(6 * time.Minute)
	st := b.ObserveLiquidation(1, fpmath.FromInt(90_000), oi)
	if st.Tripped {
		t.Error("liquidations outside the window must not count")
	}
}
