package circuit

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/observability"
)

var (
	ErrCircuitTripped   = errors.New("circuit tripped")
	ErrNotTripped       = errors.New("circuit not tripped")
	ErrResetNoOperator  = errors.New("circuit reset requires an operator")
	ErrInvalidReference = errors.New("reset requires a positive reference price")
)

// Reason records why a market was halted.
type Reason string

const (
	ReasonPriceDeviation     Reason = "price_deviation"
	ReasonVolumeSpike        Reason = "volume_spike"
	ReasonLiquidationCascade Reason = "liquidation_cascade"
	ReasonOracleDivergence   Reason = "oracle_divergence"
	ReasonManual             Reason = "manual"
)

type Config struct {
	// Trip when a price deviates from the reference by more than this.
	MaxPriceDeviationBps int64
	// EMA weight given to each accepted price when moving the reference.
	ReferenceWeightBps int64

	VolumeBucket          time.Duration
	VolumeBaselineBuckets int
	// Trip when the current bucket exceeds baseline * VolumeSpikeMultiple.
	VolumeSpikeMultiple fpmath.Value

	LiquidationWindow time.Duration
	// Trip when notional liquidated in the window exceeds this share of
	// open interest.
	MaxLiquidationOIBps int64

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxPriceDeviationBps:  1_500,
		ReferenceWeightBps:    1_000,
		VolumeBucket:          time.Minute,
		VolumeBaselineBuckets: 30,
		VolumeSpikeMultiple:   fpmath.FromInt(10),
		LiquidationWindow:     5 * time.Minute,
		MaxLiquidationOIBps:   1_000,
	}
}

// State is the circuit state of one market. Mutated only by the Breaker.
type State struct {
	Market          market.MarketID
	Tripped         bool
	Reason          Reason
	Detail          string
	TrippedAt       time.Time
	ReferencePrice  fpmath.Value
	ReferenceVolume fpmath.Value
	ResetBy         string
	ResetAt         time.Time
}

type liquidation struct {
	at       time.Time
	notional fpmath.Value
}

type monitor struct {
	state State

	bucketStart time.Time
	bucketVol   fpmath.Value
	history     []fpmath.Value // completed buckets, oldest first

	liquidations []liquidation
}

// Breaker monitors markets and halts them on threshold breaches. A tripped
// market stays tripped until an operator resets it with a new reference
// price.
type Breaker struct {
	mu       sync.RWMutex
	cfg      Config
	monitors map[market.MarketID]*monitor
	onTrip   []func(State)
	onReset  []func(State)
	now      func() time.Time

	registry *market.Registry
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func New(cfg Config, registry *market.Registry, logger zerolog.Logger, metrics *observability.Metrics) *Breaker {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if registry == nil {
		registry = market.NewRegistry()
	}
	return &Breaker{
		cfg:      cfg,
		monitors: make(map[market.MarketID]*monitor),
		now:      cfg.Clock,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// OnTrip registers a callback invoked outside the lock after each trip.
func (b *Breaker) OnTrip(fn func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = append(b.onTrip, fn)
}

// OnReset registers a callback invoked outside the lock after each reset.
func (b *Breaker) OnReset(fn func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = append(b.onReset, fn)
}

func (b *Breaker) monitorLocked(m market.MarketID) *monitor {
	mon, ok := b.monitors[m]
	if !ok {
		mon = &monitor{state: State{Market: m}}
		b.monitors[m] = mon
	}
	return mon
}

// Check returns an error wrapping ErrCircuitTripped while the market is halted.
func (b *Breaker) Check(m market.MarketID) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mon, ok := b.monitors[m]
	if !ok || !mon.state.Tripped {
		return nil
	}
	return fmt.Errorf("%w: market %s: %s", ErrCircuitTripped, b.registry.MarketName(m), mon.state.Reason)
}

func (b *Breaker) IsTripped(m market.MarketID) bool {
	return b.Check(m) != nil
}

func (b *Breaker) State(m market.MarketID) State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if mon, ok := b.monitors[m]; ok {
		return mon.state
	}
	return State{Market: m}
}

func (b *Breaker) States() []State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]State, 0, len(b.monitors))
	for _, mon := range b.monitors {
		out = append(out, mon.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// ObservePrice compares price with the reference and either trips or moves
// the reference toward price. The reference is frozen while tripped.
func (b *Breaker) ObservePrice(m market.MarketID, price fpmath.Value) State {
	if !price.IsPositive() {
		return b.State(m)
	}
	b.mu.Lock()
	mon := b.monitorLocked(m)
	if mon.state.Tripped {
		st := mon.state
		b.mu.Unlock()
		return st
	}

	ref := mon.state.ReferencePrice
	if ref.IsZero() {
		mon.state.ReferencePrice = price
		st := mon.state
		b.mu.Unlock()
		return st
	}

	if dev := deviationBps(price, ref); dev > b.cfg.MaxPriceDeviationBps {
		detail := fmt.Sprintf("price %s deviates %d bps from reference %s", price, dev, ref)
		return b.tripLocked(mon, ReasonPriceDeviation, detail)
	}

	step, err := fpmath.C(price).Sub(ref).Result()
	if err == nil {
		step, err = fpmath.MulBps(step, b.cfg.ReferenceWeightBps, fpmath.RoundHalfEven)
	}
	if err == nil {
		if next, err := fpmath.Add(ref, step); err == nil {
			mon.state.ReferencePrice = next
		}
	}
	st := mon.state
	b.mu.Unlock()
	return st
}

// ObserveVolume adds traded or opened notional to the current bucket and
// trips on a spike against the baseline of completed buckets.
func (b *Breaker) ObserveVolume(m market.MarketID, notional fpmath.Value) State {
	now := b.now()
	b.mu.Lock()
	mon := b.monitorLocked(m)
	b.rollBucketsLocked(mon, now)

	if next, err := fpmath.Add(mon.bucketVol, notional.Abs()); err == nil {
		mon.bucketVol = next
	}
	if mon.state.Tripped || len(mon.history) < b.cfg.VolumeBaselineBuckets {
		st := mon.state
		b.mu.Unlock()
		return st
	}

	baseline := mon.state.ReferenceVolume
	limit, err := fpmath.Mul(baseline, b.cfg.VolumeSpikeMultiple)
	if err == nil && baseline.IsPositive() && mon.bucketVol.GreaterThan(limit) {
		detail := fmt.Sprintf("bucket volume %s exceeds %s x baseline %s", mon.bucketVol, b.cfg.VolumeSpikeMultiple, baseline)
		return b.tripLocked(mon, ReasonVolumeSpike, detail)
	}
	st := mon.state
	b.mu.Unlock()
	return st
}

func (b *Breaker) rollBucketsLocked(mon *monitor, now time.Time) {
	if b.cfg.VolumeBucket <= 0 {
		return
	}
	if mon.bucketStart.IsZero() {
		mon.bucketStart = now.Truncate(b.cfg.VolumeBucket)
		return
	}
	elapsed := int(now.Sub(mon.bucketStart) / b.cfg.VolumeBucket)
	if elapsed <= 0 {
		return
	}
	mon.history = append(mon.history, mon.bucketVol)
	for i := 1; i < elapsed && i <= b.cfg.VolumeBaselineBuckets; i++ {
		mon.history = append(mon.history, fpmath.Zero)
	}
	if n := len(mon.history) - b.cfg.VolumeBaselineBuckets; n > 0 {
		mon.history = mon.history[n:]
	}
	mon.bucketVol = fpmath.Zero
	mon.bucketStart = mon.bucketStart.Add(time.Duration(elapsed) * b.cfg.VolumeBucket)

	sum := fpmath.C(fpmath.Zero)
	for _, v := range mon.history {
		sum.Add(v)
	}
	if mean, err := sum.Div(fpmath.FromInt(int64(len(mon.history)))).Result(); err == nil {
		mon.state.ReferenceVolume = mean
	}
}

// ObserveLiquidation records liquidated notional and trips when the rolling
// window total exceeds the configured share of open interest.
func (b *Breaker) ObserveLiquidation(m market.MarketID, notional, openInterest fpmath.Value) State {
	now := b.now()
	b.mu.Lock()
	mon := b.monitorLocked(m)

	cutoff := now.Add(-b.cfg.LiquidationWindow)
	kept := mon.liquidations[:0]
	for _, l := range mon.liquidations {
		if l.at.After(cutoff) {
			kept = append(kept, l)
		}
	}
	mon.liquidations = append(kept, liquidation{at: now, notional: notional.Abs()})

	if mon.state.Tripped {
		st := mon.state
		b.mu.Unlock()
		return st
	}

	total := fpmath.C(fpmath.Zero)
	for _, l := range mon.liquidations {
		total.Add(l.notional)
	}
	sum, err := total.Result()
	limit, lerr := fpmath.MulBps(openInterest, b.cfg.MaxLiquidationOIBps, fpmath.RoundDown)
	if err == nil && lerr == nil && openInterest.IsPositive() && sum.GreaterThan(limit) {
		detail := fmt.Sprintf("liquidated %s within %s against open interest %s", sum, b.cfg.LiquidationWindow, openInterest)
		return b.tripLocked(mon, ReasonLiquidationCascade, detail)
	}
	st := mon.state
	b.mu.Unlock()
	return st
}

// ReportDivergence trips the market on an oracle divergence signal.
func (b *Breaker) ReportDivergence(m market.MarketID, bps int64, detail string) State {
	return b.Trip(m, ReasonOracleDivergence, fmt.Sprintf("%d bps: %s", bps, detail))
}

// Trip halts a market. Tripping an already tripped market keeps the
// original reason.
func (b *Breaker) Trip(m market.MarketID, reason Reason, detail string) State {
	b.mu.Lock()
	mon := b.monitorLocked(m)
	if mon.state.Tripped {
		st := mon.state
		b.mu.Unlock()
		return st
	}
	return b.tripLocked(mon, reason, detail)
}

// tripLocked must be called with b.mu held; it releases it.
func (b *Breaker) tripLocked(mon *monitor, reason Reason, detail string) State {
	mon.state.Tripped = true
	mon.state.Reason = reason
	mon.state.Detail = detail
	mon.state.TrippedAt = b.now()
	st := mon.state
	callbacks := append([]func(State){}, b.onTrip...)
	b.mu.Unlock()

	name := b.registry.MarketName(st.Market)
	if b.metrics != nil {
		b.metrics.CircuitTrips.WithLabelValues(name, string(reason)).Inc()
		b.metrics.CircuitTripped.WithLabelValues(name).Set(1)
	}
	b.logger.Warn().
		Str("market", name).
		Str("reason", string(reason)).
		Str("detail", detail).
		Msg("circuit tripped")

	for _, fn := range callbacks {
		fn(st)
	}
	return st
}

// Reset re-opens a tripped market. It never happens automatically: an
// operator must supply a fresh reference price.
func (b *Breaker) Reset(m market.MarketID, reference fpmath.Value, operator string) (State, error) {
	if operator == "" {
		return State{}, ErrResetNoOperator
	}
	if !reference.IsPositive() {
		return State{}, ErrInvalidReference
	}

	b.mu.Lock()
	mon, ok := b.monitors[m]
	if !ok || !mon.state.Tripped {
		b.mu.Unlock()
		return b.State(m), fmt.Errorf("%w: market %s", ErrNotTripped, b.registry.MarketName(m))
	}
	mon.state.Tripped = false
	mon.state.Reason = ""
	mon.state.Detail = ""
	mon.state.ReferencePrice = reference
	mon.state.ResetBy = operator
	mon.state.ResetAt = b.now()
	mon.liquidations = nil
	mon.bucketVol = fpmath.Zero
	st := mon.state
	callbacks := append([]func(State){}, b.onReset...)
	b.mu.Unlock()

	name := b.registry.MarketName(m)
	if b.metrics != nil {
		b.metrics.CircuitTripped.WithLabelValues(name).Set(0)
	}
	b.logger.Info().
		Str("market", name).
		Str("operator", operator).
		Str("reference_price", reference.String()).
		Msg("circuit reset")

	for _, fn := range callbacks {
		fn(st)
	}
	return st, nil
}

func deviationBps(price, ref fpmath.Value) int64 {
	diff, err := fpmath.Sub(price, ref)
	if err != nil {
		return math.MaxInt64
	}
	ratio, err := fpmath.DivRoundUp(diff.Abs(), ref)
	if err != nil {
		return math.MaxInt64
	}
	return fpmath.Bps(ratio, fpmath.RoundUp)
}
