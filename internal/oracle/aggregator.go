package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PerpRisk/internal/market"
	"PerpRisk/internal/observability"
)

// Source is a price source adapter. Every adapter is untrusted input.
type Source interface {
	Quote(ctx context.Context, asset market.AssetID) (Quote, error)
}

// Divergence records the two most authoritative sources disagreeing by more
// than the policy's hard threshold.
type Divergence struct {
	Asset     market.AssetID
	Primary   Quote
	Secondary Quote
	Bps       int64
}

// DivergenceReporter receives divergence signals whether or not aggregation
// succeeds. The circuit breaker is the production receiver.
type DivergenceReporter interface {
	ReportDivergence(d Divergence)
}

type Options struct {
	// FetchTimeout bounds each source call.
	FetchTimeout time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Aggregator turns N source quotes into one validated price per asset.
// It holds no price cache: every call fetches and evaluates afresh, so
// concurrent calls are independent and deterministic for identical quotes.
type Aggregator struct {
	mu       sync.RWMutex
	sources  map[market.SourceID]Source
	policies map[market.AssetID]Policy
	reporter DivergenceReporter

	fetchTimeout time.Duration
	now          func() time.Time

	registry *market.Registry
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewAggregator(opts Options, registry *market.Registry, logger zerolog.Logger, metrics *observability.Metrics) *Aggregator {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if registry == nil {
		registry = market.NewRegistry()
	}
	return &Aggregator{
		sources:      make(map[market.SourceID]Source),
		policies:     make(map[market.AssetID]Policy),
		fetchTimeout: opts.FetchTimeout,
		now:          opts.Clock,
		registry:     registry,
		logger:       logger,
		metrics:      metrics,
	}
}

func (a *Aggregator) RegisterSource(id market.SourceID, src Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[id] = src
}

func (a *Aggregator) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p.Sources = append([]market.SourceID(nil), p.Sources...)
	a.policies[p.Asset] = p
	return nil
}

func (a *Aggregator) Policy(asset market.AssetID) (Policy, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.policies[asset]
	return p, ok
}

func (a *Aggregator) SetDivergenceReporter(r DivergenceReporter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reporter = r
}

// Price returns a valid aggregated price or an error wrapping
// ErrInvalidPrice or ErrTimeout.
func (a *Aggregator) Price(ctx context.Context, asset market.AssetID) (AggregatedPrice, error) {
	p, err := a.Aggregate(ctx, asset)
	if err != nil {
		return p, err
	}
	if !p.Valid {
		return p, fmt.Errorf("%w: asset %s: %s", ErrInvalidPrice, a.registry.AssetName(asset), p.Reason)
	}
	return p, nil
}

// Aggregate fetches every configured source concurrently, each bounded by
// the fetch timeout, and evaluates the result. An invalid result is returned
// without error; only a total timeout is an error.
func (a *Aggregator) Aggregate(ctx context.Context, asset market.AssetID) (AggregatedPrice, error) {
	a.mu.RLock()
	policy, ok := a.policies[asset]
	reporter := a.reporter
	a.mu.RUnlock()

	assetName := a.registry.AssetName(asset)
	if !ok {
		return AggregatedPrice{Asset: asset, ComputedAt: a.now(), Reason: "no oracle policy"},
			fmt.Errorf("%w: no oracle policy for asset %s", ErrInvalidPrice, assetName)
	}

	ids := policy.Sources
	if policy.Fallback != 0 {
		ids = append(append([]market.SourceID(nil), policy.Sources...), policy.Fallback)
	}
	results := a.fetchAll(ctx, asset, ids)

	quotes := make([]Quote, 0, len(policy.Sources))
	var fallback *Quote
	timeouts := 0
	for i, r := range results {
		if r.err != nil {
			if r.timeout {
				timeouts++
			}
			continue
		}
		if i == len(policy.Sources) {
			q := r.quote
			fallback = &q
			continue
		}
		quotes = append(quotes, r.quote)
	}

	if timeouts == len(ids) {
		a.countAggregation(assetName, "timeout")
		return AggregatedPrice{Asset: asset, ComputedAt: a.now(), Reason: "all sources timed out"},
			fmt.Errorf("%w: asset %s", ErrTimeout, assetName)
	}

	res, div := Evaluate(policy, a.now(), quotes, fallback)

	if div != nil {
		if a.metrics != nil {
			a.metrics.OracleDivergence.WithLabelValues(assetName).Inc()
		}
		a.logger.Warn().
			Str("asset", assetName).
			Str("primary", a.registry.SourceName(div.Primary.Source)).
			Str("secondary", a.registry.SourceName(div.Secondary.Source)).
			Int64("divergence_bps", div.Bps).
			Msg("oracle sources diverged")
		if reporter != nil {
			reporter.ReportDivergence(*div)
		}
	}

	switch {
	case !res.Valid:
		a.countAggregation(assetName, "invalid")
		a.logger.Warn().Str("asset", assetName).Str("reason", res.Reason).Msg("aggregated price invalid")
	case res.Fallback:
		a.countAggregation(assetName, "fallback")
		a.logger.Info().Str("asset", assetName).Msg("aggregated price served by fallback source")
	default:
		a.countAggregation(assetName, "valid")
	}
	if a.metrics != nil {
		a.metrics.OracleSurvivors.WithLabelValues(assetName).Observe(float64(len(res.Sources)))
	}
	return res, nil
}

// Evaluate is the pure aggregation step: given the fetched quotes (in policy
// authority order) and an optional fallback quote, it returns the aggregated
// price and any divergence signal.
func Evaluate(p Policy, now time.Time, quotes []Quote, fallback *Quote) (AggregatedPrice, *Divergence) {
	res := AggregatedPrice{Asset: p.Asset, ComputedAt: now}

	fresh := Run(quotes,
		FilterValid(p.Asset),
		FilterFresh(now, p.MaxAge, p.MaxFutureSkew),
	)
	div := checkDivergence(p, fresh)

	survivors := fresh
	quorum := 1
	if !p.singleSource() {
		survivors = Run(fresh,
			FilterConfidence(p.MaxConfidenceBps),
			RejectOutliers(p.MaxDeviationBps),
		)
		quorum = p.Quorum
	}

	if len(survivors) >= quorum && len(survivors) > 0 {
		price, conf, err := WeightedCombine(survivors)
		if err == nil {
			res.Price = price
			res.ConfidenceBps = conf
			res.Valid = true
			res.Low, res.High = priceRange(survivors)
			res.Sources = sourcesOf(survivors)
			return res, div
		}
		res.Reason = err.Error()
	} else {
		res.Reason = fmt.Sprintf("quorum not met: %d of %d required quotes survived (fresh=%d)",
			len(survivors), quorum, len(fresh))
	}

	if fallback != nil {
		fb := Run([]Quote{*fallback},
			FilterValid(p.Asset),
			FilterFresh(now, p.MaxAge, p.MaxFutureSkew),
		)
		if len(fb) == 1 {
			return AggregatedPrice{
				Asset:         p.Asset,
				Price:         fb[0].Price,
				ConfidenceBps: fb[0].ConfidenceBps,
				ComputedAt:    now,
				Valid:         true,
				Sources:       []market.SourceID{fb[0].Source},
				Low:           fb[0].Price,
				High:          fb[0].Price,
				Fallback:      true,
			}, div
		}
		res.Reason += "; fallback quote stale or invalid"
	}
	return res, div
}

func checkDivergence(p Policy, fresh []Quote) *Divergence {
	if len(p.Sources) < 2 || p.HardDivergenceBps == 0 {
		return nil
	}
	var primary, secondary *Quote
	for i := range fresh {
		switch fresh[i].Source {
		case p.Sources[0]:
			primary = &fresh[i]
		case p.Sources[1]:
			secondary = &fresh[i]
		}
	}
	if primary == nil || secondary == nil {
		return nil
	}
	bps := DeviationBps(primary.Price, secondary.Price)
	if bps <= p.HardDivergenceBps {
		return nil
	}
	return &Divergence{Asset: p.Asset, Primary: *primary, Secondary: *secondary, Bps: bps}
}

func sourcesOf(quotes []Quote) []market.SourceID {
	out := make([]market.SourceID, len(quotes))
	for i, q := range quotes {
		out[i] = q.Source
	}
	return out
}

type fetchResult struct {
	quote   Quote
	err     error
	timeout bool
}

func (a *Aggregator) fetchAll(ctx context.Context, asset market.AssetID, ids []market.SourceID) []fetchResult {
	a.mu.RLock()
	srcs := make([]Source, len(ids))
	for i, id := range ids {
		srcs[i] = a.sources[id]
	}
	a.mu.RUnlock()

	results := make([]fetchResult, len(ids))
	var g errgroup.Group
	for i := range ids {
		i := i
		g.Go(func() error {
			results[i] = a.fetchOne(ctx, ids[i], srcs[i], asset)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fetchOne returns when the source answers or the timeout fires, whichever
// comes first, even if the adapter ignores its context.
func (a *Aggregator) fetchOne(ctx context.Context, id market.SourceID, src Source, asset market.AssetID) fetchResult {
	name := a.registry.SourceName(id)
	if src == nil {
		a.countSourceError(name, "unregistered")
		return fetchResult{err: fmt.Errorf("source %s not registered: %w", name, ErrUnavailable)}
	}

	cctx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()

	start := time.Now()
	ch := make(chan fetchResult, 1)
	go func() {
		q, err := src.Quote(cctx, asset)
		ch <- fetchResult{quote: q, err: err}
	}()

	var r fetchResult
	select {
	case r = <-ch:
	case <-cctx.Done():
		r = fetchResult{err: cctx.Err()}
	}
	if a.metrics != nil {
		a.metrics.OracleFetchLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}

	if r.err != nil {
		r.timeout = errors.Is(r.err, context.DeadlineExceeded)
		kind := "unavailable"
		if r.timeout {
			kind = "timeout"
		}
		a.countSourceError(name, kind)
		a.logger.Debug().Err(r.err).Str("source", name).Msg("quote fetch failed")
		return r
	}
	if r.quote.Source != id || r.quote.Asset != asset {
		a.countSourceError(name, "mismatch")
		return fetchResult{err: fmt.Errorf("source %s returned quote for source %d asset %d", name, r.quote.Source, r.quote.Asset)}
	}
	return r
}

func (a *Aggregator) countAggregation(asset, result string) {
	if a.metrics != nil {
		a.metrics.OracleAggregations.WithLabelValues(asset, result).Inc()
	}
}

func (a *Aggregator) countSourceError(source, kind string) {
	if a.metrics != nil {
		a.metrics.OracleSourceErrors.WithLabelValues(source, kind).Inc()
	}
}
