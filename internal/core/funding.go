package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/event"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// FundingResult lists the epochs recorded by one settlement call. Both are
// empty when the epoch was already recorded.
type FundingResult struct {
	Market   market.MarketID
	Recorded []state.FundingEpoch
	Missed   int
}

// SettleFunding records the funding rate of the epoch containing at.
// Recording is idempotent per epoch; positions pick the rate up lazily on
// their next touch.
func (e *Engine) SettleFunding(ctx context.Context, m market.MarketID, at time.Time) (FundingResult, error) {
	start := time.Now()
	res, err := e.settleFunding(ctx, m, at)
	e.observe("funding", start, err)
	return res, err
}

func (e *Engine) settleFunding(ctx context.Context, m market.MarketID, at time.Time) (FundingResult, error) {
	res := FundingResult{Market: m}
	cfg, err := e.markets.Market(ctx, m)
	if err != nil {
		return res, err
	}
	boundary := state.EpochBoundary(state.EpochIndex(at, cfg.FundingInterval), cfg.FundingInterval)
	if last, ok := e.funding.LastEpoch(m); ok && !boundary.After(last.Boundary) {
		return res, nil
	}

	mark, err := e.oracle.Price(ctx, cfg.BaseAsset)
	if err != nil {
		return res, fmt.Errorf("funding mark %s: %w", cfg.Symbol, err)
	}
	index := mark
	if cfg.IndexAsset != cfg.BaseAsset {
		if index, err = e.oracle.Price(ctx, cfg.IndexAsset); err != nil {
			return res, fmt.Errorf("funding index %s: %w", cfg.Symbol, err)
		}
	}
	rate, err := fpmath.FundingRate(mark.Price, index.Price, cfg.FundingRateCap)
	if err != nil {
		return res, err
	}

	recorded, err := e.funding.Record(m, cfg.FundingInterval, at, rate, mark.Price, index.Price)
	if err != nil {
		return res, err
	}
	res.Recorded = recorded

	events := make([]event.Event, 0, len(recorded))
	for _, ep := range recorded {
		if ep.Backfilled {
			res.Missed++
		}
		events = append(events, &event.FundingRecorded{
			Market:     m,
			Epoch:      ep.Index,
			Boundary:   ep.Boundary,
			Rate:       ep.Rate,
			MarkPrice:  ep.MarkPrice,
			IndexPrice: ep.IndexPrice,
			Backfilled: ep.Backfilled,
		})
	}
	e.emit(uuid.Nil, "", nil, events...)

	if e.metrics != nil && len(recorded) > 0 {
		name := e.registry.MarketName(m)
		e.metrics.FundingEpochsRecorded.WithLabelValues(name).Add(float64(len(recorded)))
		e.metrics.FundingEpochsMissed.WithLabelValues(name).Add(float64(res.Missed))
		e.metrics.FundingRate.WithLabelValues(name).Set(rate.Decimal().InexactFloat64())
	}
	if res.Missed > 0 {
		e.logger.Warn().
			Str("market", cfg.Symbol).
			Int("missed", res.Missed).
			Msg("funding epochs backfilled with zero rate")
	}
	e.logger.Info().
		Str("market", cfg.Symbol).
		Time("boundary", boundary).
		Str("rate", rate.String()).
		Msg("funding recorded")
	return res, nil
}

// SettleAllFunding settles every active market at at. Failures of one market
// do not stop the others; the first error is returned.
func (e *Engine) SettleAllFunding(ctx context.Context, at time.Time) ([]FundingResult, error) {
	markets, err := e.markets.Markets(ctx)
	if err != nil {
		return nil, err
	}
	var (
		out      []FundingResult
		firstErr error
	)
	for _, cfg := range markets {
		if !cfg.Active {
			continue
		}
		res, err := e.SettleFunding(ctx, cfg.ID, at)
		if err != nil {
			e.logger.Error().Err(err).Str("market", cfg.Symbol).Msg("funding settlement failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, res)
	}
	return out, firstErr
}

// RunFunding settles every market on each tick until ctx is done.
func (e *Engine) RunFunding(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, _ = e.SettleAllFunding(ctx, e.now())
		}
	}
}

// RestoreFunding loads persisted epochs of one market at startup.
func (e *Engine) RestoreFunding(ctx context.Context, m market.MarketID, epochs []state.FundingEpoch) error {
	cfg, err := e.markets.Market(ctx, m)
	if err != nil {
		return err
	}
	return e.funding.Restore(m, cfg.FundingInterval, epochs)
}

// FundingEpochs returns every recorded epoch of m.
func (e *Engine) FundingEpochs(m market.MarketID) []state.FundingEpoch {
	return e.funding.Epochs(m)
}
