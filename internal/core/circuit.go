package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/circuit"
	"PerpRisk/internal/event"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
)

func (e *Engine) onCircuitTrip(st circuit.State) {
	e.emit(uuid.Nil, "", nil, &event.CircuitTripped{
		Market:    st.Market,
		Reason:    string(st.Reason),
		Detail:    st.Detail,
		Reference: st.ReferencePrice,
		TrippedAt: st.TrippedAt,
	})
}

func (e *Engine) onCircuitReset(st circuit.State) {
	e.emit(uuid.Nil, "", nil, &event.CircuitReset{
		Market:    st.Market,
		Reference: st.ReferencePrice,
		Operator:  st.ResetBy,
		ResetAt:   st.ResetAt,
	})
}

// ResetCircuit reopens a tripped market. A zero reference uses the current
// aggregated mark.
func (e *Engine) ResetCircuit(ctx context.Context, m market.MarketID, reference fpmath.Value, operator string) (circuit.State, error) {
	cfg, err := e.markets.Market(ctx, m)
	if err != nil {
		return circuit.State{}, err
	}
	if reference.IsZero() {
		p, err := e.oracle.Price(ctx, cfg.BaseAsset)
		if err != nil {
			return circuit.State{}, fmt.Errorf("reset reference %s: %w", cfg.Symbol, err)
		}
		reference = p.Price
	}
	return e.breaker.Reset(m, reference, operator)
}

// TripCircuit halts a market by operator request.
func (e *Engine) TripCircuit(ctx context.Context, m market.MarketID, operator, detail string) (circuit.State, error) {
	if _, err := e.markets.Market(ctx, m); err != nil {
		return circuit.State{}, err
	}
	if operator != "" {
		detail = operator + ": " + detail
	}
	return e.breaker.Trip(m, circuit.ReasonManual, detail), nil
}

// CircuitStates returns the circuit state of every observed market.
func (e *Engine) CircuitStates() []circuit.State {
	return e.breaker.States()
}

// DivergenceReporter returns the receiver the oracle aggregator reports
// source divergence to. Each divergent asset trips the markets that use it
// as base or index.
func (e *Engine) DivergenceReporter() oracle.DivergenceReporter {
	return divergenceReporter{e: e}
}

type divergenceReporter struct {
	e *Engine
}

func (r divergenceReporter) ReportDivergence(d oracle.Divergence) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	markets, err := r.e.markets.Markets(ctx)
	if err != nil {
		r.e.logger.Error().Err(err).Msg("divergence: market lookup failed")
		return
	}
	asset := r.e.registry.AssetName(d.Asset)
	for _, cfg := range markets {
		if cfg.BaseAsset != d.Asset && cfg.IndexAsset != d.Asset {
			continue
		}
		detail := fmt.Sprintf("%s %s=%s %s=%s", asset,
			r.e.registry.SourceName(d.Primary.Source), d.Primary.Price,
			r.e.registry.SourceName(d.Secondary.Source), d.Secondary.Price)
		r.e.breaker.ReportDivergence(cfg.ID, d.Bps, detail)
	}
}
