package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

type LiquidateRequest struct {
	RequestID  string
	Liquidator uuid.UUID
	Owner      uuid.UUID
	PositionID uuid.UUID
	// Size to close, zero for the maximum allowed in one step.
	Size            fpmath.Value
	ExpectedVersion *uint64
}

type LiquidationResult struct {
	LiquidationID uuid.UUID
	Plan          state.LiquidationPlan
	Position      state.Position // after the step; Closed when fully liquidated
	Account       state.AccountMetrics
	Funding       *event.FundingApplied
	// Action is set when part of the deficit was escalated to deleveraging.
	Action *state.DeleverageAction
}

type DeleverageRequest struct {
	RequestID string
	ActionID  uuid.UUID
}

// DeleverageFill is one counterparty reduced by a deleveraging action.
type DeleverageFill struct {
	PositionID uuid.UUID
	Owner      uuid.UUID
	ClosedSize fpmath.Value
	Price      fpmath.Value
	Recovered  fpmath.Value
}

type DeleverageResult struct {
	Action        state.DeleverageAction
	Fills         []DeleverageFill
	InsuranceDraw fpmath.Value
}

// Liquidate closes part or all of a position of an account whose margin
// ratio is at or below zero. The ratio is evaluated under the account lock
// with the same prices used for the close. A deficit left after the
// insurance fund is booked to socialized loss and escalated to
// deleveraging; under the insurance-first policy the committed result is
// returned together with ErrInsuranceExhausted.
func (e *Engine) Liquidate(ctx context.Context, req LiquidateRequest) (LiquidationResult, error) {
	start := time.Now()
	res, err := idempotent(ctx, e.idempotency, "liquidate", req.Liquidator, req.RequestID, func() (LiquidationResult, bool, error) {
		return e.liquidate(ctx, req)
	})
	e.observe("liquidate", start, err)
	return res, err
}

func (e *Engine) liquidate(ctx context.Context, req LiquidateRequest) (LiquidationResult, bool, error) {
	if req.Liquidator == uuid.Nil {
		return LiquidationResult{}, false, fmt.Errorf("%w: liquidator is required", ErrInvalidArgument)
	}
	if req.Liquidator == req.Owner {
		return LiquidationResult{}, false, fmt.Errorf("%w: self-liquidation", ErrInvalidArgument)
	}
	if req.Size.IsNegative() {
		return LiquidationResult{}, false, fmt.Errorf("%w: size %s", state.ErrInvalidSize, req.Size)
	}

	unlock := e.lockAccount(req.Owner)
	defer unlock()

	if err := e.checkVersion(req.Owner, req.ExpectedVersion); err != nil {
		return LiquidationResult{}, false, err
	}
	p, err := e.ownedPosition(req.Owner, req.PositionID)
	if err != nil {
		return LiquidationResult{}, false, err
	}

	snap := e.snapshot(req.Owner)
	d, err := e.loadDecision(ctx, &snap)
	if err != nil {
		return LiquidationResult{}, false, err
	}
	before, err := e.margin.Evaluate(&snap, d.rv, d.prices)
	if err != nil {
		return LiquidationResult{}, false, err
	}
	if !before.Liquidatable() {
		return LiquidationResult{}, false, fmt.Errorf("%w: margin ratio %s", state.ErrNotLiquidatable, before.Ratio)
	}
	cfg, err := d.rv.Market(p.Market)
	if err != nil {
		return LiquidationResult{}, false, err
	}

	if err := p.Transition(state.LiquidationStateLiquidatable); err != nil {
		return LiquidationResult{}, false, fmt.Errorf("position %s: %w", p.PositionID, err)
	}
	if err := p.Transition(state.LiquidationStateLiquidating); err != nil {
		return LiquidationResult{}, false, fmt.Errorf("position %s: %w", p.PositionID, err)
	}

	b := e.journals.NewBatch("liquidate", req.RequestID)
	free := snap.Balances[p.CollateralAsset].Free
	fo, err := e.applyFunding(b, &p, free)
	if err != nil {
		return LiquidationResult{}, false, err
	}
	free, _ = fpmath.Sub(free, fo.fromFree)

	price, err := d.prices.Mark(p.Market, p.Sign())
	if err != nil {
		return LiquidationResult{}, false, err
	}

	e.insuranceMu.Lock()
	defer e.insuranceMu.Unlock()

	plan, err := e.planner.Plan(state.LiquidationInput{
		Position:         p,
		Config:           cfg,
		Price:            price,
		RequestedSize:    req.Size,
		FreeCollateral:   free,
		InsuranceBalance: e.balances.GetInsuranceBalance(p.CollateralAsset),
	})
	if err != nil {
		return LiquidationResult{}, false, err
	}

	reserved := ledger.NewUserAccountKey(p.Owner, ledger.SubTypeReserved, p.CollateralAsset)
	b.RealizePnL(p.Owner, p.CollateralAsset, plan.RealizedPnL, p.Market, p.PositionID).
		Funding(p.Owner, p.CollateralAsset, plan.FundingSettled.Neg(), p.Market, p.PositionID).
		LiquidationBonus(req.Liquidator, p.Owner, p.CollateralAsset, plan.Bonus, p.Market, p.PositionID).
		CoverFromFree(p.Owner, p.CollateralAsset, plan.FromFree, p.Market, p.PositionID).
		InsuranceDraw(reserved, plan.Coverage.FromInsurance, p.Market, p.PositionID).
		Socialize(reserved, plan.Coverage.Socialized, p.Market, p.PositionID).
		Release(p.Owner, p.CollateralAsset, plan.Released, p.Market, p.PositionID)

	p.Size = plan.RemainingSize
	p.Collateral = plan.RemainingMargin
	p.RealizedPnL, _ = fpmath.Add(p.RealizedPnL, plan.RealizedPnL)
	p.FundingPaid, _ = fpmath.Add(p.FundingPaid, plan.FundingSettled)
	p.UnpaidFunding = fpmath.Zero

	batch, err := buildOptional(b)
	if err != nil {
		return LiquidationResult{}, false, err
	}

	var after state.AccountSnapshot
	if plan.Full {
		if err := p.Transition(state.LiquidationStateClosed); err != nil {
			return LiquidationResult{}, false, err
		}
		after = projected(snap, batch, nil, p.PositionID)
	} else {
		after = projected(snap, batch, &p, uuid.Nil)
	}
	metrics, err := e.margin.Evaluate(&after, d.rv, d.prices)
	if err != nil {
		return LiquidationResult{}, false, err
	}
	if !plan.Full {
		e.classify(&p, metrics.Ratio, cfg.WarningMarginRatio)
	}

	longOI, shortOI := e.book.OpenInterest(p.Market)
	openInterest, _ := fpmath.C(longOI).Add(shortOI).Mul(price).Result()

	// commit
	if batch != nil {
		if err := e.balances.ApplyBatch(batch); err != nil {
			return LiquidationResult{}, false, fmt.Errorf("liquidate: %w", err)
		}
	}
	if plan.Full {
		e.book.Remove(p.PositionID)
	} else if p, err = e.book.Update(p); err != nil {
		panic(fmt.Sprintf("FATAL: position update after applied batch: %v", err))
	}
	if plan.Bonus.IsPositive() {
		e.book.Touch(req.Liquidator)
	}
	e.checkReserved(req.Owner)

	res := LiquidationResult{
		LiquidationID: uuid.New(),
		Plan:          plan,
		Position:      p,
		Account:       metrics,
		Funding:       fo.applied,
	}

	events := fundingEvents(fo.applied)
	events = append(events, &event.LiquidationExecuted{
		LiquidationID:  res.LiquidationID,
		Liquidator:     req.Liquidator,
		Owner:          p.Owner,
		PositionID:     p.PositionID,
		Market:         p.Market,
		ClosedSize:     plan.CloseSize,
		RemainingSize:  plan.RemainingSize,
		Price:          price,
		RealizedPnL:    plan.RealizedPnL,
		Bonus:          plan.Bonus,
		InsuranceDraw:  plan.Coverage.FromInsurance,
		SocializedLoss: plan.Coverage.Socialized,
		MarginRatio:    before.Ratio,
		BadDebt:        plan.BadDebt(),
	})
	if plan.Coverage.Socialized.IsPositive() {
		action := e.actions.Raise(p.Market, p.CollateralAsset, p.Side, price, plan.Coverage.Socialized, res.LiquidationID)
		res.Action = &action
		events = append(events, &event.DeleverageRaised{
			ActionID:  action.ActionID,
			Market:    action.Market,
			Side:      action.Side,
			Price:     action.Price,
			Deficit:   action.Deficit,
			SourceLiq: res.LiquidationID,
		})
	}
	e.emitFor(req.Liquidator, req.Owner, req.RequestID, batch, events...)

	e.breaker.ObserveLiquidation(p.Market, plan.Notional, openInterest)
	e.recordLiquidation(cfg, &plan, res.Action)
	e.recordOpenInterest(p.Market)

	e.logger.Warn().
		Str("owner", p.Owner.String()).
		Str("position", p.PositionID.String()).
		Str("market", cfg.Symbol).
		Str("ratio", before.Ratio.String()).
		Str("closed", plan.CloseSize.String()).
		Str("price", price.String()).
		Str("bonus", plan.Bonus.String()).
		Str("insurance_draw", plan.Coverage.FromInsurance.String()).
		Str("socialized", plan.Coverage.Socialized.String()).
		Bool("full", plan.Full).
		Msg("position liquidated")

	if plan.Coverage.Exhausted() && e.insurance.Policy() == state.DeficitInsuranceFirst {
		return res, true, fmt.Errorf("%w: %s socialized for market %s", state.ErrInsuranceExhausted,
			plan.Coverage.Socialized, cfg.Symbol)
	}
	return res, true, nil
}

func (e *Engine) recordLiquidation(cfg market.Config, plan *state.LiquidationPlan, action *state.DeleverageAction) {
	if e.metrics == nil {
		return
	}
	kind := "partial"
	switch {
	case plan.BadDebt():
		kind = "bad_debt"
	case plan.Full:
		kind = "full"
	}
	e.metrics.Liquidations.WithLabelValues(cfg.Symbol, kind).Inc()
	e.metrics.LiquidatedNotional.WithLabelValues(cfg.Symbol).Add(plan.Notional.Decimal().InexactFloat64())
	if plan.Coverage.FromInsurance.IsPositive() {
		e.metrics.InsuranceDraws.WithLabelValues(cfg.Symbol).Inc()
	}
	if plan.Coverage.Socialized.IsPositive() {
		e.metrics.SocializedLoss.WithLabelValues(cfg.Symbol).Inc()
	}
	if action != nil {
		e.metrics.DeleverageActions.WithLabelValues(cfg.Symbol, action.State.String()).Inc()
	}
	e.metrics.InsuranceFundBalance.Set(e.balances.GetInsuranceBalance(cfg.QuoteAsset).Decimal().InexactFloat64())
}

// ExecuteDeleveraging runs a deleveraging action: profitable positions on
// the other side of the bankrupt position are reduced at the current mark,
// highest PnL ratio times leverage first, and their realized profit is
// seized until the deficit is repaid. The insurance fund covers what
// deleveraging could not. A remainder leaves the action Escalated and
// returns ErrInsuranceExhausted.
func (e *Engine) ExecuteDeleveraging(ctx context.Context, req DeleverageRequest) (DeleverageResult, error) {
	start := time.Now()
	res, err := idempotent(ctx, e.idempotency, "deleverage", uuid.Nil, req.RequestID, func() (DeleverageResult, bool, error) {
		return e.executeDeleveraging(ctx, req)
	})
	e.observe("deleverage", start, err)
	return res, err
}

func (e *Engine) executeDeleveraging(ctx context.Context, req DeleverageRequest) (DeleverageResult, bool, error) {
	e.adlMu.Lock()
	defer e.adlMu.Unlock()

	action, err := e.actions.Get(req.ActionID)
	if err != nil {
		return DeleverageResult{}, false, err
	}
	cfg, err := e.markets.Market(ctx, action.Market)
	if err != nil {
		return DeleverageResult{}, false, err
	}
	prices := state.NewPriceSet()
	if err := e.loadMark(ctx, prices, cfg, true); err != nil {
		return DeleverageResult{}, false, err
	}
	candidates, err := state.RankForDeleverage(action.Side, e.book.ByMarket(action.Market), prices)
	if err != nil {
		return DeleverageResult{}, false, err
	}

	if action, err = e.actions.Begin(req.ActionID); err != nil {
		return DeleverageResult{}, false, err
	}
	res := DeleverageResult{InsuranceDraw: fpmath.Zero}
	remaining := action.Remaining

	for _, c := range candidates {
		if !remaining.IsPositive() {
			break
		}
		fill, err := e.deleverageOne(c.Position.Owner, c.Position.PositionID, &action, prices, remaining, req.RequestID)
		if err != nil {
			e.logger.Error().Err(err).
				Str("action", action.ActionID.String()).
				Str("position", c.Position.PositionID.String()).
				Msg("deleverage counterparty skipped")
			continue
		}
		if fill == nil {
			continue
		}
		if err := e.actions.RecordRecovery(action.ActionID, fill.PositionID, fill.Recovered); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: recovery booked in ledger but not on action: %v", err))
		}
		remaining, _ = fpmath.Sub(remaining, fill.Recovered)
		res.Fills = append(res.Fills, *fill)
	}

	var insuranceBatch *ledger.Batch
	if remaining.IsPositive() {
		drawn, batch, err := e.drawInsuranceForAction(&action, remaining, req.RequestID)
		if err != nil {
			e.logger.Error().Err(err).Str("action", action.ActionID.String()).Msg("insurance draw for deleveraging failed")
		}
		res.InsuranceDraw, insuranceBatch = drawn, batch
	}

	final, err := e.actions.Finish(action.ActionID)
	if err != nil {
		return res, true, err
	}
	res.Action = final

	reduced := make([]uuid.UUID, 0, len(res.Fills))
	for _, f := range res.Fills {
		reduced = append(reduced, f.PositionID)
	}
	e.emit(uuid.Nil, req.RequestID, insuranceBatch, &event.DeleverageExecuted{
		ActionID:      final.ActionID,
		Market:        final.Market,
		Recovered:     final.Recovered,
		InsuranceDraw: final.InsuranceDrawn,
		Remaining:     final.Remaining,
		Reduced:       reduced,
		State:         final.State.String(),
	})
	if e.metrics != nil {
		e.metrics.DeleverageActions.WithLabelValues(cfg.Symbol, final.State.String()).Inc()
	}
	e.logger.Info().
		Str("action", final.ActionID.String()).
		Str("market", cfg.Symbol).
		Int("fills", len(res.Fills)).
		Str("recovered", final.Recovered.String()).
		Str("remaining", final.Remaining.String()).
		Str("state", final.State.String()).
		Msg("deleveraging executed")

	if final.State == state.ActionStateEscalated {
		return res, true, fmt.Errorf("%w: action %s still owes %s", state.ErrInsuranceExhausted, final.ActionID, final.Remaining)
	}
	return res, true, nil
}

// deleverageOne reduces one counterparty under its account lock. A nil fill
// means the position was gone or no longer profitable.
func (e *Engine) deleverageOne(
	owner, positionID uuid.UUID,
	action *state.DeleverageAction,
	prices *state.PriceSet,
	remaining fpmath.Value,
	requestID string,
) (*DeleverageFill, error) {
	unlock := e.lockAccount(owner)
	defer unlock()

	p, err := e.ownedPosition(owner, positionID)
	if err != nil {
		return nil, nil
	}
	if p.CollateralAsset != action.Asset {
		return nil, nil
	}
	price, err := prices.Mark(p.Market, p.Sign())
	if err != nil {
		return nil, err
	}
	perUnit, err := fpmath.RealizedPnL(p.Sign(), p.EntryPrice, price, fpmath.One)
	if err != nil {
		return nil, err
	}
	if !perUnit.IsPositive() {
		return nil, nil
	}

	snap := e.snapshot(owner)
	b := e.journals.NewBatch("deleverage", requestID)
	free := snap.Balances[p.CollateralAsset].Free
	fo, err := e.applyFunding(b, &p, free)
	if err != nil {
		return nil, err
	}
	free, _ = fpmath.Sub(free, fo.fromFree)

	closeSize, err := fpmath.DivRoundUp(remaining, perUnit)
	if err != nil {
		return nil, err
	}
	closeSize = fpmath.Min(closeSize, p.Size)
	realized, err := fpmath.RealizedPnL(p.Sign(), p.EntryPrice, price, closeSize)
	if err != nil {
		return nil, err
	}
	seized := fpmath.Max(fpmath.Min(realized, remaining), fpmath.Zero)

	closed := closeSize
	out, err := e.reduce(b, &p, closeSize, price, free, seized)
	if err != nil {
		return nil, err
	}
	b.DeleverageRecovery(owner, p.CollateralAsset, seized, p.Market, p.PositionID)
	if p.IsFlat() {
		if err := p.Transition(state.LiquidationStateClosed); err != nil {
			return nil, fmt.Errorf("position %s: %w", p.PositionID, err)
		}
	}

	batch, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := e.balances.ApplyBatch(batch); err != nil {
		return nil, fmt.Errorf("deleverage %s: %w", p.PositionID, err)
	}

	events := fundingEvents(fo.applied)
	if p.IsFlat() {
		e.book.Remove(p.PositionID)
		events = append(events, &event.PositionClosed{
			PositionID:  p.PositionID,
			Owner:       owner,
			Market:      p.Market,
			Size:        closed,
			ClosePrice:  price,
			RealizedPnL: out.realized,
			Released:    out.released,
		})
	} else {
		updated, err := e.book.Update(p)
		if err != nil {
			panic(fmt.Sprintf("FATAL: position update after applied batch %s: %v", batch.BatchID, err))
		}
		events = append(events, &event.PositionModified{
			PositionID:      updated.PositionID,
			Owner:           owner,
			Market:          updated.Market,
			Version:         updated.Version,
			SizeDelta:       closed.Neg(),
			CollateralDelta: fpmath.Zero,
			Price:           price,
			RealizedPnL:     out.realized,
			Size:            updated.Size,
			EntryPrice:      updated.EntryPrice,
			Collateral:      updated.Collateral,
		})
	}
	e.checkReserved(owner)
	e.emitFor(uuid.Nil, owner, requestID, batch, events...)
	e.recordOpenInterest(p.Market)

	return &DeleverageFill{
		PositionID: p.PositionID,
		Owner:      owner,
		ClosedSize: closed,
		Price:      price,
		Recovered:  seized,
	}, nil
}

// drawInsuranceForAction repays the socialized loss account from the
// insurance fund, up to amount.
func (e *Engine) drawInsuranceForAction(action *state.DeleverageAction, amount fpmath.Value, requestID string) (fpmath.Value, *ledger.Batch, error) {
	e.insuranceMu.Lock()
	defer e.insuranceMu.Unlock()

	draw := fpmath.Min(e.balances.GetInsuranceBalance(action.Asset), amount)
	if !draw.IsPositive() {
		return fpmath.Zero, nil, nil
	}
	batch, err := e.journals.NewBatch("deleverage_insurance", requestID).
		InsuranceDraw(ledger.NewSystemAccountKey(ledger.SubTypeSystemSocializedLoss, action.Asset), draw, action.Market, uuid.Nil).
		Build()
	if err != nil {
		return fpmath.Zero, nil, err
	}
	if err := e.balances.ApplyBatch(batch); err != nil {
		return fpmath.Zero, nil, err
	}
	if err := e.actions.RecordInsurance(action.ActionID, draw); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: insurance drawn but not booked on action: %v", err))
	}
	e.recordInsuranceBalance(e.balances.GetInsuranceBalance(action.Asset))
	return draw, batch, nil
}

// CancelDeleveraging cancels an action that has not started. The deficit
// stays on the socialized loss account.
func (e *Engine) CancelDeleveraging(id uuid.UUID) error {
	e.adlMu.Lock()
	defer e.adlMu.Unlock()
	if _, err := e.actions.Get(id); err != nil {
		return err
	}
	return e.actions.CancelAction(id)
}

// DeleverageAction returns one action.
func (e *Engine) DeleverageAction(id uuid.UUID) (state.DeleverageAction, error) {
	return e.actions.Get(id)
}

// DeleverageActions returns open actions of m, or of every market when m is 0.
func (e *Engine) DeleverageActions(m market.MarketID) []state.DeleverageAction {
	return e.actions.Open(m)
}

// PruneDeleverageActions drops terminal actions older than retain.
func (e *Engine) PruneDeleverageActions(retain time.Duration) int {
	return e.actions.CleanupTerminal(e.now().Add(-retain))
}

// LiquidationCandidates returns every account whose margin ratio is at or
// below zero at current prices. Accounts that cannot be valued are skipped
// and reported through the joined error.
func (e *Engine) LiquidationCandidates(ctx context.Context) ([]AccountView, error) {
	var (
		out  []AccountView
		errs []error
	)
	for _, owner := range e.book.Owners() {
		view, err := e.Account(ctx, owner)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", owner, err))
			continue
		}
		if view.Metrics.Liquidatable() {
			out = append(out, view)
		}
	}
	return out, errors.Join(errs...)
}
