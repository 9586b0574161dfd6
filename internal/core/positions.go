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

// OpenPosition opens a new isolated-entry position inside the owner's cross
// margin account and returns it.
func (e *Engine) OpenPosition(ctx context.Context, req OpenRequest) (PositionResult, error) {
	start := time.Now()
	res, err := idempotent(ctx, e.idempotency, "open", req.Owner, req.RequestID, func() (PositionResult, bool, error) {
		r, err := e.openPosition(ctx, req)
		return r, err == nil, err
	})
	e.observe("open", start, err)
	return res, err
}

func (e *Engine) openPosition(ctx context.Context, req OpenRequest) (PositionResult, error) {
	if req.Owner == uuid.Nil {
		return PositionResult{}, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	if req.Side != event.SideLong && req.Side != event.SideShort {
		return PositionResult{}, fmt.Errorf("%w: side must be long or short", ErrInvalidArgument)
	}
	if !req.Size.IsPositive() {
		return PositionResult{}, fmt.Errorf("%w: size %s", state.ErrInvalidSize, req.Size)
	}
	if !req.Collateral.IsPositive() {
		return PositionResult{}, fmt.Errorf("%w: collateral must be positive", ErrInvalidArgument)
	}

	cfg, err := e.activeMarket(ctx, req.Market)
	if err != nil {
		return PositionResult{}, err
	}
	if req.Leverage.LessThan(fpmath.One) || req.Leverage.GreaterThan(cfg.MaxLeverage) {
		return PositionResult{}, fmt.Errorf("%w: %s not in [1, %s]", state.ErrInvalidLeverage, req.Leverage, cfg.MaxLeverage)
	}
	if err := e.breaker.Check(cfg.ID); err != nil {
		return PositionResult{}, err
	}

	unlock := e.lockAccount(req.Owner)
	defer unlock()

	if err := e.checkVersion(req.Owner, req.ExpectedVersion); err != nil {
		return PositionResult{}, err
	}

	snap := e.snapshot(req.Owner)
	d, err := e.loadDecision(ctx, &snap, cfg.ID)
	if err != nil {
		return PositionResult{}, err
	}
	// observing the entry price may have tripped the market
	if err := e.breaker.Check(cfg.ID); err != nil {
		return PositionResult{}, err
	}
	price, err := d.prices.Mark(cfg.ID, req.Side.Sign())
	if err != nil {
		return PositionResult{}, err
	}

	notional, err := fpmath.Notional(req.Size, price)
	if err != nil {
		return PositionResult{}, err
	}
	required, err := fpmath.InitialMargin(notional, req.Leverage, cfg.InitialMarginRate)
	if err != nil {
		return PositionResult{}, err
	}
	if req.Collateral.LessThan(required) {
		return PositionResult{}, fmt.Errorf("%w: collateral %s below initial margin %s", state.ErrInsufficientMargin, req.Collateral, required)
	}
	if free := snap.Balances[cfg.QuoteAsset].Free; free.LessThan(req.Collateral) {
		return PositionResult{}, fmt.Errorf("%w: free collateral %s below %s", state.ErrInsufficientMargin, free, req.Collateral)
	}

	now := e.now()
	p := state.Position{
		PositionID:      uuid.New(),
		Owner:           req.Owner,
		Market:          cfg.ID,
		Side:            req.Side,
		Size:            req.Size,
		EntryPrice:      price,
		Collateral:      req.Collateral,
		CollateralAsset: cfg.QuoteAsset,
		Leverage:        req.Leverage,
		OpenedAt:        now,
		LastFundingTime: now,
		RealizedPnL:     fpmath.Zero,
		FundingPaid:     fpmath.Zero,
		UnpaidFunding:   fpmath.Zero,
	}

	batch, err := e.journals.NewBatch("open", req.RequestID).
		Reserve(req.Owner, cfg.QuoteAsset, req.Collateral, cfg.ID, p.PositionID).
		Build()
	if err != nil {
		return PositionResult{}, err
	}

	after := projected(snap, batch, &p, uuid.Nil)
	metrics, err := e.margin.Evaluate(&after, d.rv, d.prices)
	if err != nil {
		return PositionResult{}, err
	}
	if !metrics.Ratio.IsPositive() {
		return PositionResult{}, fmt.Errorf("%w: margin ratio %s after open", state.ErrInsufficientMargin, metrics.Ratio)
	}
	p.LiquidationState = state.ClassifyRatio(metrics.Ratio, cfg.WarningMarginRatio)

	if err := e.balances.ApplyBatch(batch); err != nil {
		return PositionResult{}, fmt.Errorf("open: %w", err)
	}
	if err := e.book.Insert(p); err != nil {
		panic(fmt.Sprintf("FATAL: position insert after applied batch %s: %v", batch.BatchID, err))
	}
	e.checkReserved(req.Owner)

	e.emit(req.Owner, req.RequestID, batch, &event.PositionOpened{
		PositionID: p.PositionID,
		Owner:      p.Owner,
		Market:     p.Market,
		Side:       p.Side,
		Size:       p.Size,
		EntryPrice: p.EntryPrice,
		Collateral: p.Collateral,
		Leverage:   p.Leverage,
	})
	e.breaker.ObserveVolume(cfg.ID, notional)
	e.recordOpenInterest(cfg.ID)

	e.logger.Debug().
		Str("owner", req.Owner.String()).
		Str("position", p.PositionID.String()).
		Str("market", cfg.Symbol).
		Str("side", p.Side.String()).
		Str("size", p.Size.String()).
		Str("price", price.String()).
		Msg("position opened")

	return PositionResult{Position: p, Price: price, RealizedPnL: fpmath.Zero, Released: fpmath.Zero, Account: metrics}, nil
}

// ModifyPosition increases or reduces size and adds or removes margin.
// Pending funding is applied first.
func (e *Engine) ModifyPosition(ctx context.Context, req ModifyRequest) (PositionResult, error) {
	start := time.Now()
	res, err := idempotent(ctx, e.idempotency, "modify", req.Owner, req.RequestID, func() (PositionResult, bool, error) {
		r, err := e.modifyPosition(ctx, req)
		return r, err == nil, err
	})
	e.observe("modify", start, err)
	return res, err
}

func (e *Engine) modifyPosition(ctx context.Context, req ModifyRequest) (PositionResult, error) {
	if req.SizeDelta.IsZero() && req.CollateralDelta.IsZero() {
		return PositionResult{}, fmt.Errorf("%w: nothing to modify", ErrInvalidArgument)
	}

	unlock := e.lockAccount(req.Owner)
	defer unlock()

	if err := e.checkVersion(req.Owner, req.ExpectedVersion); err != nil {
		return PositionResult{}, err
	}
	p, err := e.ownedPosition(req.Owner, req.PositionID)
	if err != nil {
		return PositionResult{}, err
	}
	if req.SizeDelta.IsNegative() && req.SizeDelta.Abs().Cmp(p.Size) >= 0 {
		return PositionResult{}, fmt.Errorf("%w: reduction %s covers the whole position, close it instead", state.ErrInvalidSize, req.SizeDelta.Abs())
	}

	snap := e.snapshot(req.Owner)
	d, err := e.loadDecision(ctx, &snap)
	if err != nil {
		return PositionResult{}, err
	}
	cfg, err := d.rv.Market(p.Market)
	if err != nil {
		return PositionResult{}, err
	}

	b := e.journals.NewBatch("modify", req.RequestID)
	free := snap.Balances[p.CollateralAsset].Free
	fo, err := e.applyFunding(b, &p, free)
	if err != nil {
		return PositionResult{}, err
	}
	free, _ = fpmath.Sub(free, fo.fromFree)

	price, err := d.prices.Mark(p.Market, p.Sign())
	if err != nil {
		return PositionResult{}, err
	}

	res := PositionResult{Price: price, RealizedPnL: fpmath.Zero, Released: fpmath.Zero, Funding: fo.applied}
	needsCheck := false
	volume := fpmath.Zero

	switch {
	case req.SizeDelta.IsPositive():
		if !cfg.Active {
			return PositionResult{}, fmt.Errorf("%w: %s", market.ErrMarketInactive, cfg.Symbol)
		}
		if err := e.breaker.Check(p.Market); err != nil {
			return PositionResult{}, err
		}
		if p.EntryPrice, err = fpmath.AvgEntryPrice(p.Size, p.EntryPrice, req.SizeDelta, price); err != nil {
			return PositionResult{}, err
		}
		if p.Size, err = fpmath.Add(p.Size, req.SizeDelta); err != nil {
			return PositionResult{}, err
		}
		needsCheck = true
		volume, _ = fpmath.Notional(req.SizeDelta, price)

	case req.SizeDelta.IsNegative():
		out, err := e.reduce(b, &p, req.SizeDelta.Abs(), price, free, fpmath.Zero)
		if err != nil {
			return PositionResult{}, err
		}
		free, _ = fpmath.Sub(free, out.fromFree)
		res.RealizedPnL, res.Released = out.realized, out.released
		volume, _ = fpmath.Notional(req.SizeDelta.Abs(), price)
	}

	switch {
	case req.CollateralDelta.IsPositive():
		if free.LessThan(req.CollateralDelta) {
			return PositionResult{}, fmt.Errorf("%w: free collateral %s below %s", state.ErrInsufficientMargin, free, req.CollateralDelta)
		}
		b.Reserve(p.Owner, p.CollateralAsset, req.CollateralDelta, p.Market, p.PositionID)
		p.Collateral, _ = fpmath.Add(p.Collateral, req.CollateralDelta)

	case req.CollateralDelta.IsNegative():
		amount := req.CollateralDelta.Abs()
		if amount.GreaterThan(p.Collateral) {
			return PositionResult{}, fmt.Errorf("%w: removing %s from %s", state.ErrInsufficientMargin, amount, p.Collateral)
		}
		b.Release(p.Owner, p.CollateralAsset, amount, p.Market, p.PositionID)
		p.Collateral, _ = fpmath.Sub(p.Collateral, amount)
		needsCheck = true
	}

	if needsCheck {
		notional, err := p.Notional(price)
		if err != nil {
			return PositionResult{}, err
		}
		required, err := fpmath.InitialMargin(notional, p.Leverage, cfg.InitialMarginRate)
		if err != nil {
			return PositionResult{}, err
		}
		if p.Collateral.LessThan(required) {
			return PositionResult{}, fmt.Errorf("%w: collateral %s below initial margin %s", state.ErrInsufficientMargin, p.Collateral, required)
		}
	}

	batch, err := buildOptional(b)
	if err != nil {
		return PositionResult{}, err
	}
	after := projected(snap, batch, &p, uuid.Nil)
	metrics, err := e.margin.Evaluate(&after, d.rv, d.prices)
	if err != nil {
		return PositionResult{}, err
	}
	if needsCheck && !metrics.Ratio.IsPositive() {
		return PositionResult{}, fmt.Errorf("%w: margin ratio %s after modify", state.ErrInsufficientMargin, metrics.Ratio)
	}
	e.classify(&p, metrics.Ratio, cfg.WarningMarginRatio)

	if batch != nil {
		if err := e.balances.ApplyBatch(batch); err != nil {
			return PositionResult{}, fmt.Errorf("modify: %w", err)
		}
	}
	updated, err := e.book.Update(p)
	if err != nil {
		panic(fmt.Sprintf("FATAL: position update after applied batch: %v", err))
	}
	e.checkReserved(req.Owner)

	events := fundingEvents(fo.applied)
	events = append(events, &event.PositionModified{
		PositionID:      updated.PositionID,
		Owner:           updated.Owner,
		Market:          updated.Market,
		Version:         updated.Version,
		SizeDelta:       req.SizeDelta,
		CollateralDelta: req.CollateralDelta,
		Price:           price,
		RealizedPnL:     res.RealizedPnL,
		Size:            updated.Size,
		EntryPrice:      updated.EntryPrice,
		Collateral:      updated.Collateral,
	})
	e.emit(req.Owner, req.RequestID, batch, events...)
	if volume.IsPositive() {
		e.breaker.ObserveVolume(updated.Market, volume)
	}
	e.recordOpenInterest(updated.Market)

	res.Position = updated
	res.Account = metrics
	return res, nil
}

// ClosePosition closes the whole position at the current (conservative when
// tripped) mark, settling unpaid funding.
func (e *Engine) ClosePosition(ctx context.Context, req CloseRequest) (PositionResult, error) {
	start := time.Now()
	res, err := idempotent(ctx, e.idempotency, "close", req.Owner, req.RequestID, func() (PositionResult, bool, error) {
		r, err := e.closePosition(ctx, req)
		return r, err == nil, err
	})
	e.observe("close", start, err)
	return res, err
}

func (e *Engine) closePosition(ctx context.Context, req CloseRequest) (PositionResult, error) {
	unlock := e.lockAccount(req.Owner)
	defer unlock()

	if err := e.checkVersion(req.Owner, req.ExpectedVersion); err != nil {
		return PositionResult{}, err
	}
	p, err := e.ownedPosition(req.Owner, req.PositionID)
	if err != nil {
		return PositionResult{}, err
	}

	snap := e.snapshot(req.Owner)
	d, err := e.loadDecision(ctx, &snap)
	if err != nil {
		return PositionResult{}, err
	}

	b := e.journals.NewBatch("close", req.RequestID)
	free := snap.Balances[p.CollateralAsset].Free
	fo, err := e.applyFunding(b, &p, free)
	if err != nil {
		return PositionResult{}, err
	}
	free, _ = fpmath.Sub(free, fo.fromFree)

	price, err := d.prices.Mark(p.Market, p.Sign())
	if err != nil {
		return PositionResult{}, err
	}
	closed := p.Size
	out, err := e.reduce(b, &p, closed, price, free, fpmath.Zero)
	if err != nil {
		return PositionResult{}, err
	}

	batch, err := buildOptional(b)
	if err != nil {
		return PositionResult{}, err
	}
	after := projected(snap, batch, nil, p.PositionID)
	metrics, err := e.margin.Evaluate(&after, d.rv, d.prices)
	if err != nil {
		return PositionResult{}, err
	}
	if err := p.Transition(state.LiquidationStateClosed); err != nil {
		return PositionResult{}, err
	}

	if batch != nil {
		if err := e.balances.ApplyBatch(batch); err != nil {
			return PositionResult{}, fmt.Errorf("close: %w", err)
		}
	}
	e.book.Remove(p.PositionID)
	e.checkReserved(req.Owner)

	events := fundingEvents(fo.applied)
	events = append(events, &event.PositionClosed{
		PositionID:  p.PositionID,
		Owner:       p.Owner,
		Market:      p.Market,
		Size:        closed,
		ClosePrice:  price,
		RealizedPnL: out.realized,
		Released:    out.released,
	})
	e.emit(req.Owner, req.RequestID, batch, events...)
	if volume, err := fpmath.Notional(closed, price); err == nil {
		e.breaker.ObserveVolume(p.Market, volume)
	}
	e.recordOpenInterest(p.Market)

	return PositionResult{
		Position:    p,
		Price:       price,
		RealizedPnL: out.realized,
		Released:    out.released,
		Funding:     fo.applied,
		Account:     metrics,
	}, nil
}

