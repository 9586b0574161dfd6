package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpRisk/internal/circuit"
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"
)

// PriceOracle returns validated aggregated prices. *oracle.Aggregator is the
// production implementation.
type PriceOracle interface {
	Price(ctx context.Context, asset market.AssetID) (oracle.AggregatedPrice, error)
}

type Config struct {
	DeficitPolicy        state.DeficitPolicy
	IdempotencyCacheSize int
	// OutboxRetain is how many envelopes stay available for refetch.
	OutboxRetain int
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func DefaultConfig() Config {
	return Config{
		DeficitPolicy:        state.DeficitInsuranceFirst,
		IdempotencyCacheSize: 100_000,
		OutboxRetain:         10_000,
	}
}

// Deps are the collaborators of the engine. Markets and Oracle are
// required; a Breaker with default thresholds is created when nil.
type Deps struct {
	Markets     market.Source
	Oracle      PriceOracle
	Breaker     *circuit.Breaker
	Registry    *market.Registry
	Idempotency DBIdempotencyChecker
	Logger      zerolog.Logger
	Metrics     *observability.Metrics
}

// Engine orchestrates every risk operation. Mutations of one account are
// serialized by that account's mutex; the ledger, the position book and the
// funding epochs carry their own locks. Prices are fetched per operation and
// used for both the precondition and the effect.
type Engine struct {
	cfg      Config
	markets  market.Source
	oracle   PriceOracle
	breaker  *circuit.Breaker
	registry *market.Registry

	balances  *ledger.BalanceTracker
	journals  *ledger.JournalGenerator
	validator *ledger.InvariantValidator
	book      *state.PositionBook
	funding   *state.FundingManager
	margin    *state.MarginCalculator
	insurance *state.InsuranceFund
	planner   *state.LiquidationPlanner
	actions   *state.PositionActionManager

	locksMu sync.RWMutex
	locks   map[uuid.UUID]*sync.Mutex

	// insuranceMu covers read-plan-apply of insurance draws. Lock order is
	// account, then insurance.
	insuranceMu sync.Mutex
	// adlMu runs one deleveraging action at a time.
	adlMu sync.Mutex

	idempotency *IdempotencyChecker
	outbox      *Outbox

	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Markets == nil {
		return nil, errors.New("engine: market source is required")
	}
	if deps.Oracle == nil {
		return nil, errors.New("engine: price oracle is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IdempotencyCacheSize <= 0 {
		cfg.IdempotencyCacheSize = DefaultConfig().IdempotencyCacheSize
	}
	if deps.Registry == nil {
		deps.Registry = market.NewRegistry()
	}
	if deps.Breaker == nil {
		bc := circuit.DefaultConfig()
		bc.Clock = cfg.Clock
		deps.Breaker = circuit.New(bc, deps.Registry, deps.Logger, deps.Metrics)
	}

	idem, err := NewIdempotencyChecker(cfg.IdempotencyCacheSize, deps.Idempotency, deps.Logger, deps.Metrics)
	if err != nil {
		return nil, err
	}

	balances := ledger.NewBalanceTracker()
	funding := state.NewFundingManager()
	insurance := state.NewInsuranceFund(cfg.DeficitPolicy)

	e := &Engine{
		cfg:         cfg,
		markets:     deps.Markets,
		oracle:      deps.Oracle,
		breaker:     deps.Breaker,
		registry:    deps.Registry,
		balances:    balances,
		journals:    ledger.NewJournalGenerator(cfg.Clock),
		validator:   ledger.NewInvariantValidator(balances, deps.Registry),
		book:        state.NewPositionBook(),
		funding:     funding,
		margin:      state.NewMarginCalculator(funding),
		insurance:   insurance,
		planner:     state.NewLiquidationPlanner(insurance),
		actions:     state.NewPositionActionManager(cfg.Clock),
		locks:       make(map[uuid.UUID]*sync.Mutex),
		idempotency: idem,
		outbox:      NewOutbox(cfg.OutboxRetain, deps.Logger, deps.Metrics),
		now:         cfg.Clock,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
	}
	e.breaker.OnTrip(e.onCircuitTrip)
	e.breaker.OnReset(e.onCircuitReset)
	return e, nil
}

// Outbox returns the envelope stream consumed by persistence and the
// intent publisher.
func (e *Engine) Outbox() *Outbox {
	return e.outbox
}

// Breaker returns the circuit breaker gating this engine.
func (e *Engine) Breaker() *circuit.Breaker {
	return e.breaker
}

// Idempotency returns the request dedup cache.
func (e *Engine) Idempotency() *IdempotencyChecker {
	return e.idempotency
}

// --- Requests ---

type OpenRequest struct {
	RequestID       string
	Owner           uuid.UUID
	Market          market.MarketID
	Side            event.Side
	Size            fpmath.Value
	Collateral      fpmath.Value
	Leverage        fpmath.Value
	ExpectedVersion *uint64
}

// ModifyRequest changes size and/or collateral. A positive SizeDelta
// increases exposure, a negative one reduces it.
type ModifyRequest struct {
	RequestID       string
	Owner           uuid.UUID
	PositionID      uuid.UUID
	SizeDelta       fpmath.Value
	CollateralDelta fpmath.Value
	ExpectedVersion *uint64
}

type CloseRequest struct {
	RequestID       string
	Owner           uuid.UUID
	PositionID      uuid.UUID
	ExpectedVersion *uint64
}

type DepositRequest struct {
	RequestID string
	Owner     uuid.UUID
	Asset     market.AssetID
	Amount    fpmath.Value
}

type WithdrawRequest struct {
	RequestID       string
	Owner           uuid.UUID
	Asset           market.AssetID
	Amount          fpmath.Value
	ExpectedVersion *uint64
}

type InsuranceRequest struct {
	RequestID string
	Asset     market.AssetID
	Amount    fpmath.Value
}

// PositionResult is returned by open, modify and close.
type PositionResult struct {
	Position    state.Position
	Price       fpmath.Value
	RealizedPnL fpmath.Value
	Released    fpmath.Value
	Funding     *event.FundingApplied
	Account     state.AccountMetrics
}

// BalanceResult is returned by deposits and withdrawals.
type BalanceResult struct {
	Balance ledger.UserBalance
	Version uint64
}

// AccountView is a consistent read of one account.
type AccountView struct {
	Snapshot state.AccountSnapshot
	Metrics  state.AccountMetrics
}

// --- Reads ---

// Account returns the owner's snapshot valued at current prices. Pending
// funding is included but not applied.
func (e *Engine) Account(ctx context.Context, owner uuid.UUID) (AccountView, error) {
	unlock := e.lockAccount(owner)
	snap := e.snapshot(owner)
	unlock()

	d, err := e.readDecision(ctx, &snap)
	if err != nil {
		return AccountView{}, err
	}
	metrics, err := e.margin.Evaluate(&snap, d.rv, d.prices)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{Snapshot: snap, Metrics: metrics}, nil
}

// ComputeAccountValue returns collateral value plus unrealized PnL minus
// funding owed.
func (e *Engine) ComputeAccountValue(ctx context.Context, owner uuid.UUID) (fpmath.Value, error) {
	view, err := e.Account(ctx, owner)
	if err != nil {
		return fpmath.Zero, err
	}
	return view.Metrics.Value, nil
}

// ComputeMarginRatio returns (value - maintenance) / value.
func (e *Engine) ComputeMarginRatio(ctx context.Context, owner uuid.UUID) (fpmath.Value, error) {
	view, err := e.Account(ctx, owner)
	if err != nil {
		return fpmath.Zero, err
	}
	return view.Metrics.Ratio, nil
}

// LiquidationPrice returns the isolated liquidation price of one position.
func (e *Engine) LiquidationPrice(ctx context.Context, owner, positionID uuid.UUID) (fpmath.Value, error) {
	p, err := e.ownedPosition(owner, positionID)
	if err != nil {
		return fpmath.Zero, err
	}
	cfg, err := e.markets.Market(ctx, p.Market)
	if err != nil {
		return fpmath.Zero, err
	}
	return p.LiquidationPrice(cfg.MaintenanceMarginRate)
}

// Position returns a copy of one of owner's positions.
func (e *Engine) Position(owner, positionID uuid.UUID) (state.Position, error) {
	return e.ownedPosition(owner, positionID)
}

// Balances returns the owner's free and reserved balances per asset.
func (e *Engine) Balances(owner uuid.UUID) map[market.AssetID]ledger.UserBalance {
	return e.balances.GetUserBalances(owner)
}

// InsuranceBalance returns the insurance fund balance in asset.
func (e *Engine) InsuranceBalance(asset market.AssetID) fpmath.Value {
	return e.balances.GetInsuranceBalance(asset)
}

// OpenInterest returns total long and short size in m.
func (e *Engine) OpenInterest(m market.MarketID) (long, short fpmath.Value) {
	return e.book.OpenInterest(m)
}

// VerifyLedger checks the zero-sum and non-negativity invariants.
func (e *Engine) VerifyLedger() error {
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	return e.validator.ValidateNonNegative()
}

// --- Helpers ---

func (e *Engine) lockAccount(owner uuid.UUID) func() {
	e.locksMu.RLock()
	mu := e.locks[owner]
	e.locksMu.RUnlock()
	if mu == nil {
		e.locksMu.Lock()
		if mu = e.locks[owner]; mu == nil {
			mu = &sync.Mutex{}
			e.locks[owner] = mu
		}
		e.locksMu.Unlock()
	}
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) checkVersion(owner uuid.UUID, expected *uint64) error {
	if expected == nil {
		return nil
	}
	if current := e.book.AccountVersion(owner); current != *expected {
		if e.metrics != nil {
			e.metrics.StaleStateRejects.Inc()
		}
		return fmt.Errorf("%w: account %s at version %d, expected %d", state.ErrStaleState, owner, current, *expected)
	}
	return nil
}

func (e *Engine) snapshot(owner uuid.UUID) state.AccountSnapshot {
	snap := e.book.Account(owner)
	snap.Balances = e.balances.GetUserBalances(owner)
	return snap
}

func (e *Engine) ownedPosition(owner, id uuid.UUID) (state.Position, error) {
	p, ok := e.book.Get(id)
	if !ok || p.Owner != owner {
		return state.Position{}, fmt.Errorf("%w: %s", state.ErrPositionNotFound, id)
	}
	return p, nil
}

func (e *Engine) activeMarket(ctx context.Context, id market.MarketID) (market.Config, error) {
	cfg, err := e.markets.Market(ctx, id)
	if err != nil {
		return market.Config{}, err
	}
	if !cfg.Active {
		return market.Config{}, fmt.Errorf("%w: %s", market.ErrMarketInactive, cfg.Symbol)
	}
	return cfg, nil
}

// decision holds the configuration and prices of one operation.
type decision struct {
	rv     *state.RiskView
	prices *state.PriceSet
}

// loadDecision reads the markets of the account plus extra, their marks and
// the prices of every non-native collateral the account holds. The marks
// are fed to the breaker.
func (e *Engine) loadDecision(ctx context.Context, snap *state.AccountSnapshot, extra ...market.MarketID) (*decision, error) {
	return e.decide(ctx, snap, true, extra...)
}

// readDecision is loadDecision for queries. The breaker only sees marks
// of operations that move funds, so reads never shift its reference.
func (e *Engine) readDecision(ctx context.Context, snap *state.AccountSnapshot) (*decision, error) {
	return e.decide(ctx, snap, false)
}

func (e *Engine) decide(ctx context.Context, snap *state.AccountSnapshot, observe bool, extra ...market.MarketID) (*decision, error) {
	ids := make([]market.MarketID, 0, len(snap.Positions)+len(extra))
	seen := make(map[market.MarketID]bool)
	for _, p := range snap.Positions {
		if !seen[p.Market] {
			seen[p.Market] = true
			ids = append(ids, p.Market)
		}
	}
	for _, m := range extra {
		if !seen[m] {
			seen[m] = true
			ids = append(ids, m)
		}
	}

	rv, err := state.LoadRiskView(ctx, e.markets, ids...)
	if err != nil {
		return nil, err
	}
	prices := state.NewPriceSet()
	for _, id := range ids {
		cfg, err := rv.Market(id)
		if err != nil {
			return nil, err
		}
		if err := e.loadMark(ctx, prices, cfg, observe); err != nil {
			return nil, err
		}
	}
	for asset, bal := range snap.Balances {
		if bal.Free.IsZero() && bal.Reserved.IsZero() {
			continue
		}
		col, err := rv.Collateral(asset)
		if err != nil {
			return nil, err
		}
		if col.Native {
			continue
		}
		p, err := e.oracle.Price(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("collateral %s: %w", e.registry.AssetName(asset), err)
		}
		prices.SetAsset(asset, p.Price)
	}
	return &decision{rv: rv, prices: prices}, nil
}

// loadMark fetches the mark of cfg, feeding it to the breaker when observe
// is set. Marks of tripped markets resolve conservatively.
func (e *Engine) loadMark(ctx context.Context, prices *state.PriceSet, cfg market.Config, observe bool) error {
	p, err := e.oracle.Price(ctx, cfg.BaseAsset)
	if err != nil {
		return fmt.Errorf("mark %s: %w", cfg.Symbol, err)
	}
	if !observe {
		return prices.SetMark(cfg.ID, p, e.breaker.IsTripped(cfg.ID))
	}
	st := e.breaker.ObservePrice(cfg.ID, p.Price)
	return prices.SetMark(cfg.ID, p, st.Tripped)
}

type fundingOutcome struct {
	applied  *event.FundingApplied // nil when nothing was settled
	fromFree fpmath.Value
}

// applyFunding settles pending epochs plus earlier unpaid funding of p into
// b. Payments come out of the position collateral, then free collateral;
// whatever is left accrues as UnpaidFunding.
func (e *Engine) applyFunding(b *ledger.BatchBuilder, p *state.Position, free fpmath.Value) (fundingOutcome, error) {
	out := fundingOutcome{fromFree: fpmath.Zero}
	pending, err := e.funding.Pending(p)
	if err != nil {
		return out, err
	}
	if pending.Epochs == 0 && !p.UnpaidFunding.IsPositive() {
		return out, nil
	}

	owed, err := fpmath.Add(pending.Amount, p.UnpaidFunding)
	if err != nil {
		return out, err
	}
	collected, unpaid := owed, fpmath.Zero

	switch {
	case owed.IsNegative():
		received := owed.Neg()
		b.Funding(p.Owner, p.CollateralAsset, received, p.Market, p.PositionID)
		if p.Collateral, err = fpmath.Add(p.Collateral, received); err != nil {
			return out, err
		}

	case owed.IsPositive():
		fromPosition := fpmath.Min(owed, fpmath.Max(p.Collateral, fpmath.Zero))
		rest, _ := fpmath.Sub(owed, fromPosition)
		out.fromFree = fpmath.Min(rest, fpmath.Max(free, fpmath.Zero))
		unpaid, _ = fpmath.Sub(rest, out.fromFree)
		collected, _ = fpmath.Add(fromPosition, out.fromFree)

		b.CoverFromFree(p.Owner, p.CollateralAsset, out.fromFree, p.Market, p.PositionID)
		b.Funding(p.Owner, p.CollateralAsset, collected.Neg(), p.Market, p.PositionID)
		p.Collateral, _ = fpmath.Sub(p.Collateral, fromPosition)
	}

	if pending.Epochs > 0 {
		p.LastFundingTime = pending.Through
	}
	if p.FundingPaid, err = fpmath.Add(p.FundingPaid, collected); err != nil {
		return out, err
	}
	p.UnpaidFunding = unpaid

	if unpaid.IsPositive() {
		if e.metrics != nil {
			e.metrics.FundingUnpaid.WithLabelValues(e.registry.MarketName(p.Market)).Inc()
		}
		e.logger.Warn().
			Str("position", p.PositionID.String()).
			Str("unpaid", unpaid.String()).
			Msg("funding payment not fully collectable")
	}

	out.applied = &event.FundingApplied{
		PositionID: p.PositionID,
		Owner:      p.Owner,
		Market:     p.Market,
		FromEpoch:  pending.FromEpoch,
		ToEpoch:    pending.ToEpoch,
		Amount:     collected,
		Unpaid:     unpaid,
	}
	return out, nil
}

type reduceOutcome struct {
	realized fpmath.Value
	released fpmath.Value
	fromFree fpmath.Value
}

// reduce closes closeSize of p at price. The collateral allocated to the
// closed size plus realized PnL, less withheld, is released to free
// collateral; a full close settles unpaid funding first. A loss beyond the
// allocation is taken from the remaining position collateral, then from free
// collateral, and fails with ErrInsufficientMargin beyond that.
func (e *Engine) reduce(b *ledger.BatchBuilder, p *state.Position, closeSize, price, free, withheld fpmath.Value) (reduceOutcome, error) {
	full := closeSize.Cmp(p.Size) >= 0
	if full {
		closeSize = p.Size
	}

	realized, err := fpmath.RealizedPnL(p.Sign(), p.EntryPrice, price, closeSize)
	if err != nil {
		return reduceOutcome{}, err
	}
	allocated := p.Collateral
	if !full {
		if allocated, err = fpmath.MulDiv(p.Collateral, closeSize, p.Size, fpmath.RoundDown); err != nil {
			return reduceOutcome{}, err
		}
	}
	unpaid := fpmath.Zero
	if full {
		unpaid = fpmath.Max(p.UnpaidFunding, fpmath.Zero)
	}

	net, err := fpmath.C(allocated).Add(realized).Sub(unpaid).Sub(withheld).Result()
	if err != nil {
		return reduceOutcome{}, err
	}
	remaining, err := fpmath.Sub(p.Collateral, allocated)
	if err != nil {
		return reduceOutcome{}, err
	}

	out := reduceOutcome{realized: realized, released: fpmath.Zero, fromFree: fpmath.Zero}
	b.RealizePnL(p.Owner, p.CollateralAsset, realized, p.Market, p.PositionID)
	b.Funding(p.Owner, p.CollateralAsset, unpaid.Neg(), p.Market, p.PositionID)

	if net.IsNegative() {
		shortfall := net.Neg()
		fromRemaining := fpmath.Min(shortfall, remaining)
		remaining, _ = fpmath.Sub(remaining, fromRemaining)
		shortfall, _ = fpmath.Sub(shortfall, fromRemaining)
		if shortfall.IsPositive() {
			if free.LessThan(shortfall) {
				return reduceOutcome{}, fmt.Errorf("%w: loss exceeds collateral by %s, position must be liquidated",
					state.ErrInsufficientMargin, shortfall)
			}
			b.CoverFromFree(p.Owner, p.CollateralAsset, shortfall, p.Market, p.PositionID)
			out.fromFree = shortfall
		}
	} else {
		b.Release(p.Owner, p.CollateralAsset, net, p.Market, p.PositionID)
		out.released = net
	}

	p.Size, _ = fpmath.Sub(p.Size, closeSize)
	p.Collateral = remaining
	p.RealizedPnL, _ = fpmath.Add(p.RealizedPnL, realized)
	if full {
		p.FundingPaid, _ = fpmath.Add(p.FundingPaid, unpaid)
		p.UnpaidFunding = fpmath.Zero
	}
	return out, nil
}

// classify moves p to the state matching ratio when the transition is
// allowed.
func (e *Engine) classify(p *state.Position, ratio, warning fpmath.Value) {
	next := state.ClassifyRatio(ratio, warning)
	if p.LiquidationState.CanTransitionTo(next) {
		p.LiquidationState = next
	}
}

// checkReserved enforces that the owner's reserved balance equals the sum
// of position collateral in every asset.
func (e *Engine) checkReserved(owner uuid.UUID) {
	sums := make(map[market.AssetID]fpmath.Value)
	for asset := range e.balances.GetUserBalances(owner) {
		sums[asset] = fpmath.Zero
	}
	for _, p := range e.book.Account(owner).Positions {
		sums[p.CollateralAsset], _ = fpmath.Add(sums[p.CollateralAsset], p.Collateral)
	}
	for asset, total := range sums {
		if err := e.validator.ValidateReserved(owner, asset, total); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}
}

// emit wraps events in envelopes and appends them to the outbox. The batch
// rides on the first envelope.
func (e *Engine) emit(owner uuid.UUID, requestID string, batch *ledger.Batch, events ...event.Event) {
	e.emitFor(owner, owner, requestID, batch, events...)
}

// emitFor is emit for requests submitted by someone other than owner.
func (e *Engine) emitFor(requester, owner uuid.UUID, requestID string, batch *ledger.Batch, events ...event.Event) {
	if len(events) == 0 {
		return
	}
	ts := e.now()
	envs := make([]*event.EventEnvelope, 0, len(events))
	for i, evt := range events {
		var b *ledger.Batch
		if i == 0 {
			b = batch
		}
		env := event.NewEnvelope(evt, owner, requestID, b, ts)
		env.Requester = requester
		envs = append(envs, env)
	}
	e.outbox.Append(envs...)
}

func (e *Engine) observe(op string, start time.Time, err error) {
	kind := Classify(err)
	if e.metrics != nil {
		e.metrics.OperationsTotal.WithLabelValues(op, kind.String()).Inc()
		e.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil && kind == KindInternal {
		e.logger.Error().Err(err).Str("op", op).Msg("operation failed")
	}
}

func (e *Engine) recordOpenInterest(m market.MarketID) {
	if e.metrics == nil {
		return
	}
	long, short := e.book.OpenInterest(m)
	name := e.registry.MarketName(m)
	e.metrics.OpenInterest.WithLabelValues(name, "long").Set(long.Decimal().InexactFloat64())
	e.metrics.OpenInterest.WithLabelValues(name, "short").Set(short.Decimal().InexactFloat64())
}

func (e *Engine) recordInsuranceBalance(balance fpmath.Value) {
	if e.metrics != nil {
		e.metrics.InsuranceFundBalance.Set(balance.Decimal().InexactFloat64())
	}
}

func fundingEvents(applied *event.FundingApplied) []event.Event {
	if applied == nil {
		return make([]event.Event, 0, 1)
	}
	return []event.Event{applied}
}

// buildOptional returns nil for a builder without journals.
func buildOptional(b *ledger.BatchBuilder) (*ledger.Batch, error) {
	if b.Len() == 0 {
		return nil, nil
	}
	return b.Build()
}

// projected returns snap as it would be after batch applies: balances of
// the owner adjusted, upsert replacing or adding a position and remove
// dropping one.
func projected(snap state.AccountSnapshot, batch *ledger.Batch, upsert *state.Position, remove uuid.UUID) state.AccountSnapshot {
	out := state.AccountSnapshot{
		Owner:     snap.Owner,
		Version:   snap.Version,
		Positions: make([]state.Position, 0, len(snap.Positions)+1),
		Balances:  make(map[market.AssetID]ledger.UserBalance, len(snap.Balances)),
	}
	for _, p := range snap.Positions {
		if p.PositionID != remove {
			out.Positions = append(out.Positions, p)
		}
	}
	for asset, bal := range snap.Balances {
		out.Balances[asset] = bal
	}
	if upsert != nil {
		replacePosition(&out, upsert)
	}
	if batch == nil {
		return out
	}
	for _, j := range batch.Journals {
		adjustBalance(&out, j.DebitAccount, j.Amount)
		adjustBalance(&out, j.CreditAccount, j.Amount.Neg())
	}
	return out
}

func adjustBalance(snap *state.AccountSnapshot, key ledger.AccountKey, delta fpmath.Value) {
	if key.Scope != ledger.AccountScopeUser || key.Owner() != snap.Owner {
		return
	}
	bal := snap.Balances[key.AssetID]
	bal.Asset = key.AssetID
	switch key.SubType {
	case ledger.SubTypeCollateral:
		bal.Free, _ = fpmath.Add(bal.Free, delta)
	case ledger.SubTypeReserved:
		bal.Reserved, _ = fpmath.Add(bal.Reserved, delta)
	}
	snap.Balances[key.AssetID] = bal
}

func replacePosition(snap *state.AccountSnapshot, p *state.Position) {
	for i := range snap.Positions {
		if snap.Positions[i].PositionID == p.PositionID {
			if p.IsFlat() {
				snap.Positions = append(snap.Positions[:i], snap.Positions[i+1:]...)
			} else {
				snap.Positions[i] = *p
			}
			return
		}
	}
	if !p.IsFlat() {
		snap.Positions = append(snap.Positions, *p)
	}
}
