package server

import (
	"cmp"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/metadata"

	"PerpRisk/internal/circuit"
	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/market"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"
)

// AdminTokenHeader carries the operator token, as gRPC metadata or as an
// HTTP header.
const AdminTokenHeader = "x-admin-token"

// ErrUnauthorized is returned by operator methods called without the admin
// token.
var ErrUnauthorized = errors.New("admin token required")

// RiskService is the request surface of the engine. Both transports call it;
// methods return engine errors unchanged and the transport maps them.
type RiskService struct {
	engine     *core.Engine
	prices     core.PriceOracle
	registry   *market.Registry
	attest     *oracle.FeedSource
	adminToken string
	now        func() time.Time
	logger     zerolog.Logger
}

// ServiceDeps are the collaborators of a RiskService. Attest is optional;
// without it AttestPrice is unavailable. An empty AdminToken disables every
// operator method.
type ServiceDeps struct {
	Engine     *core.Engine
	Prices     core.PriceOracle
	Registry   *market.Registry
	Attest     *oracle.FeedSource
	AdminToken string
	Clock      func() time.Time
	Logger     zerolog.Logger
}

func NewRiskService(deps ServiceDeps) *RiskService {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &RiskService{
		engine:     deps.Engine,
		prices:     deps.Prices,
		registry:   deps.Registry,
		attest:     deps.Attest,
		adminToken: deps.AdminToken,
		now:        deps.Clock,
		logger:     deps.Logger,
	}
}

// ============================================================================
// Positions
// ============================================================================

func (s *RiskService) OpenPosition(ctx context.Context, req *OpenPositionRequest) (*PositionResponse, error) {
	m, err := s.market(req.Market)
	if err != nil {
		return nil, err
	}
	side, err := event.ParseSide(req.Side)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
	}
	res, err := s.engine.OpenPosition(ctx, core.OpenRequest{
		RequestID:       req.RequestID,
		Owner:           req.Owner,
		Market:          m,
		Side:            side,
		Size:            req.Size,
		Collateral:      req.Collateral,
		Leverage:        req.Leverage,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return nil, err
	}
	return s.positionResponse(res), nil
}

func (s *RiskService) ModifyPosition(ctx context.Context, req *ModifyPositionRequest) (*PositionResponse, error) {
	res, err := s.engine.ModifyPosition(ctx, core.ModifyRequest{
		RequestID:       req.RequestID,
		Owner:           req.Owner,
		PositionID:      req.PositionID,
		SizeDelta:       req.SizeDelta,
		CollateralDelta: req.CollateralDelta,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return nil, err
	}
	return s.positionResponse(res), nil
}

func (s *RiskService) ClosePosition(ctx context.Context, req *ClosePositionRequest) (*PositionResponse, error) {
	res, err := s.engine.ClosePosition(ctx, core.CloseRequest{
		RequestID:       req.RequestID,
		Owner:           req.Owner,
		PositionID:      req.PositionID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return nil, err
	}
	return s.positionResponse(res), nil
}

func (s *RiskService) GetPosition(ctx context.Context, req *PositionRequest) (*PositionDetail, error) {
	p, err := s.engine.Position(req.Owner, req.PositionID)
	if err != nil {
		return nil, err
	}
	liq, err := s.engine.LiquidationPrice(ctx, req.Owner, req.PositionID)
	if err != nil {
		return nil, err
	}
	return &PositionDetail{Position: s.position(p), LiquidationPrice: liq}, nil
}

// ============================================================================
// Accounts & collateral
// ============================================================================

func (s *RiskService) GetAccount(ctx context.Context, req *AccountRequest) (*AccountResponse, error) {
	if req.Owner == uuid.Nil {
		return nil, fmt.Errorf("%w: owner is required", core.ErrInvalidArgument)
	}
	view, err := s.engine.Account(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	resp := &AccountResponse{
		Account:   s.account(view.Metrics),
		Positions: make([]Position, 0, len(view.Snapshot.Positions)),
		Balances:  s.balances(view.Snapshot.Balances),
	}
	for _, p := range view.Snapshot.Positions {
		resp.Positions = append(resp.Positions, s.position(p))
	}
	return resp, nil
}

func (s *RiskService) Deposit(ctx context.Context, req *CollateralRequest) (*BalanceResponse, error) {
	asset, err := s.asset(req.Asset)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Deposit(ctx, core.DepositRequest{
		RequestID: req.RequestID,
		Owner:     req.Owner,
		Asset:     asset,
		Amount:    req.Amount,
	})
	if err != nil {
		return nil, err
	}
	return s.balanceResponse(asset, res), nil
}

func (s *RiskService) Withdraw(ctx context.Context, req *CollateralRequest) (*BalanceResponse, error) {
	asset, err := s.asset(req.Asset)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Withdraw(ctx, core.WithdrawRequest{
		RequestID:       req.RequestID,
		Owner:           req.Owner,
		Asset:           asset,
		Amount:          req.Amount,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return nil, err
	}
	return s.balanceResponse(asset, res), nil
}

func (s *RiskService) FundInsurance(ctx context.Context, req *InsuranceRequest) (*InsuranceResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	asset, err := s.asset(req.Asset)
	if err != nil {
		return nil, err
	}
	balance, err := s.engine.FundInsurance(ctx, core.InsuranceRequest{
		RequestID: req.RequestID,
		Asset:     asset,
		Amount:    req.Amount,
	})
	if err != nil {
		return nil, err
	}
	return &InsuranceResponse{Asset: req.Asset, Balance: balance}, nil
}

func (s *RiskService) GetInsurance(ctx context.Context, req *PriceRequest) (*InsuranceResponse, error) {
	asset, err := s.asset(req.Asset)
	if err != nil {
		return nil, err
	}
	return &InsuranceResponse{Asset: req.Asset, Balance: s.engine.InsuranceBalance(asset)}, nil
}

// ============================================================================
// Prices
// ============================================================================

func (s *RiskService) GetPrice(ctx context.Context, req *PriceRequest) (*PriceResponse, error) {
	asset, err := s.asset(req.Asset)
	if err != nil {
		return nil, err
	}
	p, err := s.prices.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	resp := &PriceResponse{
		Asset:         req.Asset,
		Price:         p.Price,
		ConfidenceBps: p.ConfidenceBps,
		ComputedAt:    p.ComputedAt,
		Sources:       make([]string, 0, len(p.Sources)),
		Low:           p.Low,
		High:          p.High,
		Fallback:      p.Fallback,
	}
	for _, src := range p.Sources {
		resp.Sources = append(resp.Sources, s.registry.SourceName(src))
	}
	return resp, nil
}

// AttestPrice stores an operator quote on the attestation feed. The quote
// takes part in aggregation only where a policy lists that feed.
func (s *RiskService) AttestPrice(ctx context.Context, req *AttestPriceRequest) (*AttestPriceResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if s.attest == nil {
		return nil, fmt.Errorf("attestation feed: %w", oracle.ErrUnavailable)
	}
	asset, err := s.asset(req.Asset)
	if err != nil {
		return nil, err
	}
	if !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: attested price %s", core.ErrInvalidArgument, req.Price)
	}
	q := s.attest.Attest(oracle.Quote{
		Asset:         asset,
		Price:         req.Price,
		ConfidenceBps: req.ConfidenceBps,
		ObservedAt:    s.now(),
	})
	s.logger.Info().Str("asset", req.Asset).Str("price", q.Price.String()).
		Uint64("sequence", q.Sequence).Msg("price attested")
	return &AttestPriceResponse{
		Source:   s.registry.SourceName(q.Source),
		Asset:    req.Asset,
		Sequence: q.Sequence,
		At:       q.ObservedAt,
	}, nil
}

// ============================================================================
// Funding
// ============================================================================

func (s *RiskService) SettleFunding(ctx context.Context, req *SettleFundingRequest) (*FundingResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	at := req.At
	if at.IsZero() {
		at = s.now()
	}
	var results []core.FundingResult
	if req.Market == "" {
		all, err := s.engine.SettleAllFunding(ctx, at)
		if err != nil {
			return nil, err
		}
		results = all
	} else {
		m, err := s.market(req.Market)
		if err != nil {
			return nil, err
		}
		res, err := s.engine.SettleFunding(ctx, m, at)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	resp := &FundingResponse{Recorded: []FundingEpoch{}}
	for _, r := range results {
		resp.Missed += r.Missed
		for _, ep := range r.Recorded {
			resp.Recorded = append(resp.Recorded, s.epoch(ep))
		}
	}
	return resp, nil
}

func (s *RiskService) GetFundingEpochs(ctx context.Context, req *MarketRequest) (*FundingEpochsResponse, error) {
	m, err := s.market(req.Market)
	if err != nil {
		return nil, err
	}
	epochs := s.engine.FundingEpochs(m)
	resp := &FundingEpochsResponse{Epochs: make([]FundingEpoch, 0, len(epochs))}
	for _, ep := range epochs {
		resp.Epochs = append(resp.Epochs, s.epoch(ep))
	}
	return resp, nil
}

// ============================================================================
// Liquidation & deleveraging
// ============================================================================

// Liquidate runs one liquidation step. A committed step whose deficit
// exhausted the insurance fund is answered with InsuranceExhausted set.
func (s *RiskService) Liquidate(ctx context.Context, req *LiquidateRequest) (*LiquidationResponse, error) {
	res, err := s.engine.Liquidate(ctx, core.LiquidateRequest{
		RequestID:       req.RequestID,
		Liquidator:      req.Liquidator,
		Owner:           req.Owner,
		PositionID:      req.PositionID,
		Size:            req.Size,
		ExpectedVersion: req.ExpectedVersion,
	})
	exhausted := errors.Is(err, state.ErrInsuranceExhausted) && res.LiquidationID != uuid.Nil
	if err != nil && !exhausted {
		return nil, err
	}

	plan := res.Plan
	resp := &LiquidationResponse{
		LiquidationID:      res.LiquidationID,
		ClosedSize:         plan.CloseSize,
		RemainingSize:      plan.RemainingSize,
		Full:               plan.Full,
		Price:              plan.Price,
		RealizedPnL:        plan.RealizedPnL,
		Bonus:              plan.Bonus,
		FundingSettled:     plan.FundingSettled,
		Released:           plan.Released,
		Deficit:            plan.Coverage.Deficit,
		FromInsurance:      plan.Coverage.FromInsurance,
		Socialized:         plan.Coverage.Socialized,
		Position:           s.position(res.Position),
		Account:            s.account(res.Account),
		InsuranceExhausted: exhausted,
	}
	if res.Action != nil {
		a := s.action(*res.Action)
		resp.Deleverage = &a
	}
	if exhausted {
		s.logger.Warn().Str("liquidation_id", res.LiquidationID.String()).
			Str("socialized", plan.Coverage.Socialized.String()).Msg("insurance fund exhausted")
	}
	return resp, nil
}

func (s *RiskService) ExecuteDeleveraging(ctx context.Context, req *ActionRequest) (*DeleverageResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	res, err := s.engine.ExecuteDeleveraging(ctx, core.DeleverageRequest{
		RequestID: req.RequestID,
		ActionID:  req.ActionID,
	})
	exhausted := errors.Is(err, state.ErrInsuranceExhausted) && res.Action.ActionID != uuid.Nil
	if err != nil && !exhausted {
		return nil, err
	}
	resp := &DeleverageResponse{
		Action:             s.action(res.Action),
		Fills:              make([]DeleverageFill, 0, len(res.Fills)),
		InsuranceDraw:      res.InsuranceDraw,
		InsuranceExhausted: exhausted,
	}
	for _, f := range res.Fills {
		resp.Fills = append(resp.Fills, DeleverageFill(f))
	}
	return resp, nil
}

func (s *RiskService) CancelDeleveraging(ctx context.Context, req *ActionRequest) (*DeleverageAction, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if err := s.engine.CancelDeleveraging(req.ActionID); err != nil {
		return nil, err
	}
	a, err := s.engine.DeleverageAction(req.ActionID)
	if err != nil {
		return nil, err
	}
	out := s.action(a)
	return &out, nil
}

func (s *RiskService) GetDeleverageActions(ctx context.Context, req *MarketRequest) (*DeleverageActionsResponse, error) {
	m, err := s.market(req.Market)
	if err != nil {
		return nil, err
	}
	actions := s.engine.DeleverageActions(m)
	resp := &DeleverageActionsResponse{Actions: make([]DeleverageAction, 0, len(actions))}
	for _, a := range actions {
		resp.Actions = append(resp.Actions, s.action(a))
	}
	return resp, nil
}

func (s *RiskService) LiquidationCandidates(ctx context.Context, _ *CandidatesRequest) (*CandidatesResponse, error) {
	views, err := s.engine.LiquidationCandidates(ctx)
	if err != nil {
		return nil, err
	}
	resp := &CandidatesResponse{Accounts: make([]Account, 0, len(views))}
	for _, v := range views {
		resp.Accounts = append(resp.Accounts, s.account(v.Metrics))
	}
	return resp, nil
}

// ============================================================================
// Circuit breaker
// ============================================================================

func (s *RiskService) TripCircuit(ctx context.Context, req *CircuitRequest) (*Circuit, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	m, err := s.market(req.Market)
	if err != nil {
		return nil, err
	}
	st, err := s.engine.TripCircuit(ctx, m, req.Operator, req.Detail)
	if err != nil {
		return nil, err
	}
	out := s.circuit(st)
	return &out, nil
}

func (s *RiskService) ResetCircuit(ctx context.Context, req *CircuitRequest) (*Circuit, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	m, err := s.market(req.Market)
	if err != nil {
		return nil, err
	}
	st, err := s.engine.ResetCircuit(ctx, m, req.Reference, req.Operator)
	if err != nil {
		return nil, err
	}
	out := s.circuit(st)
	return &out, nil
}

func (s *RiskService) ListCircuits(ctx context.Context, _ *ListCircuitsRequest) (*ListCircuitsResponse, error) {
	states := s.engine.CircuitStates()
	resp := &ListCircuitsResponse{Circuits: make([]Circuit, 0, len(states))}
	for _, st := range states {
		resp.Circuits = append(resp.Circuits, s.circuit(st))
	}
	return resp, nil
}

// ============================================================================
// Helpers
// ============================================================================

// authorize checks the admin token in the incoming metadata.
func (s *RiskService) authorize(ctx context.Context) error {
	if s.adminToken == "" {
		return ErrUnauthorized
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, tok := range md.Get(AdminTokenHeader) {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(s.adminToken)) == 1 {
			return nil
		}
	}
	return ErrUnauthorized
}

func (s *RiskService) market(symbol string) (market.MarketID, error) {
	if symbol == "" {
		return 0, fmt.Errorf("%w: market is required", core.ErrInvalidArgument)
	}
	m, ok := s.registry.LookupMarket(symbol)
	if !ok {
		return 0, fmt.Errorf("%w: %s", market.ErrUnknownMarket, symbol)
	}
	return m, nil
}

func (s *RiskService) asset(name string) (market.AssetID, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: asset is required", core.ErrInvalidArgument)
	}
	a, ok := s.registry.LookupAsset(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", market.ErrUnknownCollateral, name)
	}
	return a, nil
}

func (s *RiskService) positionResponse(res core.PositionResult) *PositionResponse {
	resp := &PositionResponse{
		Position:    s.position(res.Position),
		Price:       res.Price,
		RealizedPnL: res.RealizedPnL,
		Released:    res.Released,
		Account:     s.account(res.Account),
	}
	if f := res.Funding; f != nil {
		resp.Funding = &FundingCharge{Amount: f.Amount, Unpaid: f.Unpaid, FromEpoch: f.FromEpoch, ToEpoch: f.ToEpoch}
	}
	return resp
}

func (s *RiskService) position(p state.Position) Position {
	return Position{
		PositionID:       p.PositionID,
		Owner:            p.Owner,
		Market:           s.registry.MarketName(p.Market),
		Side:             p.Side.String(),
		Size:             p.Size,
		EntryPrice:       p.EntryPrice,
		Collateral:       p.Collateral,
		CollateralAsset:  s.registry.AssetName(p.CollateralAsset),
		Leverage:         p.Leverage,
		OpenedAt:         p.OpenedAt,
		LastFundingTime:  p.LastFundingTime,
		RealizedPnL:      p.RealizedPnL,
		FundingPaid:      p.FundingPaid,
		UnpaidFunding:    p.UnpaidFunding,
		LiquidationState: p.LiquidationState.String(),
		Version:          p.Version,
	}
}

func (s *RiskService) account(m state.AccountMetrics) Account {
	out := Account{
		Owner:             m.Owner,
		Version:           m.Version,
		CollateralValue:   m.CollateralValue,
		UnrealizedPnL:     m.UnrealizedPnL,
		FundingOwed:       m.FundingOwed,
		Value:             m.Value,
		MaintenanceMargin: m.MaintenanceMargin,
		InitialMargin:     m.InitialMargin,
		MarginRatio:       m.Ratio,
		Status:            m.Status.String(),
		Positions:         make([]PositionMetrics, 0, len(m.Positions)),
	}
	for _, pm := range m.Positions {
		out.Positions = append(out.Positions, PositionMetrics{
			PositionID:        pm.PositionID,
			Market:            s.registry.MarketName(pm.Market),
			Price:             pm.Price,
			Notional:          pm.Notional,
			UnrealizedPnL:     pm.UnrealizedPnL,
			FundingOwed:       pm.FundingOwed,
			MaintenanceMargin: pm.MaintenanceMargin,
			InitialMargin:     pm.InitialMargin,
			LiquidationPrice:  pm.LiquidationPrice,
		})
	}
	return out
}

func (s *RiskService) balances(in map[market.AssetID]ledger.UserBalance) []Balance {
	out := make([]Balance, 0, len(in))
	for _, b := range in {
		out = append(out, Balance{Asset: s.registry.AssetName(b.Asset), Free: b.Free, Reserved: b.Reserved})
	}
	slices.SortFunc(out, func(a, b Balance) int { return cmp.Compare(a.Asset, b.Asset) })
	return out
}

func (s *RiskService) balanceResponse(asset market.AssetID, res core.BalanceResult) *BalanceResponse {
	return &BalanceResponse{
		Balance: Balance{
			Asset:    s.registry.AssetName(asset),
			Free:     res.Balance.Free,
			Reserved: res.Balance.Reserved,
		},
		Version: res.Version,
	}
}

func (s *RiskService) epoch(ep state.FundingEpoch) FundingEpoch {
	return FundingEpoch{
		Market:     s.registry.MarketName(ep.Market),
		Index:      ep.Index,
		Boundary:   ep.Boundary,
		Rate:       ep.Rate,
		MarkPrice:  ep.MarkPrice,
		IndexPrice: ep.IndexPrice,
		Backfilled: ep.Backfilled,
	}
}

func (s *RiskService) action(a state.DeleverageAction) DeleverageAction {
	reduced := a.Reduced
	if reduced == nil {
		reduced = []uuid.UUID{}
	}
	return DeleverageAction{
		ActionID:          a.ActionID,
		Market:            s.registry.MarketName(a.Market),
		Asset:             s.registry.AssetName(a.Asset),
		Side:              a.Side.String(),
		Price:             a.Price,
		Deficit:           a.Deficit,
		Remaining:         a.Remaining,
		Recovered:         a.Recovered,
		InsuranceDrawn:    a.InsuranceDrawn,
		SourceLiquidation: a.SourceLiquidation,
		Reduced:           reduced,
		State:             a.State.String(),
		TriggeredAt:       a.TriggeredAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func (s *RiskService) circuit(st circuit.State) Circuit {
	out := Circuit{
		Market:          s.registry.MarketName(st.Market),
		Tripped:         st.Tripped,
		Reason:          string(st.Reason),
		Detail:          st.Detail,
		ReferencePrice:  st.ReferencePrice,
		ReferenceVolume: st.ReferenceVolume,
		ResetBy:         st.ResetBy,
	}
	if !st.TrippedAt.IsZero() {
		t := st.TrippedAt
		out.TrippedAt = &t
	}
	if !st.ResetAt.IsZero() {
		t := st.ResetAt
		out.ResetAt = &t
	}
	return out
}
