package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/event"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// ActionState represents the state of a deleveraging action.
// Triggered → Executing → PartialFill → Completed/Escalated, or Cancelled.
type ActionState int32

const (
	ActionStateTriggered   ActionState = iota // deficit booked, waiting for execution
	ActionStateExecuting                      // counterparties being reduced
	ActionStatePartialFill                    // some of the deficit recovered
	ActionStateCompleted                      // deficit fully recovered
	ActionStateEscalated                      // ADL and insurance exhausted, manual handling
	ActionStateCancelled
)

func (as ActionState) String() string {
	switch as {
	case ActionStateTriggered:
		return "Triggered"
	case ActionStateExecuting:
		return "Executing"
	case ActionStatePartialFill:
		return "PartialFill"
	case ActionStateCompleted:
		return "Completed"
	case ActionStateEscalated:
		return "Escalated"
	case ActionStateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

var actionTransitions = map[ActionState][]ActionState{
	ActionStateTriggered: {
		ActionStateExecuting,
		ActionStateCancelled,
	},
	ActionStateExecuting: {
		ActionStatePartialFill,
		ActionStateCompleted,
		ActionStateEscalated,
	},
	ActionStatePartialFill: {
		ActionStatePartialFill, // more counterparties reduced
		ActionStateCompleted,
		ActionStateEscalated,
	},
	ActionStateCompleted: {
		// Terminal state
	},
	ActionStateEscalated: {
		ActionStateExecuting, // operator re-run once counterparties exist
	},
	ActionStateCancelled: {
		// Terminal state
	},
}

// CanTransitionTo validates action state transitions.
func (as ActionState) CanTransitionTo(next ActionState) bool {
	for _, a := range actionTransitions[as] {
		if next == a {
			return true
		}
	}
	return false
}

// DeleverageAction tracks one deficit escalated to auto-deleveraging.
type DeleverageAction struct {
	ActionID          uuid.UUID
	Market            market.MarketID
	Asset             market.AssetID
	Side              event.Side   // side of the bankrupt position
	Price             fpmath.Value // price the bankrupt position closed at
	Deficit           fpmath.Value
	Remaining         fpmath.Value
	Recovered         fpmath.Value
	InsuranceDrawn    fpmath.Value
	SourceLiquidation uuid.UUID
	Reduced           []uuid.UUID
	State             ActionState
	TriggeredAt       time.Time
	UpdatedAt         time.Time
}

// IsTerminal returns true if the action is in a terminal state.
func (a *DeleverageAction) IsTerminal() bool {
	return a.State == ActionStateCompleted || a.State == ActionStateCancelled
}

func (a *DeleverageAction) clone() DeleverageAction {
	c := *a
	c.Reduced = append([]uuid.UUID(nil), a.Reduced...)
	return c
}

// PositionActionManager manages deleveraging actions.
type PositionActionManager struct {
	mu      sync.RWMutex
	actions map[uuid.UUID]*DeleverageAction
	now     func() time.Time
}

func NewPositionActionManager(clock func() time.Time) *PositionActionManager {
	if clock == nil {
		clock = time.Now
	}
	return &PositionActionManager{
		actions: make(map[uuid.UUID]*DeleverageAction),
		now:     clock,
	}
}

// Raise records a new deficit for deleveraging.
func (pam *PositionActionManager) Raise(
	m market.MarketID,
	asset market.AssetID,
	side event.Side,
	price, deficit fpmath.Value,
	sourceLiquidation uuid.UUID,
) DeleverageAction {
	now := pam.now()
	a := &DeleverageAction{
		ActionID:          uuid.New(),
		Market:            m,
		Asset:             asset,
		Side:              side,
		Price:             price,
		Deficit:           deficit,
		Remaining:         deficit,
		Recovered:         fpmath.Zero,
		InsuranceDrawn:    fpmath.Zero,
		SourceLiquidation: sourceLiquidation,
		State:             ActionStateTriggered,
		TriggeredAt:       now,
		UpdatedAt:         now,
	}

	pam.mu.Lock()
	defer pam.mu.Unlock()
	pam.actions[a.ActionID] = a
	return a.clone()
}

// Get returns a copy of the action.
func (pam *PositionActionManager) Get(id uuid.UUID) (DeleverageAction, error) {
	pam.mu.RLock()
	defer pam.mu.RUnlock()
	a, ok := pam.actions[id]
	if !ok {
		return DeleverageAction{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	return a.clone(), nil
}

func (pam *PositionActionManager) transitionLocked(a *DeleverageAction, next ActionState) error {
	if !a.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: action %s %s → %s", ErrInvalidTransition, a.ActionID, a.State, next)
	}
	a.State = next
	a.UpdatedAt = pam.now()
	return nil
}

// Begin moves the action to Executing.
func (pam *PositionActionManager) Begin(id uuid.UUID) (DeleverageAction, error) {
	pam.mu.Lock()
	defer pam.mu.Unlock()
	a, ok := pam.actions[id]
	if !ok {
		return DeleverageAction{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if err := pam.transitionLocked(a, ActionStateExecuting); err != nil {
		return DeleverageAction{}, err
	}
	return a.clone(), nil
}

// RecordRecovery books profit seized from one reduced position.
func (pam *PositionActionManager) RecordRecovery(id, positionID uuid.UUID, amount fpmath.Value) error {
	pam.mu.Lock()
	defer pam.mu.Unlock()
	a, ok := pam.actions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if amount.Cmp(a.Remaining) > 0 {
		return fmt.Errorf("action %s over-recovered: %s > %s", id, amount, a.Remaining)
	}
	if err := pam.transitionLocked(a, ActionStatePartialFill); err != nil {
		return err
	}
	a.Remaining, _ = fpmath.Sub(a.Remaining, amount)
	a.Recovered, _ = fpmath.Add(a.Recovered, amount)
	a.Reduced = append(a.Reduced, positionID)
	return nil
}

// RecordInsurance books an insurance draw against the remaining deficit.
func (pam *PositionActionManager) RecordInsurance(id uuid.UUID, amount fpmath.Value) error {
	pam.mu.Lock()
	defer pam.mu.Unlock()
	a, ok := pam.actions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if amount.Cmp(a.Remaining) > 0 {
		return fmt.Errorf("action %s insurance draw %s exceeds remaining %s", id, amount, a.Remaining)
	}
	a.Remaining, _ = fpmath.Sub(a.Remaining, amount)
	a.InsuranceDrawn, _ = fpmath.Add(a.InsuranceDrawn, amount)
	a.UpdatedAt = pam.now()
	return nil
}

// Finish completes the action, or escalates it when a deficit remains.
func (pam *PositionActionManager) Finish(id uuid.UUID) (DeleverageAction, error) {
	pam.mu.Lock()
	defer pam.mu.Unlock()
	a, ok := pam.actions[id]
	if !ok {
		return DeleverageAction{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	next := ActionStateCompleted
	if a.Remaining.IsPositive() {
		next = ActionStateEscalated
	}
	if err := pam.transitionLocked(a, next); err != nil {
		return DeleverageAction{}, err
	}
	return a.clone(), nil
}

// CancelAction cancels an action that has not started.
func (pam *PositionActionManager) CancelAction(id uuid.UUID) error {
	pam.mu.Lock()
	defer pam.mu.Unlock()
	a, ok := pam.actions[id]
	if !ok {
		return nil // Already removed
	}
	return pam.transitionLocked(a, ActionStateCancelled)
}

// Open returns every non-terminal action, oldest first. m == 0 returns all markets.
func (pam *PositionActionManager) Open(m market.MarketID) []DeleverageAction {
	pam.mu.RLock()
	defer pam.mu.RUnlock()
	var out []DeleverageAction
	for _, a := range pam.actions {
		if a.IsTerminal() || (m != 0 && a.Market != m) {
			continue
		}
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TriggeredAt.Before(out[j].TriggeredAt)
	})
	return out
}

// CleanupTerminal removes terminal actions last updated before cutoff.
func (pam *PositionActionManager) CleanupTerminal(cutoff time.Time) int {
	pam.mu.Lock()
	defer pam.mu.Unlock()
	removed := 0
	for id, a := range pam.actions {
		if a.IsTerminal() && a.UpdatedAt.Before(cutoff) {
			delete(pam.actions, id)
			removed++
		}
	}
	return removed
}

// DeleverageCandidate is an opposite-side position eligible for reduction.
type DeleverageCandidate struct {
	Position      Position
	UnrealizedPnL fpmath.Value
	Score         fpmath.Value
}

// RankForDeleverage keeps profitable positions opposite to side and orders
// them by PnL ratio times leverage, highest first.
func RankForDeleverage(side event.Side, positions []Position, prices *PriceSet) ([]DeleverageCandidate, error) {
	target := side.Opposite()
	out := make([]DeleverageCandidate, 0, len(positions))
	for _, p := range positions {
		if p.Side != target || p.IsFlat() {
			continue
		}
		price, err := prices.Mark(p.Market, p.Sign())
		if err != nil {
			return nil, err
		}
		upnl, err := p.UnrealizedPnL(price)
		if err != nil {
			return nil, err
		}
		if !upnl.IsPositive() {
			continue
		}
		score := upnl
		if p.Collateral.IsPositive() {
			if score, err = fpmath.C(upnl).Div(p.Collateral).Mul(p.Leverage).Result(); err != nil {
				return nil, err
			}
		}
		out = append(out, DeleverageCandidate{Position: p, UnrealizedPnL: upnl, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Score.Cmp(out[j].Score); c != 0 {
			return c > 0
		}
		return string(out[i].Position.PositionID[:]) < string(out[j].Position.PositionID[:])
	})
	return out, nil
}
