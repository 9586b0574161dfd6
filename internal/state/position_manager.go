package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// AccountSnapshot is a consistent copy of one margin account. Balances are
// filled in by the caller from the balance tracker.
type AccountSnapshot struct {
	Owner     uuid.UUID
	Version   uint64
	Positions []Position
	Balances  map[market.AssetID]ledger.UserBalance
}

// ReservedIn sums collateral allocated to positions in asset.
func (a *AccountSnapshot) ReservedIn(asset market.AssetID) fpmath.Value {
	total := fpmath.Zero
	for i := range a.Positions {
		if a.Positions[i].CollateralAsset == asset {
			total, _ = fpmath.Add(total, a.Positions[i].Collateral)
		}
	}
	return total
}

// Position returns the position with id from the snapshot.
func (a *AccountSnapshot) Position(id uuid.UUID) (Position, bool) {
	for _, p := range a.Positions {
		if p.PositionID == id {
			return p, true
		}
	}
	return Position{}, false
}

type accountEntry struct {
	version uint64
	slots   []int
}

// PositionBook stores every open position in an arena indexed by position
// id, owner and market. Callers get copies; writes go through Insert,
// Update and Remove.
type PositionBook struct {
	mu       sync.RWMutex
	slots    []Position
	free     []int
	byID     map[uuid.UUID]int
	accounts map[uuid.UUID]*accountEntry
	byMarket map[market.MarketID]map[int]struct{}
}

func NewPositionBook() *PositionBook {
	return &PositionBook{
		byID:     make(map[uuid.UUID]int),
		accounts: make(map[uuid.UUID]*accountEntry),
		byMarket: make(map[market.MarketID]map[int]struct{}),
	}
}

func (pb *PositionBook) accountLocked(owner uuid.UUID) *accountEntry {
	acct := pb.accounts[owner]
	if acct == nil {
		acct = &accountEntry{}
		pb.accounts[owner] = acct
	}
	return acct
}

// Insert adds a new position and bumps the owner's account version.
func (pb *PositionBook) Insert(p Position) error {
	if p.PositionID == uuid.Nil {
		return fmt.Errorf("position id is required")
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()

	if _, exists := pb.byID[p.PositionID]; exists {
		return fmt.Errorf("position %s already exists", p.PositionID)
	}

	var slot int
	if n := len(pb.free); n > 0 {
		slot = pb.free[n-1]
		pb.free = pb.free[:n-1]
		pb.slots[slot] = p
	} else {
		slot = len(pb.slots)
		pb.slots = append(pb.slots, p)
	}

	pb.byID[p.PositionID] = slot
	acct := pb.accountLocked(p.Owner)
	acct.slots = append(acct.slots, slot)
	acct.version++

	idx := pb.byMarket[p.Market]
	if idx == nil {
		idx = make(map[int]struct{})
		pb.byMarket[p.Market] = idx
	}
	idx[slot] = struct{}{}
	return nil
}

// Get returns a copy of the position.
func (pb *PositionBook) Get(id uuid.UUID) (Position, bool) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	slot, ok := pb.byID[id]
	if !ok {
		return Position{}, false
	}
	return pb.slots[slot], true
}

// Update replaces a stored position. The stored version must equal
// p.Version; the new record gets the next version.
func (pb *PositionBook) Update(p Position) (Position, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	slot, ok := pb.byID[p.PositionID]
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	current := pb.slots[slot]
	if current.Version != p.Version {
		return Position{}, fmt.Errorf("%w: position %s version %d, have %d",
			ErrStaleState, p.PositionID, p.Version, current.Version)
	}
	if current.Owner != p.Owner || current.Market != p.Market {
		return Position{}, fmt.Errorf("position %s owner and market are immutable", p.PositionID)
	}

	p.Version++
	pb.slots[slot] = p
	pb.accountLocked(p.Owner).version++
	return p, nil
}

// Remove deletes the position and returns its last state.
func (pb *PositionBook) Remove(id uuid.UUID) (Position, bool) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	slot, ok := pb.byID[id]
	if !ok {
		return Position{}, false
	}
	p := pb.slots[slot]

	delete(pb.byID, id)
	delete(pb.byMarket[p.Market], slot)

	acct := pb.accountLocked(p.Owner)
	for i, s := range acct.slots {
		if s == slot {
			acct.slots = append(acct.slots[:i], acct.slots[i+1:]...)
			break
		}
	}
	acct.version++

	pb.slots[slot] = Position{}
	pb.free = append(pb.free, slot)
	return p, true
}

// Touch bumps an account version for mutations that only move balances.
func (pb *PositionBook) Touch(owner uuid.UUID) uint64 {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	acct := pb.accountLocked(owner)
	acct.version++
	return acct.version
}

// AccountVersion returns the current version of an account.
func (pb *PositionBook) AccountVersion(owner uuid.UUID) uint64 {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	if acct := pb.accounts[owner]; acct != nil {
		return acct.version
	}
	return 0
}

// Account returns a consistent snapshot of owner's positions, ordered by
// open time.
func (pb *PositionBook) Account(owner uuid.UUID) AccountSnapshot {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	snap := AccountSnapshot{Owner: owner}
	acct := pb.accounts[owner]
	if acct == nil {
		return snap
	}
	snap.Version = acct.version
	snap.Positions = make([]Position, 0, len(acct.slots))
	for _, slot := range acct.slots {
		snap.Positions = append(snap.Positions, pb.slots[slot])
	}
	sortPositions(snap.Positions)
	return snap
}

// ByMarket returns copies of every position in m, ordered by open time.
func (pb *PositionBook) ByMarket(m market.MarketID) []Position {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	out := make([]Position, 0, len(pb.byMarket[m]))
	for slot := range pb.byMarket[m] {
		out = append(out, pb.slots[slot])
	}
	sortPositions(out)
	return out
}

// Owners returns every owner with at least one open position.
func (pb *PositionBook) Owners() []uuid.UUID {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(pb.accounts))
	for owner, acct := range pb.accounts {
		if len(acct.slots) > 0 {
			out = append(out, owner)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// OpenInterest returns the total long and short size in m.
func (pb *PositionBook) OpenInterest(m market.MarketID) (long, short fpmath.Value) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	long, short = fpmath.Zero, fpmath.Zero
	for slot := range pb.byMarket[m] {
		p := pb.slots[slot]
		switch p.Side {
		case event.SideLong:
			long, _ = fpmath.Add(long, p.Size)
		case event.SideShort:
			short, _ = fpmath.Add(short, p.Size)
		}
	}
	return long, short
}

// Count returns the number of open positions.
func (pb *PositionBook) Count() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return len(pb.byID)
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].OpenedAt.Before(ps[j].OpenedAt)
		}
		return string(ps[i].PositionID[:]) < string(ps[j].PositionID[:])
	})
}
