package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// ErrInsufficientBalance: applying the batch would drive a guarded account
// negative. Nothing was applied.
var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]fpmath.Value
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Value),
	}
}

// ApplyBatch validates the batch, checks that no guarded account would go
// negative, then applies every journal. Either all journals apply or none.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	next, err := bt.projectLocked(batch)
	if err != nil {
		return err
	}
	for k, v := range next {
		bt.balances[k] = v
	}
	return nil
}

// CheckBatch reports whether ApplyBatch would succeed, without applying.
func (bt *BalanceTracker) CheckBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	_, err := bt.projectLocked(batch)
	return err
}

func (bt *BalanceTracker) projectLocked(batch *Batch) (map[AccountKey]fpmath.Value, error) {
	next := make(map[AccountKey]fpmath.Value, len(batch.Journals)*2)
	get := func(k AccountKey) fpmath.Value {
		if v, ok := next[k]; ok {
			return v
		}
		return bt.balances[k]
	}

	for _, j := range batch.Journals {
		debit, err := fpmath.Add(get(j.DebitAccount), j.Amount)
		if err != nil {
			return nil, fmt.Errorf("journal %s: %w", j.JournalID, err)
		}
		credit, err := fpmath.Sub(get(j.CreditAccount), j.Amount)
		if err != nil {
			return nil, fmt.Errorf("journal %s: %w", j.JournalID, err)
		}
		next[j.DebitAccount] = debit
		next[j.CreditAccount] = credit
	}

	for k, v := range next {
		if k.guarded() && v.IsNegative() {
			return nil, fmt.Errorf("%w: account %s would be %s", ErrInsufficientBalance, k.AccountPath(nil), v)
		}
	}
	return next, nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Value {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.balances[key]
}

// === User Balance Queries (total = free + reserved) ===

// GetUserFreeBalance returns collateral not allocated to any position.
func (bt *BalanceTracker) GetUserFreeBalance(owner uuid.UUID, asset market.AssetID) fpmath.Value {
	return bt.GetBalance(NewUserAccountKey(owner, SubTypeCollateral, asset))
}

// GetUserReservedBalance returns collateral allocated to positions.
func (bt *BalanceTracker) GetUserReservedBalance(owner uuid.UUID, asset market.AssetID) fpmath.Value {
	return bt.GetBalance(NewUserAccountKey(owner, SubTypeReserved, asset))
}

// GetUserTotalBalance returns free + reserved.
func (bt *BalanceTracker) GetUserTotalBalance(owner uuid.UUID, asset market.AssetID) fpmath.Value {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	free := bt.balances[NewUserAccountKey(owner, SubTypeCollateral, asset)]
	reserved := bt.balances[NewUserAccountKey(owner, SubTypeReserved, asset)]
	total, _ := fpmath.Add(free, reserved)
	return total
}

// UserBalance is one asset row of a user's holdings.
type UserBalance struct {
	Asset    market.AssetID
	Free     fpmath.Value
	Reserved fpmath.Value
}

// GetUserBalances returns every non-zero asset balance of owner.
func (bt *BalanceTracker) GetUserBalances(owner uuid.UUID) map[market.AssetID]UserBalance {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	out := make(map[market.AssetID]UserBalance)
	for k, v := range bt.balances {
		if k.Scope != AccountScopeUser || k.Owner() != owner || v.IsZero() {
			continue
		}
		row := out[k.AssetID]
		row.Asset = k.AssetID
		switch k.SubType {
		case SubTypeCollateral:
			row.Free = v
		case SubTypeReserved:
			row.Reserved = v
		}
		out[k.AssetID] = row
	}
	return out
}

// GetInsuranceBalance returns the insurance fund balance for asset.
func (bt *BalanceTracker) GetInsuranceBalance(asset market.AssetID) fpmath.Value {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemInsuranceFund, asset))
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[market.AssetID]fpmath.Value {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	totals := make(map[market.AssetID]fpmath.Value)
	for key, balance := range bt.balances {
		sum, _ := fpmath.Add(totals[key.AssetID], balance)
		totals[key.AssetID] = sum
	}
	return totals
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Value {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	snapshot := make(map[AccountKey]fpmath.Value, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
