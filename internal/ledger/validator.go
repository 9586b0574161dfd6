package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
	names   AssetNamer
}

func NewInvariantValidator(tracker *BalanceTracker, names AssetNamer) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
		names:   names,
	}
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for assetID, total := range v.tracker.ComputeGlobalBalance() {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", v.assetName(assetID), total)
		}
	}
	return nil
}

// ValidateNonNegative checks every guarded account is >= 0.
func (v *InvariantValidator) ValidateNonNegative() error {
	for key, balance := range v.tracker.Snapshot() {
		if key.guarded() && balance.IsNegative() {
			return fmt.Errorf("account %s is negative: %s", key.AccountPath(v.names), balance)
		}
	}
	return nil
}

// ValidateReserved checks that the reserved balance of owner matches the sum
// of collateral allocated to its positions.
func (v *InvariantValidator) ValidateReserved(owner uuid.UUID, asset market.AssetID, positionCollateral fpmath.Value) error {
	reserved := v.tracker.GetUserReservedBalance(owner, asset)
	if !reserved.Equal(positionCollateral) {
		return fmt.Errorf("reserved %s for %s is %s, positions hold %s",
			v.assetName(asset), owner, reserved, positionCollateral)
	}
	return nil
}

func (v *InvariantValidator) assetName(id market.AssetID) string {
	if v.names == nil {
		return fmt.Sprintf("#%d", id)
	}
	return v.names.AssetName(id)
}
