package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"PerpRisk/internal/market"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota // free collateral
	SubTypeReserved                         // collateral allocated to open positions

	// System sub-types
	SubTypeSystemInsuranceFund
	SubTypeSystemFundingPool // per market
	SubTypeSystemClearing    // per market: counterparty to realized PnL
	SubTypeSystemSocializedLoss
	SubTypeSystemFees

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

func (s AccountSubType) String() string {
	switch s {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeReserved:
		return "reserved"
	case SubTypeSystemInsuranceFund:
		return "insurance_fund"
	case SubTypeSystemFundingPool:
		return "funding_pool"
	case SubTypeSystemClearing:
		return "clearing"
	case SubTypeSystemSocializedLoss:
		return "socialized_loss"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

// AccountKey is the in-memory key for balance tracking. Comparable, so it
// can key maps directly.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // owner UUID for users, market id for per-market system accounts
	SubType  AccountSubType
	AssetID  market.AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(owner uuid.UUID, subType AccountSubType, asset market.AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  subType,
		AssetID:  asset,
	}
}

// NewSystemAccountKey creates a key for a protocol-wide system account.
func NewSystemAccountKey(subType AccountSubType, asset market.AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: asset,
	}
}

// NewMarketAccountKey creates a key for a per-market system account.
func NewMarketAccountKey(m market.MarketID, subType AccountSubType, asset market.AssetID) AccountKey {
	var entityID [16]byte
	binary.BigEndian.PutUint16(entityID[14:], uint16(m))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset market.AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: asset,
	}
}

// Owner returns the user UUID for user-scoped keys.
func (k AccountKey) Owner() uuid.UUID {
	if k.Scope != AccountScopeUser {
		return uuid.Nil
	}
	return uuid.UUID(k.EntityID)
}

// Market returns the market id for per-market system keys.
func (k AccountKey) Market() market.MarketID {
	return market.MarketID(binary.BigEndian.Uint16(k.EntityID[14:]))
}

// guarded accounts may never go negative
func (k AccountKey) guarded() bool {
	return k.Scope == AccountScopeUser || k.SubType == SubTypeSystemInsuranceFund
}

// AssetNamer resolves asset ids for display.
type AssetNamer interface {
	AssetName(market.AssetID) string
	MarketName(market.MarketID) string
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath(names AssetNamer) string {
	assetName := fmt.Sprintf("#%d", k.AssetID)
	if names != nil {
		assetName = names.AssetName(k.AssetID)
	}

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Owner(), k.SubType, assetName)
	case AccountScopeSystem:
		if k.SubType == SubTypeSystemFundingPool || k.SubType == SubTypeSystemClearing {
			marketName := fmt.Sprintf("#%d", k.Market())
			if names != nil {
				marketName = names.MarketName(k.Market())
			}
			return fmt.Sprintf("system:%s:%s:%s", k.SubType, marketName, assetName)
		}
		return fmt.Sprintf("system:%s:%s", k.SubType, assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.SubType, assetName)
	}
	return "unknown"
}
