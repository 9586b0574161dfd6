package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMarginReserve
	JournalTypeMarginRelease
	JournalTypeRealizedPnL
	JournalTypeFundingPayment
	JournalTypeFundingReceipt
	JournalTypeLiquidationBonus
	JournalTypeInsuranceDraw
	JournalTypeInsuranceContribution
	JournalTypeSocializedLoss
	JournalTypeDeleverageRecovery
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMarginReserve:
		return "margin_reserve"
	case JournalTypeMarginRelease:
		return "margin_release"
	case JournalTypeRealizedPnL:
		return "realized_pnl"
	case JournalTypeFundingPayment:
		return "funding_payment"
	case JournalTypeFundingReceipt:
		return "funding_receipt"
	case JournalTypeLiquidationBonus:
		return "liquidation_bonus"
	case JournalTypeInsuranceDraw:
		return "insurance_draw"
	case JournalTypeInsuranceContribution:
		return "insurance_contribution"
	case JournalTypeSocializedLoss:
		return "socialized_loss"
	case JournalTypeDeleverageRecovery:
		return "deleverage_recovery"
	default:
		return "unknown"
	}
}

// Journal is a single double-entry transfer and, once emitted, a custody
// intent: move Amount of Asset from CreditAccount to DebitAccount.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	DebitAccount  AccountKey   // Account receiving debit (balance increases)
	CreditAccount AccountKey   // Account receiving credit (balance decreases)
	AssetID       market.AssetID
	Amount        fpmath.Value // ALWAYS positive
	JournalType   JournalType
	Market        market.MarketID
	PositionID    uuid.UUID
}

// Batch is the set of journals produced by one operation. It is applied
// all-or-nothing.
type Batch struct {
	BatchID   uuid.UUID
	Operation string
	RequestID string // caller idempotency key, may be empty
	Sequence  uint64 // assigned when the batch enters the outbox
	Timestamp time.Time
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal moves one positive
// amount from credit to debit, so every entry balances by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// Touches reports whether any journal in the batch moves funds for owner.
func (b *Batch) Touches(owner uuid.UUID) bool {
	for _, j := range b.Journals {
		if j.DebitAccount.Owner() == owner || j.CreditAccount.Owner() == owner {
			return true
		}
	}
	return false
}
