package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// JournalGenerator creates balanced journal batches for risk operations.
type JournalGenerator struct {
	now func() time.Time
}

func NewJournalGenerator(clock func() time.Time) *JournalGenerator {
	if clock == nil {
		clock = time.Now
	}
	return &JournalGenerator{now: clock}
}

// NewBatch starts a batch for one operation.
func (jg *JournalGenerator) NewBatch(operation, requestID string) *BatchBuilder {
	return &BatchBuilder{
		batch: &Batch{
			BatchID:   uuid.New(),
			Operation: operation,
			RequestID: requestID,
			Timestamp: jg.now(),
		},
	}
}

// GenerateDeposit moves funds: external:deposits → user:collateral
func (jg *JournalGenerator) GenerateDeposit(requestID string, owner uuid.UUID, asset market.AssetID, amount fpmath.Value) (*Batch, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	return jg.NewBatch("deposit", requestID).
		Transfer(JournalTypeDeposit,
			NewUserAccountKey(owner, SubTypeCollateral, asset),
			NewExternalAccountKey(SubTypeExternalDeposits, asset),
			amount, 0, uuid.Nil).
		Build()
}

// GenerateWithdrawal moves funds: user:collateral → external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(requestID string, owner uuid.UUID, asset market.AssetID, amount fpmath.Value) (*Batch, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %s", amount)
	}
	return jg.NewBatch("withdraw", requestID).
		Transfer(JournalTypeWithdrawal,
			NewExternalAccountKey(SubTypeExternalWithdrawals, asset),
			NewUserAccountKey(owner, SubTypeCollateral, asset),
			amount, 0, uuid.Nil).
		Build()
}

// BatchBuilder accumulates journals for one batch. Zero amounts are skipped;
// a negative amount reverses the direction of the transfer.
type BatchBuilder struct {
	batch *Batch
	err   error
}

// Transfer moves amount from credit to debit.
func (b *BatchBuilder) Transfer(
	jt JournalType,
	debit, credit AccountKey,
	amount fpmath.Value,
	m market.MarketID,
	positionID uuid.UUID,
) *BatchBuilder {
	if b.err != nil || amount.IsZero() {
		return b
	}
	if debit.AssetID != credit.AssetID {
		b.err = fmt.Errorf("%s transfer mixes assets %d and %d", jt, debit.AssetID, credit.AssetID)
		return b
	}
	if amount.IsNegative() {
		debit, credit = credit, debit
		amount = amount.Abs()
	}
	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.batch.BatchID,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Market:        m,
		PositionID:    positionID,
	})
	return b
}

// Reserve allocates free collateral to a position.
func (b *BatchBuilder) Reserve(owner uuid.UUID, asset market.AssetID, amount fpmath.Value, m market.MarketID, pos uuid.UUID) *BatchBuilder {
	return b.Transfer(JournalTypeMarginReserve,
		NewUserAccountKey(owner, SubTypeReserved, asset),
		NewUserAccountKey(owner, SubTypeCollateral, asset),
		amount, m, pos)
}

// Release returns position collateral to free collateral.
func (b *BatchBuilder) Release(owner uuid.UUID, asset market.AssetID, amount fpmath.Value, m market.MarketID, pos uuid.UUID) *BatchBuilder {
	return b.Transfer(JournalTypeMarginRelease,
		NewUserAccountKey(owner, SubTypeCollateral, asset),
		NewUserAccountKey(owner, SubTypeReserved, asset),
		amount, m, pos)
}

// RealizePnL settles pnl between the position collateral and the market's
// clearing account. Profit credits the position, loss debits it.
func (b *BatchBuilder) RealizePnL(owner uuid.UUID, asset market.AssetID, pnl fpmath.Value, m market.MarketID, pos uuid.UUID) *BatchBuilder {
	return b.Transfer(JournalTypeRealizedPnL,
		NewUserAccountKey(owner, SubTypeReserved, asset),
		NewMarketAccountKey(m, SubTypeSystemClearing, asset),
		pnl, m, pos)
}

// Funding settles a funding amount against the market pool. Positive amounts
// are received by the position, negative amounts are paid into the pool.
func (b *BatchBuilder) Funding(owner uuid.UUID, asset market.AssetID, amount fpmath.Value, m market.MarketID, pos uuid.UUID) *BatchBuilder {
	jt := JournalTypeFundingReceipt
	if amount.IsNegative() {
		jt = JournalTypeFundingPayment
	}
	return b.Transfer(jt,
		NewUserAccountKey(owner, SubTypeReserved, asset),
		NewMarketAccountKey(m, SubTypeSystemFundingPool, asset),
		amount, m, pos)
}

// LiquidationBonus pays the liquidator out of the liquidated position.
func (b *BatchBuilder) LiquidationBonus(liquidator, owner uuid.UUID, asset market.AssetID, amount fpmath.Value, m market.MarketID, pos uuid.UUID) *BatchBuilder {
	return b.Transfer(JournalTypeLiquidationBonus,
		NewUserAccountKey(liquidator, SubTypeCollateral, asset),
		NewUserAccountKey(owner, SubTypeReserved, asset),
		amount, m, pos)
}

// CoverFromFree moves free collateral into a position to absorb a loss.
func (b *BatchBuilder) CoverFromFree(owner uuid.UUID, asset market.AssetID, amount fpmath.Value, m market.MarketID, pos uuid.UUID) *BatchBuilder {
	return b.Reserve(owner, asset, amount, m, pos)
}

// InsuranceDraw moves insurance funds into target.
func (b *BatchBuilder) InsuranceDraw(target AccountKey, amount fpmath.Value, m market.MarketID, pos uuid.UUID) *BatchBuilder {
	return b.Transfer(JournalTypeInsuranceDraw,
		target,
		NewSystemAccountKey(SubTypeSystemInsuranceFund, target.AssetID),
		amount, m, pos)
}

// InsuranceContribution moves funds from source into the insurance fund.
func (b *BatchBuilder) InsuranceContribution(source AccountKey, amount fpmath.Value, m market.MarketID) *BatchBuilder {
	return b.Transfer(JournalTypeInsuranceContribution,
		NewSystemAccountKey(SubTypeSystemInsuranceFund, source.AssetID),
		source,
		amount, m, uuid.Nil)
}

// Socialize books an uncovered deficit against the socialized loss account.
func (b *BatchBuilder) Socialize(target AccountKey, amount fpmath.Value, m market.MarketID, pos uuid.UUID) *BatchBuilder {
	return b.Transfer(JournalTypeSocializedLoss,
		target,
		NewSystemAccountKey(SubTypeSystemSocializedLoss, target.AssetID),
		amount, m, pos)
}

// DeleverageRecovery moves profit seized from a deleveraged position back to
// the socialized loss account.
func (b *BatchBuilder) DeleverageRecovery(owner uuid.UUID, asset market.AssetID, amount fpmath.Value, m market.MarketID, pos uuid.UUID) *BatchBuilder {
	return b.Transfer(JournalTypeDeleverageRecovery,
		NewSystemAccountKey(SubTypeSystemSocializedLoss, asset),
		NewUserAccountKey(owner, SubTypeReserved, asset),
		amount, m, pos)
}

// Len returns the number of journals so far.
func (b *BatchBuilder) Len() int {
	return len(b.batch.Journals)
}

// Build validates and returns the batch.
func (b *BatchBuilder) Build() (*Batch, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.batch.Validate(); err != nil {
		return nil, err
	}
	return b.batch, nil
}
