package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// Deposit credits custody-confirmed collateral to the owner's free balance.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (BalanceResult, error) {
	start := time.Now()
	res, err := idempotent(ctx, e.idempotency, "deposit", req.Owner, req.RequestID, func() (BalanceResult, bool, error) {
		r, err := e.deposit(ctx, req)
		return r, err == nil, err
	})
	e.observe("deposit", start, err)
	return res, err
}

func (e *Engine) deposit(ctx context.Context, req DepositRequest) (BalanceResult, error) {
	if req.Owner == uuid.Nil {
		return BalanceResult{}, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	if !req.Amount.IsPositive() {
		return BalanceResult{}, fmt.Errorf("%w: deposit amount %s", ErrInvalidArgument, req.Amount)
	}
	if _, err := e.markets.Collateral(ctx, req.Asset); err != nil {
		return BalanceResult{}, err
	}

	unlock := e.lockAccount(req.Owner)
	defer unlock()

	batch, err := e.journals.GenerateDeposit(req.RequestID, req.Owner, req.Asset, req.Amount)
	if err != nil {
		return BalanceResult{}, err
	}
	if err := e.balances.ApplyBatch(batch); err != nil {
		return BalanceResult{}, fmt.Errorf("deposit: %w", err)
	}
	version := e.book.Touch(req.Owner)

	e.emit(req.Owner, req.RequestID, batch, &event.CollateralDeposited{
		DepositID: batch.BatchID,
		Owner:     req.Owner,
		Asset:     req.Asset,
		Amount:    req.Amount,
	})
	return BalanceResult{Balance: e.balances.GetUserBalances(req.Owner)[req.Asset], Version: version}, nil
}

// Withdraw releases free collateral to custody. Pending funding of every
// position is applied first and the account must stay above maintenance.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (BalanceResult, error) {
	start := time.Now()
	res, err := idempotent(ctx, e.idempotency, "withdraw", req.Owner, req.RequestID, func() (BalanceResult, bool, error) {
		r, err := e.withdraw(ctx, req)
		return r, err == nil, err
	})
	e.observe("withdraw", start, err)
	return res, err
}

func (e *Engine) withdraw(ctx context.Context, req WithdrawRequest) (BalanceResult, error) {
	if !req.Amount.IsPositive() {
		return BalanceResult{}, fmt.Errorf("%w: withdrawal amount %s", ErrInvalidArgument, req.Amount)
	}

	unlock := e.lockAccount(req.Owner)
	defer unlock()

	if err := e.checkVersion(req.Owner, req.ExpectedVersion); err != nil {
		return BalanceResult{}, err
	}
	snap := e.snapshot(req.Owner)

	b := e.journals.NewBatch("withdraw", req.RequestID)
	var (
		d       *decision
		applied []*event.FundingApplied
		touched []state.Position
		err     error
	)
	freeByAsset := make(map[market.AssetID]fpmath.Value, len(snap.Balances))
	for asset, bal := range snap.Balances {
		freeByAsset[asset] = bal.Free
	}

	if len(snap.Positions) > 0 {
		if d, err = e.loadDecision(ctx, &snap); err != nil {
			return BalanceResult{}, err
		}
		for _, p := range snap.Positions {
			fo, err := e.applyFunding(b, &p, freeByAsset[p.CollateralAsset])
			if err != nil {
				return BalanceResult{}, err
			}
			if fo.applied == nil {
				continue
			}
			freeByAsset[p.CollateralAsset], _ = fpmath.Sub(freeByAsset[p.CollateralAsset], fo.fromFree)
			applied = append(applied, fo.applied)
			touched = append(touched, p)
		}
	}

	if free := freeByAsset[req.Asset]; free.LessThan(req.Amount) {
		return BalanceResult{}, fmt.Errorf("%w: free collateral %s below %s", state.ErrInsufficientMargin, free, req.Amount)
	}
	b.Transfer(ledger.JournalTypeWithdrawal,
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, req.Asset),
		ledger.NewUserAccountKey(req.Owner, ledger.SubTypeCollateral, req.Asset),
		req.Amount, 0, uuid.Nil)

	batch, err := b.Build()
	if err != nil {
		return BalanceResult{}, err
	}

	if d != nil {
		after := projected(snap, batch, nil, uuid.Nil)
		for i := range touched {
			replacePosition(&after, &touched[i])
		}
		metrics, err := e.margin.Evaluate(&after, d.rv, d.prices)
		if err != nil {
			return BalanceResult{}, err
		}
		if !metrics.Ratio.IsPositive() {
			return BalanceResult{}, fmt.Errorf("%w: margin ratio %s after withdrawal", state.ErrInsufficientMargin, metrics.Ratio)
		}
	}

	if err := e.balances.ApplyBatch(batch); err != nil {
		return BalanceResult{}, fmt.Errorf("withdraw: %w", err)
	}
	for _, p := range touched {
		if _, err := e.book.Update(p); err != nil {
			panic(fmt.Sprintf("FATAL: position update after applied batch %s: %v", batch.BatchID, err))
		}
	}
	version := e.book.Touch(req.Owner)
	e.checkReserved(req.Owner)

	events := make([]event.Event, 0, len(applied)+1)
	for _, fa := range applied {
		events = append(events, fa)
	}
	events = append(events, &event.CollateralWithdrawn{
		WithdrawalID: batch.BatchID,
		Owner:        req.Owner,
		Asset:        req.Asset,
		Amount:       req.Amount,
	})
	e.emit(req.Owner, req.RequestID, batch, events...)

	return BalanceResult{Balance: e.balances.GetUserBalances(req.Owner)[req.Asset], Version: version}, nil
}

// FundInsurance credits an external contribution to the insurance fund.
func (e *Engine) FundInsurance(ctx context.Context, req InsuranceRequest) (fpmath.Value, error) {
	start := time.Now()
	res, err := idempotent(ctx, e.idempotency, "insurance", uuid.Nil, req.RequestID, func() (fpmath.Value, bool, error) {
		if !req.Amount.IsPositive() {
			return fpmath.Zero, false, fmt.Errorf("%w: contribution %s", ErrInvalidArgument, req.Amount)
		}
		if _, err := e.markets.Collateral(ctx, req.Asset); err != nil {
			return fpmath.Zero, false, err
		}
		e.insuranceMu.Lock()
		defer e.insuranceMu.Unlock()

		batch, err := e.journals.NewBatch("insurance", req.RequestID).
			InsuranceContribution(ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, req.Asset), req.Amount, 0).
			Build()
		if err != nil {
			return fpmath.Zero, false, err
		}
		if err := e.balances.ApplyBatch(batch); err != nil {
			return fpmath.Zero, false, err
		}
		e.emit(uuid.Nil, req.RequestID, batch, &event.InsuranceFunded{
			ContributionID: batch.BatchID,
			Asset:          req.Asset,
			Amount:         req.Amount,
		})
		balance := e.balances.GetInsuranceBalance(req.Asset)
		e.recordInsuranceBalance(balance)
		return balance, true, nil
	})
	e.observe("insurance", start, err)
	return res, err
}

