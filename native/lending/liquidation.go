package lending

import (
	"context"
	"log/slog"
	"math/big"

	"lendcore/core/events"
	"lendcore/native/fees"
)

// LiquidationResult summarises a liquidation.
type LiquidationResult struct {
	LoanID uint64
	// DebtRepaid is the borrow asset amount paid by the liquidator.
	DebtRepaid    *big.Int
	InterestPaid  *big.Int
	PrincipalPaid *big.Int
	// CollateralSeized is removed from the loan; LiquidatorCollateral is the
	// part paid to the liquidator after the liquidation fee.
	CollateralSeized     *big.Int
	LiquidatorCollateral *big.Int
	ProtocolFee          *big.Int
	LiquidationFee       *big.Int
	// CollateralReturned goes back to the borrower when the debt is cleared
	// before the collateral runs out.
	CollateralReturned *big.Int
	RemainingDebt      *big.Int
	HealthFactor       *big.Int
	Closed             bool
	BadDebt            *BadDebtOutcome
}

// BadDebtOutcome reports how the bad debt policy resolved a loan left with
// debt and no collateral.
type BadDebtOutcome struct {
	Policy     BadDebtPolicy
	Covered    *big.Int
	WrittenOff *big.Int
	Remaining  *big.Int
}

// LiquidateLoan repays up to repayAmount of an unhealthy loan's debt in
// exchange for collateral worth the repaid value plus the collateral asset's
// liquidation bonus. When the loan's collateral cannot cover that payout the
// liquidator receives all of it and only the debt it covers is cleared.
func (e *Engine) LiquidateLoan(ctx context.Context, caller Caller, loanID uint64, repayAmount *big.Int) (*LiquidationResult, error) {
	ctx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	if caller.address.IsZero() {
		return nil, ErrZeroAddress
	}
	if repayAmount == nil || repayAmount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	snapshot, err := e.loanSnapshot(loanID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.lock(snapshot.CollateralAsset, snapshot.BorrowAsset)
	defer unlock()

	tx := newTxn(e.store, e.timestamp())
	loan, err := tx.loan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status.Terminal() {
		return nil, ErrLoanClosed
	}
	accrue(loan, tx.now)

	collateralPrice, err := e.price(ctx, loan.CollateralAsset)
	if err != nil {
		return nil, err
	}
	borrowPrice, err := e.price(ctx, loan.BorrowAsset)
	if err != nil {
		return nil, err
	}
	hf := computeHealthFactor(loan, collateralPrice, borrowPrice)
	if !Liquidatable(hf) {
		return nil, ErrLoanNotDueForLiquidation
	}

	cfg := e.Config()
	collateralPool, err := tx.pool(loan.CollateralAsset)
	if err != nil {
		return nil, err
	}
	borrowPool, err := tx.pool(loan.BorrowAsset)
	if err != nil {
		return nil, err
	}

	totalDebt := loan.TotalDebt()
	maxRepay := mulDiv(totalDebt, bps(cfg.CloseFactorBps), basisPoints)
	if maxRepay.Sign() == 0 {
		maxRepay.Set(totalDebt)
	}
	requested := minBig(repayAmount, maxRepay)
	collateral := zeroIfNil(loan.CollateralAmount)
	if collateral.Sign() == 0 {
		return nil, ErrNothingToSeize
	}

	// seize = requested * priceBorrow * (1 + bonus) / priceCollateral
	bonusFactor := new(big.Int).Add(basisPoints, bps(collateralPool.LiquidationBonusBps))
	seize := new(big.Int).Mul(requested, borrowPrice.Value)
	seize.Mul(seize, bonusFactor)
	seize.Quo(seize, new(big.Int).Mul(collateralPrice.Value, basisPoints))
	consumed := new(big.Int).Set(requested)
	if seize.Cmp(collateral) > 0 {
		seize.Set(collateral)
		covered := new(big.Int).Mul(collateral, collateralPrice.Value)
		covered.Mul(covered, basisPoints)
		covered.Quo(covered, new(big.Int).Mul(borrowPrice.Value, bonusFactor))
		if covered.Cmp(requested) > 0 {
			covered.Set(requested)
		}
		consumed = covered
	}
	// Either side rounding to zero would move funds one way only.
	if seize.Sign() == 0 || consumed.Sign() == 0 {
		return nil, ErrNothingToSeize
	}

	interestPaid := minBig(consumed, zeroIfNil(loan.AccruedInterest))
	principalPaid := new(big.Int).Sub(consumed, interestPaid)
	protocolFee := e.skim(tx, borrowPool, interestPaid)
	borrowPool.TotalBorrows = new(big.Int).Sub(zeroIfNil(borrowPool.TotalBorrows), principalPaid)
	loan.AccruedInterest = new(big.Int).Sub(zeroIfNil(loan.AccruedInterest), interestPaid)
	loan.BorrowAmount = new(big.Int).Sub(zeroIfNil(loan.BorrowAmount), principalPaid)
	loan.CollateralAmount = new(big.Int).Sub(collateral, seize)

	bonusPortion := new(big.Int).Sub(seize, mulDiv(seize, basisPoints, bonusFactor))
	liquidationFee := fees.Apply(cfg.Fees, fees.CategoryLiquidation, bonusPortion).Fee
	liquidatorCollateral := new(big.Int).Sub(seize, liquidationFee)

	result := &LiquidationResult{
		LoanID:               loanID,
		DebtRepaid:           consumed,
		InterestPaid:         interestPaid,
		PrincipalPaid:        principalPaid,
		CollateralSeized:     new(big.Int).Set(seize),
		LiquidatorCollateral: liquidatorCollateral,
		ProtocolFee:          protocolFee,
		LiquidationFee:       liquidationFee,
		CollateralReturned:   big.NewInt(0),
		HealthFactor:         hf,
	}

	tx.moveIn(loan.BorrowAsset, caller.address, consumed)
	tx.moveOut(loan.CollateralAsset, caller.address, liquidatorCollateral)
	tx.fee(fees.CategoryLiquidation, loan.CollateralAsset, liquidationFee)

	switch {
	case loan.TotalDebt().Sign() == 0:
		result.Closed = true
		loan.Status = LoanStatusLiquidated
		result.CollateralReturned = cloneBig(loan.CollateralAmount)
		loan.CollateralAmount = big.NewInt(0)
		tx.moveOut(loan.CollateralAsset, loan.Borrower, result.CollateralReturned)
	case loan.CollateralAmount.Sign() == 0:
		result.BadDebt = resolveBadDebt(cfg.BadDebtPolicy, loan, borrowPool)
		result.Closed = loan.Status.Terminal()
	}
	result.RemainingDebt = loan.TotalDebt()
	tx.putPool(borrowPool)
	tx.putLoan(loan)

	tx.emit(events.LoanLiquidated{
		LoanID:             loanID,
		Borrower:           loan.Borrower,
		Liquidator:         caller.address,
		DebtRepaid:         new(big.Int).Set(consumed),
		CollateralSeized:   new(big.Int).Set(seize),
		CollateralReturned: new(big.Int).Set(result.CollateralReturned),
		RemainingDebt:      new(big.Int).Set(result.RemainingDebt),
		HealthFactor:       new(big.Int).Set(hf),
		Closed:             result.Closed,
	})
	if outcome := result.BadDebt; outcome != nil {
		tx.emit(events.BadDebtResolved{
			LoanID:     loanID,
			Asset:      loan.BorrowAsset,
			Policy:     outcome.Policy.String(),
			Covered:    new(big.Int).Set(outcome.Covered),
			WrittenOff: new(big.Int).Set(outcome.WrittenOff),
			Remaining:  new(big.Int).Set(outcome.Remaining),
		})
	}
	if err := e.commit(ctx, tx); err != nil {
		return nil, err
	}

	attrs := []any{
		slog.Uint64("loanId", loanID),
		slog.String("liquidator", caller.address.String()),
		slog.String("debtRepaid", consumed.String()),
		slog.String("collateralSeized", seize.String()),
		slog.Bool("closed", result.Closed),
	}
	if result.BadDebt != nil {
		attrs = append(attrs, slog.String("badDebtPolicy", result.BadDebt.Policy.String()), slog.String("remainingDebt", result.RemainingDebt.String()))
	}
	e.logger.Info("lending loan liquidated", attrs...)
	return result, nil
}

// resolveBadDebt applies policy to a loan with debt and no collateral.
func resolveBadDebt(policy BadDebtPolicy, loan *Loan, pool *Pool) *BadDebtOutcome {
	outcome := &BadDebtOutcome{Policy: policy, Covered: big.NewInt(0), WrittenOff: big.NewInt(0)}
	switch policy {
	case BadDebtWriteOff:
		principal := zeroIfNil(loan.BorrowAmount)
		outcome.WrittenOff = loan.TotalDebt()
		pool.BadDebt = new(big.Int).Add(zeroIfNil(pool.BadDebt), principal)
		loan.BorrowAmount = big.NewInt(0)
		loan.AccruedInterest = big.NewInt(0)
		loan.Status = LoanStatusLiquidated
	case BadDebtCoverFromReserves:
		covered := minBig(zeroIfNil(pool.TotalReserves), zeroIfNil(loan.BorrowAmount))
		outcome.Covered = covered
		pool.TotalReserves = new(big.Int).Sub(zeroIfNil(pool.TotalReserves), covered)
		pool.TotalBorrows = new(big.Int).Sub(zeroIfNil(pool.TotalBorrows), covered)
		loan.BorrowAmount = new(big.Int).Sub(zeroIfNil(loan.BorrowAmount), covered)
		if loan.BorrowAmount.Sign() == 0 {
			outcome.WrittenOff = cloneBig(loan.AccruedInterest)
			loan.AccruedInterest = big.NewInt(0)
			loan.Status = LoanStatusLiquidated
		}
	case BadDebtRetain:
	}
	outcome.Remaining = loan.TotalDebt()
	return outcome
}
