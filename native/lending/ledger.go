package lending

import (
	"context"
	"fmt"
	"math/big"

	"lendcore/core/events"
	"lendcore/native/fees"
)

// BorrowRequest describes a new loan.
type BorrowRequest struct {
	CollateralAsset  string
	BorrowAsset      string
	CollateralAmount *big.Int
	BorrowAmount     *big.Int
}

// RepayResult summarises a repayment.
type RepayResult struct {
	LoanID             uint64
	Repaid             *big.Int
	InterestPaid       *big.Int
	PrincipalPaid      *big.Int
	ProtocolFee        *big.Int
	CollateralReturned *big.Int
	RemainingDebt      *big.Int
	Closed             bool
}

// accrue adds interest earned since the loan's last update. Interest is
// simple and computed on outstanding principal at the origination rate.
// When the elapsed time yields less than one unit of interest the update time
// is left in place so the elapsed time keeps counting.
func accrue(loan *Loan, now uint64) *big.Int {
	if loan == nil || loan.Status != LoanStatusActive || now <= loan.LastUpdateTime {
		return big.NewInt(0)
	}
	interest := accruedInterest(loan.BorrowAmount, loan.InterestRateBps, now-loan.LastUpdateTime)
	if interest.Sign() == 0 {
		if zeroIfNil(loan.BorrowAmount).Sign() == 0 || loan.InterestRateBps == 0 {
			loan.LastUpdateTime = now
		}
		return interest
	}
	loan.AccruedInterest = new(big.Int).Add(zeroIfNil(loan.AccruedInterest), interest)
	loan.LastUpdateTime = now
	return interest
}

// CreateLoan locks collateral and lends the borrow asset out of its pool. The
// new loan id is returned.
func (e *Engine) CreateLoan(ctx context.Context, caller Caller, req BorrowRequest) (uint64, error) {
	ctx, err := e.begin(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.guard(); err != nil {
		return 0, err
	}
	if caller.address.IsZero() {
		return 0, ErrZeroAddress
	}
	if req.CollateralAmount == nil || req.CollateralAmount.Sign() <= 0 {
		return 0, ErrZeroAmount
	}
	if req.BorrowAmount == nil || req.BorrowAmount.Sign() <= 0 {
		return 0, ErrZeroAmount
	}
	collateralAsset, err := canonicalAsset(req.CollateralAsset)
	if err != nil {
		return 0, err
	}
	borrowAsset, err := canonicalAsset(req.BorrowAsset)
	if err != nil {
		return 0, err
	}
	if collateralAsset == borrowAsset {
		return 0, fmt.Errorf("%w: collateral and borrow asset must differ", ErrInvalidAsset)
	}
	cfg := e.Config()
	if req.BorrowAmount.Cmp(cfg.MinLoanAmount) < 0 {
		return 0, ErrBorrowAmountTooSmall
	}

	unlock := e.locks.lock(collateralAsset, borrowAsset)
	defer unlock()

	tx := newTxn(e.store, e.timestamp())
	borrowPool, err := tx.pool(borrowAsset)
	if err != nil {
		return 0, err
	}
	if !borrowPool.IsActive {
		return 0, fmt.Errorf("%w: %s", ErrAssetNotActive, borrowAsset)
	}
	if !borrowPool.BorrowingEnabled {
		return 0, fmt.Errorf("%w: borrowing disabled for %s", ErrAssetNotActive, borrowAsset)
	}
	collateralPool, err := tx.pool(collateralAsset)
	if err != nil {
		return 0, err
	}
	if !collateralPool.IsActive {
		return 0, fmt.Errorf("%w: %s", ErrAssetNotActive, collateralAsset)
	}
	if collateralPool.CollateralFactorBps == 0 {
		return 0, fmt.Errorf("%w: %s is not accepted as collateral", ErrAssetNotActive, collateralAsset)
	}
	collateralPrice, err := e.price(ctx, collateralAsset)
	if err != nil {
		return 0, err
	}
	borrowPrice, err := e.price(ctx, borrowAsset)
	if err != nil {
		return 0, err
	}
	collateralValue := new(big.Int).Mul(collateralPrice.Value, req.CollateralAmount)
	borrowValue := new(big.Int).Mul(borrowPrice.Value, req.BorrowAmount)
	// collateralValue >= borrowValue * 10000 / collateralFactor, kept in
	// integers by cross multiplying.
	lhs := new(big.Int).Mul(collateralValue, bps(collateralPool.CollateralFactorBps))
	rhs := new(big.Int).Mul(borrowValue, basisPoints)
	if lhs.Cmp(rhs) < 0 {
		return 0, ErrInsufficientCollateral
	}
	// Collateral is judged before liquidity so an undercollateralised request
	// reports the collateral shortfall even against a thin pool.
	if borrowPool.AvailableLiquidity().Cmp(req.BorrowAmount) < 0 {
		return 0, ErrInsufficientLiquidity
	}
	newBorrows := new(big.Int).Add(zeroIfNil(borrowPool.TotalBorrows), req.BorrowAmount)
	if capExceeded(newBorrows, borrowPool.BorrowCap) {
		return 0, ErrBorrowCapExceeded
	}

	borrowPool.TotalBorrows = newBorrows
	tx.putPool(borrowPool)
	rate := e.rateModel(borrowPool).BorrowRate(Utilization(newBorrows, borrowPool.TotalDeposits))

	id := e.loanSeq.Add(1)
	tx.loanSeq = id
	loan := &Loan{
		ID:                      id,
		Borrower:                caller.address,
		CollateralAsset:         collateralAsset,
		BorrowAsset:             borrowAsset,
		CollateralAmount:        new(big.Int).Set(req.CollateralAmount),
		BorrowAmount:            new(big.Int).Set(req.BorrowAmount),
		InterestRateBps:         rate,
		StartTime:               tx.now,
		LastUpdateTime:          tx.now,
		AccruedInterest:         big.NewInt(0),
		LiquidationThresholdBps: collateralPool.EffectiveLiquidationThreshold(),
		Status:                  LoanStatusActive,
	}
	tx.putLoan(loan)
	tx.moveIn(collateralAsset, caller.address, req.CollateralAmount)
	tx.moveOut(borrowAsset, caller.address, req.BorrowAmount)
	tx.emit(events.LoanCreated{
		LoanID:           id,
		Borrower:         caller.address,
		CollateralAsset:  collateralAsset,
		BorrowAsset:      borrowAsset,
		CollateralAmount: new(big.Int).Set(req.CollateralAmount),
		BorrowAmount:     new(big.Int).Set(req.BorrowAmount),
		RateBps:          rate,
	})
	if err := e.commit(ctx, tx); err != nil {
		return 0, err
	}
	return id, nil
}

// RepayLoan repays up to amount of the loan's debt, interest first. An amount
// of zero (or nil) repays the whole debt. Only the borrower may repay.
func (e *Engine) RepayLoan(ctx context.Context, caller Caller, loanID uint64, amount *big.Int) (*RepayResult, error) {
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
	if amount != nil && amount.Sign() < 0 {
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
	if loan.Borrower != caller.address {
		return nil, ErrUnauthorizedAccess
	}
	if loan.Status.Terminal() {
		return nil, ErrLoanClosed
	}
	accrue(loan, tx.now)

	totalDebt := loan.TotalDebt()
	repay := new(big.Int).Set(totalDebt)
	if amount != nil && amount.Sign() > 0 {
		repay = minBig(amount, totalDebt)
	}
	interestPaid := minBig(repay, zeroIfNil(loan.AccruedInterest))
	principalPaid := new(big.Int).Sub(repay, interestPaid)

	borrowPool, err := tx.pool(loan.BorrowAsset)
	if err != nil {
		return nil, err
	}
	fee := e.skim(tx, borrowPool, interestPaid)
	borrowPool.TotalBorrows = new(big.Int).Sub(zeroIfNil(borrowPool.TotalBorrows), principalPaid)
	tx.putPool(borrowPool)

	loan.AccruedInterest = new(big.Int).Sub(zeroIfNil(loan.AccruedInterest), interestPaid)
	loan.BorrowAmount = new(big.Int).Sub(zeroIfNil(loan.BorrowAmount), principalPaid)

	result := &RepayResult{
		LoanID:             loanID,
		Repaid:             repay,
		InterestPaid:       interestPaid,
		PrincipalPaid:      principalPaid,
		ProtocolFee:        fee,
		CollateralReturned: big.NewInt(0),
	}
	tx.moveIn(loan.BorrowAsset, caller.address, repay)
	if loan.TotalDebt().Sign() == 0 {
		result.Closed = true
		result.CollateralReturned = cloneBig(loan.CollateralAmount)
		loan.CollateralAmount = big.NewInt(0)
		loan.Status = LoanStatusRepaid
		tx.moveOut(loan.CollateralAsset, caller.address, result.CollateralReturned)
	}
	result.RemainingDebt = loan.TotalDebt()
	tx.putLoan(loan)
	tx.emit(events.LoanRepaid{
		LoanID:             loanID,
		Borrower:           caller.address,
		Asset:              loan.BorrowAsset,
		Amount:             new(big.Int).Set(repay),
		InterestPaid:       new(big.Int).Set(interestPaid),
		PrincipalPaid:      new(big.Int).Set(principalPaid),
		ProtocolFee:        new(big.Int).Set(fee),
		CollateralReturned: new(big.Int).Set(result.CollateralReturned),
		Closed:             result.Closed,
	})
	if err := e.commit(ctx, tx); err != nil {
		return nil, err
	}
	return result, nil
}

// skim splits repaid interest between the protocol fee and the pool's
// reserves and queues the fee transfer. The fee amount is returned.
func (e *Engine) skim(tx *txn, pool *Pool, interestPaid *big.Int) *big.Int {
	if interestPaid.Sign() == 0 {
		return big.NewInt(0)
	}
	cfg := e.Config()
	split := fees.Apply(cfg.Fees, fees.CategoryInterest, interestPaid)
	pool.TotalReserves = new(big.Int).Add(zeroIfNil(pool.TotalReserves), split.Net)
	tx.fee(fees.CategoryInterest, pool.Asset, split.Fee)
	return split.Fee
}

func (e *Engine) loanSnapshot(loanID uint64) (*Loan, error) {
	loan, ok, err := e.store.Loan(loanID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLoanDoesNotExist
	}
	return loan, nil
}

func (e *Engine) price(ctx context.Context, asset string) (Price, error) {
	quote, err := e.prices.Price(ctx, asset)
	if err != nil {
		return Price{}, err
	}
	if quote.Value == nil || quote.Value.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: %s", ErrInvalidPrice, asset)
	}
	return quote, nil
}
