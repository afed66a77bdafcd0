package lending

import (
	"context"
	"math/big"
)

// computeHealthFactor returns collateralValue * threshold / debtValue scaled
// so HealthFactorOne sits exactly at the liquidation threshold. Loans without
// debt report MaxHealthFactor.
func computeHealthFactor(loan *Loan, collateralPrice, borrowPrice Price) *big.Int {
	debt := loan.TotalDebt()
	if debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	debtValue := new(big.Int).Mul(borrowPrice.Value, debt)
	if debtValue.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	collateralValue := new(big.Int).Mul(collateralPrice.Value, zeroIfNil(loan.CollateralAmount))
	numerator := new(big.Int).Mul(collateralValue, bps(loan.LiquidationThresholdBps))
	numerator.Mul(numerator, HealthFactorOne)
	denominator := new(big.Int).Mul(debtValue, basisPoints)
	return numerator.Quo(numerator, denominator)
}

// Liquidatable reports whether a health factor is below one.
func Liquidatable(healthFactor *big.Int) bool {
	return healthFactor != nil && healthFactor.Cmp(HealthFactorOne) < 0
}

// HealthFactor evaluates a loan against fresh prices. Interest is accrued on a
// copy of the loan, so repeated calls at the same instant and prices return
// the same value and stored state is untouched.
func (e *Engine) HealthFactor(ctx context.Context, loanID uint64) (*big.Int, error) {
	position, err := e.position(ctx, loanID, e.price)
	if err != nil {
		return nil, err
	}
	return position.HealthFactor, nil
}

// Position is an informational view of a loan.
type Position struct {
	Loan            *Loan
	CollateralValue *big.Int
	DebtValue       *big.Int
	HealthFactor    *big.Int
	Liquidatable    bool
}

// Position evaluates a loan using last known prices without the staleness
// check. It is meant for dashboards and must not drive state changes.
func (e *Engine) Position(ctx context.Context, loanID uint64) (*Position, error) {
	return e.position(ctx, loanID, func(ctx context.Context, asset string) (Price, error) {
		quote, err := e.prices.PriceUnsafe(ctx, asset)
		if err != nil {
			return Price{}, err
		}
		if quote.Value == nil || quote.Value.Sign() <= 0 {
			return Price{}, ErrInvalidPrice
		}
		return quote, nil
	})
}

func (e *Engine) position(ctx context.Context, loanID uint64, price func(context.Context, string) (Price, error)) (*Position, error) {
	ctx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	snapshot, err := e.loanSnapshot(loanID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(snapshot.CollateralAsset, snapshot.BorrowAsset)
	loan, err := e.loanSnapshot(loanID)
	unlock()
	if err != nil {
		return nil, err
	}
	accrue(loan, e.timestamp())

	collateralPrice, err := price(ctx, loan.CollateralAsset)
	if err != nil {
		return nil, err
	}
	borrowPrice, err := price(ctx, loan.BorrowAsset)
	if err != nil {
		return nil, err
	}
	hf := computeHealthFactor(loan, collateralPrice, borrowPrice)
	return &Position{
		Loan:            loan,
		CollateralValue: new(big.Int).Mul(collateralPrice.Value, zeroIfNil(loan.CollateralAmount)),
		DebtValue:       new(big.Int).Mul(borrowPrice.Value, loan.TotalDebt()),
		HealthFactor:    hf,
		Liquidatable:    loan.Status == LoanStatusActive && Liquidatable(hf),
	}, nil
}
