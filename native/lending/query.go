package lending

import (
	"fmt"
	"math/big"

	"lendcore/crypto"
)

// Pool returns a copy of the pool for asset.
//
// The read helpers in this file do not take pool locks. Each returns an
// unsynchronized snapshot of the store, which can include the effects of a
// commit whose transfers later fail and are compensated.
func (e *Engine) Pool(asset string) (*Pool, error) {
	asset, err := canonicalAsset(asset)
	if err != nil {
		return nil, err
	}
	pool, ok, err := e.store.Pool(asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAssetNotListed
	}
	return pool, nil
}

// Pools lists every pool. The snapshot is unsynchronized, see Pool.
func (e *Engine) Pools() ([]*Pool, error) {
	return e.store.Pools()
}

// Balance returns the account's deposit in the asset's pool. Unsynchronized.
func (e *Engine) Balance(asset string, account crypto.Address) (*big.Int, error) {
	asset, err := canonicalAsset(asset)
	if err != nil {
		return nil, err
	}
	return e.store.Balance(asset, account)
}

// Rates evaluates the asset's rate model against its current totals, read
// as an unsynchronized snapshot like Pool.
func (e *Engine) Rates(asset string) (RateSnapshot, error) {
	pool, err := e.Pool(asset)
	if err != nil {
		return RateSnapshot{}, err
	}
	return e.rateModel(pool).Snapshot(pool.Asset, pool.TotalBorrows, pool.TotalDeposits), nil
}

// Loan returns the loan with interest accrued up to now. The accrual is not
// persisted and the read is an unsynchronized snapshot, see Pool.
func (e *Engine) Loan(loanID uint64) (*Loan, error) {
	loan, err := e.loanSnapshot(loanID)
	if err != nil {
		return nil, err
	}
	accrue(loan, e.timestamp())
	return loan, nil
}

// LoansOf lists the borrower's loans with interest accrued up to now. Like
// Loan, it reads without pool locks.
func (e *Engine) LoansOf(borrower crypto.Address) ([]*Loan, error) {
	loans, err := e.store.Loans()
	if err != nil {
		return nil, err
	}
	now := e.timestamp()
	out := make([]*Loan, 0)
	for _, loan := range loans {
		if loan.Borrower != borrower {
			continue
		}
		accrue(loan, now)
		out = append(out, loan)
	}
	return out, nil
}

// FeeAccrual returns the fee totals for asset.
func (e *Engine) FeeAccrual(asset string) (*FeeAccrual, error) {
	asset, err := canonicalAsset(asset)
	if err != nil {
		return nil, err
	}
	return e.store.FeeAccrual(asset)
}

// CheckInvariants verifies the accounting identities of every pool:
// borrows never exceed deposits, balances sum to deposits, and borrows equal
// the principal of active loans plus written-off principal.
func (e *Engine) CheckInvariants() error {
	pools, err := e.store.Pools()
	if err != nil {
		return err
	}
	loans, err := e.store.Loans()
	if err != nil {
		return err
	}
	principal := make(map[string]*big.Int)
	for _, loan := range loans {
		if loan.Status != LoanStatusActive {
			continue
		}
		sum, ok := principal[loan.BorrowAsset]
		if !ok {
			sum = big.NewInt(0)
			principal[loan.BorrowAsset] = sum
		}
		sum.Add(sum, zeroIfNil(loan.BorrowAmount))
	}
	for _, pool := range pools {
		deposits := zeroIfNil(pool.TotalDeposits)
		borrows := zeroIfNil(pool.TotalBorrows)
		if borrows.Cmp(deposits) > 0 {
			return fmt.Errorf("lending: %s borrows %s exceed deposits %s", pool.Asset, borrows, deposits)
		}
		balances, err := e.store.Balances(pool.Asset)
		if err != nil {
			return err
		}
		sum := big.NewInt(0)
		for _, amount := range balances {
			sum.Add(sum, amount)
		}
		if sum.Cmp(deposits) != 0 {
			return fmt.Errorf("lending: %s balances %s differ from deposits %s", pool.Asset, sum, deposits)
		}
		expected := new(big.Int).Add(zeroIfNil(principal[pool.Asset]), zeroIfNil(pool.BadDebt))
		if expected.Cmp(borrows) != 0 {
			return fmt.Errorf("lending: %s borrows %s differ from loan principal %s", pool.Asset, borrows, expected)
		}
	}
	return nil
}
