package lending

import (
	"fmt"
	"math/big"
	"strings"

	"lendcore/crypto"
)

// Pool captures the accounting state of a single asset market. Amounts are
// denominated in the asset's smallest unit.
type Pool struct {
	// Asset is the canonical (upper case) asset identifier.
	Asset string
	// TotalDeposits is the sum of every depositor's balance.
	TotalDeposits *big.Int
	// TotalBorrows is the outstanding principal lent out of the pool,
	// including principal moved to BadDebt by a write-off.
	TotalBorrows *big.Int
	// TotalReserves accumulates repaid interest net of the protocol fee.
	TotalReserves *big.Int
	// BadDebt is principal written off from loans that lost all collateral.
	BadDebt *big.Int
	// LastUpdateTime is the unix time of the last mutation.
	LastUpdateTime uint64

	IsActive         bool
	BorrowingEnabled bool
	DepositsEnabled  bool

	// CollateralFactorBps bounds how much may be borrowed against this asset.
	CollateralFactorBps uint64
	// LiquidationThresholdBps is copied into new loans using this asset as
	// collateral. Zero means "same as the collateral factor".
	LiquidationThresholdBps uint64
	// LiquidationBonusBps is the premium paid to liquidators seizing this
	// asset.
	LiquidationBonusBps uint64

	// SupplyCap and BorrowCap limit TotalDeposits and TotalBorrows. Nil or
	// zero disables the cap.
	SupplyCap *big.Int
	BorrowCap *big.Int

	// RateModel overrides the engine default when set.
	RateModel *RateModel
}

// AvailableLiquidity returns TotalDeposits - TotalBorrows, floored at zero.
func (p *Pool) AvailableLiquidity() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	available := new(big.Int).Sub(zeroIfNil(p.TotalDeposits), zeroIfNil(p.TotalBorrows))
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	return available
}

// EffectiveLiquidationThreshold resolves the threshold copied into loans.
func (p *Pool) EffectiveLiquidationThreshold() uint64 {
	if p == nil {
		return 0
	}
	if p.LiquidationThresholdBps == 0 {
		return p.CollateralFactorBps
	}
	return p.LiquidationThresholdBps
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalDeposits = cloneBig(p.TotalDeposits)
	clone.TotalBorrows = cloneBig(p.TotalBorrows)
	clone.TotalReserves = cloneBig(p.TotalReserves)
	clone.BadDebt = cloneBig(p.BadDebt)
	if p.SupplyCap != nil {
		clone.SupplyCap = new(big.Int).Set(p.SupplyCap)
	}
	if p.BorrowCap != nil {
		clone.BorrowCap = new(big.Int).Set(p.BorrowCap)
	}
	if p.RateModel != nil {
		model := *p.RateModel
		clone.RateModel = &model
	}
	return &clone
}

// LoanStatus tracks the lifecycle of a loan.
type LoanStatus uint8

const (
	LoanStatusActive LoanStatus = iota + 1
	LoanStatusRepaid
	LoanStatusLiquidated
)

func (s LoanStatus) String() string {
	switch s {
	case LoanStatusActive:
		return "active"
	case LoanStatusRepaid:
		return "repaid"
	case LoanStatusLiquidated:
		return "liquidated"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further mutation is permitted.
func (s LoanStatus) Terminal() bool {
	return s == LoanStatusRepaid || s == LoanStatusLiquidated
}

func (s LoanStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LoanStatus) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "active":
		*s = LoanStatusActive
	case "repaid":
		*s = LoanStatusRepaid
	case "liquidated":
		*s = LoanStatusLiquidated
	default:
		return fmt.Errorf("lending: unknown loan status %q", text)
	}
	return nil
}

// Loan is a single collateralised borrow position.
type Loan struct {
	ID               uint64
	Borrower         crypto.Address
	CollateralAsset  string
	BorrowAsset      string
	CollateralAmount *big.Int
	// BorrowAmount is the outstanding principal.
	BorrowAmount *big.Int
	// InterestRateBps is the annual rate fixed at origination.
	InterestRateBps uint64
	StartTime       uint64
	LastUpdateTime  uint64
	AccruedInterest *big.Int
	// LiquidationThresholdBps is fixed at origination.
	LiquidationThresholdBps uint64
	Status                  LoanStatus
}

// TotalDebt returns principal plus accrued interest.
func (l *Loan) TotalDebt() *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Add(zeroIfNil(l.BorrowAmount), zeroIfNil(l.AccruedInterest))
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.CollateralAmount = cloneBig(l.CollateralAmount)
	clone.BorrowAmount = cloneBig(l.BorrowAmount)
	clone.AccruedInterest = cloneBig(l.AccruedInterest)
	return &clone
}

// FeeAccrual tracks protocol fees per asset. Pending holds fees whose
// transfer to the fee recipient failed and await a sweep.
type FeeAccrual struct {
	Asset     string
	Pending   *big.Int
	Collected *big.Int
}

// Clone returns a deep copy of the fee accrual structure.
func (f *FeeAccrual) Clone() *FeeAccrual {
	if f == nil {
		return nil
	}
	return &FeeAccrual{Asset: f.Asset, Pending: cloneBig(f.Pending), Collected: cloneBig(f.Collected)}
}

// NormalizeAsset canonicalises asset identifiers for consistent lookups.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func validAsset(asset string) bool {
	if asset == "" || len(asset) > 32 {
		return false
	}
	for _, r := range asset {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
