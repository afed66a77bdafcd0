package lending

import (
	"fmt"
	"math/big"
)

// RateModel is a kinked utilisation curve. Every field is expressed in basis
// points; rates are annual.
type RateModel struct {
	// BaseRateBps is the borrow rate at zero utilisation.
	BaseRateBps uint64 `toml:"BaseRateBps" yaml:"baseRateBps" json:"baseRateBps"`
	// Slope1Bps is the rate added between zero and optimal utilisation.
	Slope1Bps uint64 `toml:"Slope1Bps" yaml:"slope1Bps" json:"slope1Bps"`
	// Slope2Bps is the rate added between optimal and full utilisation.
	Slope2Bps uint64 `toml:"Slope2Bps" yaml:"slope2Bps" json:"slope2Bps"`
	// OptimalUtilizationBps is the kink.
	OptimalUtilizationBps uint64 `toml:"OptimalUtilizationBps" yaml:"optimalUtilizationBps" json:"optimalUtilizationBps"`
}

// DefaultRateModel provides a modest base rate with a steep curve past 80%
// utilisation.
var DefaultRateModel = RateModel{
	BaseRateBps:           200,
	Slope1Bps:             400,
	Slope2Bps:             6_000,
	OptimalUtilizationBps: 8_000,
}

// Validate checks the kink lies inside (0, 10000].
func (m RateModel) Validate() error {
	if m.OptimalUtilizationBps == 0 || m.OptimalUtilizationBps > BasisPoints {
		return fmt.Errorf("%w: optimal utilization %d must be in (0, %d]", ErrInvalidParameters, m.OptimalUtilizationBps, BasisPoints)
	}
	return nil
}

// Utilization returns totalBorrows/totalDeposits in basis points. It is zero
// for an empty pool and never exceeds 10000.
func Utilization(totalBorrows, totalDeposits *big.Int) uint64 {
	if totalBorrows == nil || totalBorrows.Sign() <= 0 {
		return 0
	}
	if totalDeposits == nil || totalDeposits.Sign() <= 0 {
		return 0
	}
	u := mulDiv(totalBorrows, basisPoints, totalDeposits)
	if u.Cmp(basisPoints) > 0 {
		return BasisPoints
	}
	return u.Uint64()
}

// BorrowRate evaluates the curve at the given utilisation.
func (m RateModel) BorrowRate(utilizationBps uint64) uint64 {
	if utilizationBps > BasisPoints {
		utilizationBps = BasisPoints
	}
	optimal := m.OptimalUtilizationBps
	if optimal == 0 {
		return m.BaseRateBps
	}
	if utilizationBps <= optimal {
		return m.BaseRateBps + m.Slope1Bps*utilizationBps/optimal
	}
	excess := utilizationBps - optimal
	return m.BaseRateBps + m.Slope1Bps + m.Slope2Bps*excess/(BasisPoints-optimal)
}

// SupplyRate is the borrow rate blended by utilisation, before the protocol
// fee.
func (m RateModel) SupplyRate(utilizationBps uint64) uint64 {
	if utilizationBps > BasisPoints {
		utilizationBps = BasisPoints
	}
	return m.BorrowRate(utilizationBps) * utilizationBps / BasisPoints
}

// RateSnapshot is the rate model evaluated against a pool.
type RateSnapshot struct {
	Asset          string `json:"asset"`
	UtilizationBps uint64 `json:"utilizationBps"`
	BorrowRateBps  uint64 `json:"borrowRateBps"`
	SupplyRateBps  uint64 `json:"supplyRateBps"`
}

// Snapshot evaluates the model for the supplied totals.
func (m RateModel) Snapshot(asset string, totalBorrows, totalDeposits *big.Int) RateSnapshot {
	u := Utilization(totalBorrows, totalDeposits)
	return RateSnapshot{
		Asset:          asset,
		UtilizationBps: u,
		BorrowRateBps:  m.BorrowRate(u),
		SupplyRateBps:  m.SupplyRate(u),
	}
}

// accruedInterest computes simple interest on principal for elapsed seconds.
func accruedInterest(principal *big.Int, rateBps uint64, elapsed uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rateBps == 0 || elapsed == 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(principal, bps(rateBps))
	interest.Mul(interest, new(big.Int).SetUint64(elapsed))
	denominator := new(big.Int).Mul(secsPerYear, basisPoints)
	return interest.Quo(interest, denominator)
}
