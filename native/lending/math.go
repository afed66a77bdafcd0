package lending

import "math/big"

const (
	// BasisPoints is the denominator of every bps parameter.
	BasisPoints = 10_000
	// SecondsPerYear is the accrual year (365 days).
	SecondsPerYear = 365 * 24 * 60 * 60
)

var (
	basisPoints = big.NewInt(BasisPoints)
	secsPerYear = big.NewInt(SecondsPerYear)
	// HealthFactorOne is the health factor exactly at the liquidation
	// threshold.
	HealthFactorOne = mustBigInt("1000000000000000000")
	// MaxHealthFactor is reported for loans without debt.
	MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// mulDiv returns a*b/c rounded down. c must be non-zero.
func mulDiv(a, b, c *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

func bps(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

// capExceeded reports whether value is above a configured (non-zero) cap.
func capExceeded(value, limit *big.Int) bool {
	if limit == nil || limit.Sign() == 0 {
		return false
	}
	return value.Cmp(limit) > 0
}
