package fees

import (
	"fmt"
	"math/big"
)

const basisPoints = 10_000

// Schedule carries the protocol fee rate for each category in basis points.
type Schedule struct {
	InterestBps    uint32 `toml:"InterestBps" yaml:"interestBps"`
	LiquidationBps uint32 `toml:"LiquidationBps" yaml:"liquidationBps"`
}

// RateBps returns the configured rate for the category. Unknown categories
// carry no fee.
func (s Schedule) RateBps(category Category) uint32 {
	switch category {
	case CategoryInterest:
		return s.InterestBps
	case CategoryLiquidation:
		return s.LiquidationBps
	default:
		return 0
	}
}

// Validate ensures every rate is a valid fraction.
func (s Schedule) Validate() error {
	for _, category := range Categories() {
		if rate := s.RateBps(category); rate > basisPoints {
			return fmt.Errorf("fees: %s rate %d exceeds %d bps", category, rate, basisPoints)
		}
	}
	return nil
}

// ApplyResult splits a gross amount into the protocol fee and the remainder.
type ApplyResult struct {
	Category Category
	Fee      *big.Int
	Net      *big.Int
}

// Apply computes the fee owed on gross for the category. Fees round down so
// the protocol never takes more than its configured share.
func Apply(schedule Schedule, category Category, gross *big.Int) ApplyResult {
	result := ApplyResult{Category: category, Fee: big.NewInt(0), Net: big.NewInt(0)}
	if gross == nil || gross.Sign() <= 0 {
		return result
	}
	result.Net = new(big.Int).Set(gross)
	rate := schedule.RateBps(category)
	if rate == 0 {
		return result
	}
	fee := new(big.Int).Mul(gross, big.NewInt(int64(rate)))
	fee.Quo(fee, big.NewInt(basisPoints))
	if fee.Cmp(gross) >= 0 {
		result.Fee = new(big.Int).Set(gross)
		result.Net = big.NewInt(0)
		return result
	}
	result.Fee = fee
	result.Net.Sub(result.Net, fee)
	return result
}

// Totals aggregates fee accounting per category.
type Totals struct {
	Gross map[Category]*big.Int
	Fee   map[Category]*big.Int
}

// Add accumulates an applied result.
func (t *Totals) Add(result ApplyResult) {
	if t.Gross == nil {
		t.Gross = make(map[Category]*big.Int)
		t.Fee = make(map[Category]*big.Int)
	}
	gross := new(big.Int).Add(result.Fee, result.Net)
	if current, ok := t.Gross[result.Category]; ok {
		current.Add(current, gross)
	} else {
		t.Gross[result.Category] = gross
	}
	if current, ok := t.Fee[result.Category]; ok {
		current.Add(current, result.Fee)
	} else {
		t.Fee[result.Category] = new(big.Int).Set(result.Fee)
	}
}

// FeeFor returns the accumulated fee for the category.
func (t Totals) FeeFor(category Category) *big.Int {
	if v, ok := t.Fee[category]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}
