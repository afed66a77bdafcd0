package oracle

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"lendcore/native/lending"
)

// PriceDecimals is the fixed-point precision of lending.Price values.
const PriceDecimals = 18

// ParseDecimal converts a decimal string into a 1e18 scaled integer.
// Precision beyond 18 places is truncated.
func ParseDecimal(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty price", lending.ErrInvalidPrice)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", lending.ErrInvalidPrice, value)
	}
	scaled := d.Shift(PriceDecimals).Truncate(0).BigInt()
	if scaled.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q must be positive", lending.ErrInvalidPrice, value)
	}
	return scaled, nil
}

// FormatDecimal renders a 1e18 scaled integer as a decimal string.
func FormatDecimal(scaled *big.Int) string {
	if scaled == nil {
		return "0"
	}
	return decimal.NewFromBigInt(scaled, -PriceDecimals).String()
}
