package fees

import (
	"fmt"
	"strings"
)

// Category enumerates the protocol fee streams. The set is closed: every
// switch over Category handles each member explicitly.
type Category uint8

const (
	// CategoryInterest is the share of repaid interest routed to the protocol.
	CategoryInterest Category = iota + 1
	// CategoryLiquidation is the share of a liquidation bonus routed to the
	// protocol.
	CategoryLiquidation
)

// Categories lists every valid category in declaration order.
func Categories() []Category {
	return []Category{CategoryInterest, CategoryLiquidation}
}

func (c Category) String() string {
	switch c {
	case CategoryInterest:
		return "interest"
	case CategoryLiquidation:
		return "liquidation"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// Valid reports whether c is one of the declared categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryInterest, CategoryLiquidation:
		return true
	default:
		return false
	}
}

// ParseCategory resolves the textual form used in configuration files and
// CLI flags.
func ParseCategory(raw string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "interest":
		return CategoryInterest, nil
	case "liquidation":
		return CategoryLiquidation, nil
	default:
		return 0, fmt.Errorf("fees: unknown category %q", raw)
	}
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("fees: invalid category %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
