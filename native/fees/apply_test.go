package fees

import (
	"math/big"
	"testing"

	"github.com/BurntSushi/toml"
)

func TestApplySplitsByCategory(t *testing.T) {
	schedule := Schedule{InterestBps: 1_000, LiquidationBps: 250}
	tests := []struct {
		name     string
		category Category
		gross    int64
		fee      int64
		net      int64
	}{
		{name: "interest", category: CategoryInterest, gross: 1_234, fee: 123, net: 1_111},
		{name: "liquidation", category: CategoryLiquidation, gross: 400, fee: 10, net: 390},
		{name: "zero gross", category: CategoryInterest, gross: 0, fee: 0, net: 0},
		{name: "unknown category", category: Category(42), gross: 500, fee: 0, net: 500},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := Apply(schedule, tc.category, big.NewInt(tc.gross))
			if result.Fee.Int64() != tc.fee || result.Net.Int64() != tc.net {
				t.Fatalf("fee/net = %s/%s, want %d/%d", result.Fee, result.Net, tc.fee, tc.net)
			}
		})
	}
}

func TestApplyFullRate(t *testing.T) {
	result := Apply(Schedule{InterestBps: 10_000}, CategoryInterest, big.NewInt(77))
	if result.Fee.Int64() != 77 || result.Net.Sign() != 0 {
		t.Fatalf("expected whole amount as fee, got fee=%s net=%s", result.Fee, result.Net)
	}
}

func TestScheduleValidate(t *testing.T) {
	if err := (Schedule{InterestBps: 10_001}).Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
	if err := (Schedule{InterestBps: 500, LiquidationBps: 100}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCategoryTextRoundTrip(t *testing.T) {
	var decoded struct {
		Category Category `toml:"category"`
	}
	if _, err := toml.Decode(`category = "liquidation"`, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Category != CategoryLiquidation {
		t.Fatalf("unexpected category %v", decoded.Category)
	}
	if _, err := toml.Decode(`category = "pos"`, &decoded); err == nil {
		t.Fatalf("expected unknown category to fail")
	}
	if _, err := Category(0).MarshalText(); err == nil {
		t.Fatalf("expected invalid category marshal to fail")
	}
}

func TestTotalsAccumulate(t *testing.T) {
	var totals Totals
	schedule := Schedule{InterestBps: 1_000}
	totals.Add(Apply(schedule, CategoryInterest, big.NewInt(100)))
	totals.Add(Apply(schedule, CategoryInterest, big.NewInt(50)))
	if got := totals.FeeFor(CategoryInterest); got.Int64() != 15 {
		t.Fatalf("expected accumulated fee 15, got %s", got)
	}
	if got := totals.FeeFor(CategoryLiquidation); got.Sign() != 0 {
		t.Fatalf("expected zero liquidation fee, got %s", got)
	}
}
