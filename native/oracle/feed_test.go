package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"lendcore/native/lending"
)

func TestFeedStaleness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	feed := NewFeed(time.Minute, WithFeedClock(func() time.Time { return now }))
	if err := feed.SetDecimal("eth", "2000", now.Add(-2*time.Minute), 9000); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := feed.Price(context.Background(), "ETH"); !errors.Is(err, lending.ErrStalePriceData) {
		t.Fatalf("expected stale error, got %v", err)
	}
	price, err := feed.PriceUnsafe(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("unsafe: %v", err)
	}
	want, _ := new(big.Int).SetString("2000000000000000000000", 10)
	if price.Value.Cmp(want) != 0 {
		t.Fatalf("unexpected value %s", price.Value)
	}
	if _, err := feed.Price(context.Background(), "BTC"); !errors.Is(err, lending.ErrOracleNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFeedRejectsNonPositive(t *testing.T) {
	feed := NewFeed(0)
	if err := feed.Set("ETH", lending.Price{Value: big.NewInt(0)}); !errors.Is(err, lending.ErrInvalidPrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}
	if err := feed.Set("ETH", lending.Price{Value: big.NewInt(5), Confidence: 20_000}); err != nil {
		t.Fatalf("set: %v", err)
	}
	price, _ := feed.PriceUnsafe(context.Background(), "eth")
	if price.Confidence != lending.BasisPoints {
		t.Fatalf("confidence not capped: %d", price.Confidence)
	}
	price.Value.SetInt64(99)
	again, _ := feed.PriceUnsafe(context.Background(), "eth")
	if again.Value.Int64() != 5 {
		t.Fatalf("feed leaked internal state")
	}
}

func TestParseDecimal(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "1", want: "1000000000000000000"},
		{in: "0.000000000000000001", want: "1"},
		{in: "2000.5", want: "2000500000000000000000"},
		{in: "-1", err: true},
		{in: "abc", err: true},
	}
	for _, tc := range cases {
		got, err := ParseDecimal(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("%s: got %s want %s", tc.in, got, tc.want)
		}
	}
	if FormatDecimal(big.NewInt(1_500_000_000_000_000_000)) != "1.5" {
		t.Fatalf("unexpected format %s", FormatDecimal(big.NewInt(1_500_000_000_000_000_000)))
	}
}
