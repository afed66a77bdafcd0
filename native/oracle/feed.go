package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"lendcore/native/lending"
)

// Feed is the engine-facing price store. Prices are written by a Manager or
// directly by operators and read through the lending.PriceFeed interface.
type Feed struct {
	mu     sync.RWMutex
	prices map[string]lending.Price
	maxAge time.Duration
	now    func() time.Time
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedClock overrides the clock used for staleness checks.
func WithFeedClock(now func() time.Time) FeedOption {
	return func(f *Feed) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFeed constructs a feed rejecting quotes older than maxAge. A
// non-positive maxAge disables the staleness check.
func NewFeed(maxAge time.Duration, opts ...FeedOption) *Feed {
	f := &Feed{prices: make(map[string]lending.Price), maxAge: maxAge, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// MaxAge returns the staleness window.
func (f *Feed) MaxAge() time.Duration {
	return f.maxAge
}

// Set records a price for asset.
func (f *Feed) Set(asset string, price lending.Price) error {
	key := lending.NormalizeAsset(asset)
	if key == "" {
		return fmt.Errorf("oracle: asset required")
	}
	if price.Value == nil || price.Value.Sign() <= 0 {
		return fmt.Errorf("%w: %s", lending.ErrInvalidPrice, key)
	}
	if price.Confidence > lending.BasisPoints {
		price.Confidence = lending.BasisPoints
	}
	f.mu.Lock()
	f.prices[key] = clonePrice(price)
	f.mu.Unlock()
	return nil
}

// SetDecimal records a decimal price string such as "2000.5" for asset.
func (f *Feed) SetDecimal(asset, value string, ts time.Time, confidence uint64) error {
	scaled, err := ParseDecimal(value)
	if err != nil {
		return err
	}
	return f.Set(asset, lending.Price{Value: scaled, Timestamp: ts, Confidence: confidence})
}

// Price implements lending.PriceFeed.
func (f *Feed) Price(_ context.Context, asset string) (lending.Price, error) {
	price, err := f.lookup(asset)
	if err != nil {
		return lending.Price{}, err
	}
	if f.maxAge > 0 && f.now().Sub(price.Timestamp) > f.maxAge {
		return lending.Price{}, fmt.Errorf("%w: %s last updated %s", lending.ErrStalePriceData, lending.NormalizeAsset(asset), price.Timestamp.UTC().Format(time.RFC3339))
	}
	return price, nil
}

// PriceUnsafe implements lending.PriceFeed without the staleness check.
func (f *Feed) PriceUnsafe(_ context.Context, asset string) (lending.Price, error) {
	return f.lookup(asset)
}

func (f *Feed) lookup(asset string) (lending.Price, error) {
	key := lending.NormalizeAsset(asset)
	f.mu.RLock()
	price, ok := f.prices[key]
	f.mu.RUnlock()
	if !ok {
		return lending.Price{}, fmt.Errorf("%w: %s", lending.ErrOracleNotFound, key)
	}
	return clonePrice(price), nil
}

// Assets lists the assets with a recorded price.
func (f *Feed) Assets() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.prices))
	for asset := range f.prices {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

func clonePrice(p lending.Price) lending.Price {
	clone := p
	if p.Value != nil {
		clone.Value = new(big.Int).Set(p.Value)
	}
	return clone
}
