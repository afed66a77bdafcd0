package oracle

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"lendcore/native/lending"
)

// Round is the aggregated result of one polling cycle for an asset.
type Round struct {
	Asset      string
	Median     *big.Int
	Confidence uint64
	Feeders    []string
	RoundID    string
	Time       time.Time
}

// Manager polls the configured sources, aggregates them into a median and
// writes the result to the feed.
type Manager struct {
	logger     *slog.Logger
	feed       *Feed
	sources    []Source
	assets     []string
	minSources int
	maxAge     time.Duration
	interval   time.Duration
	now        func() time.Time
	onRound    func(Round)
	onFailure  func(asset string, err error)

	mu     sync.RWMutex
	rounds map[string]Round
	once   sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the clock used to judge quote freshness.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRoundHook registers a callback invoked after every published round.
func WithRoundHook(fn func(Round)) Option {
	return func(m *Manager) {
		m.onRound = fn
	}
}

// WithFailureHook registers a callback invoked when an asset's round cannot
// be published.
func WithFailureHook(fn func(asset string, err error)) Option {
	return func(m *Manager) {
		m.onFailure = fn
	}
}

// NewManager constructs a manager instance.
func NewManager(feed *Feed, sources []Source, assets []string, interval time.Duration, minSources int, opts ...Option) (*Manager, error) {
	if feed == nil {
		return nil, fmt.Errorf("oracle: feed required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("oracle: at least one source required")
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("oracle: at least one asset required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("oracle: interval must be positive")
	}
	if minSources <= 0 {
		minSources = 1
	}
	normalized := make([]string, 0, len(assets))
	for _, asset := range assets {
		if key := lending.NormalizeAsset(asset); key != "" {
			normalized = append(normalized, key)
		}
	}
	mgr := &Manager{
		logger:     slog.Default(),
		feed:       feed,
		sources:    append([]Source{}, sources...),
		assets:     normalized,
		minSources: minSources,
		maxAge:     feed.MaxAge(),
		interval:   interval,
		now:        time.Now,
		rounds:     make(map[string]Round),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Run blocks, periodically polling upstream sources until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", slog.Int("sources", len(m.sources)), slog.Int("assets", len(m.assets)))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle. Every asset is attempted; the
// first failure is returned.
func (m *Manager) Tick(ctx context.Context) error {
	var firstErr error
	for _, asset := range m.assets {
		err := m.processAsset(ctx, asset)
		if err == nil {
			continue
		}
		if m.onFailure != nil {
			m.onFailure(asset, err)
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LastRound returns the most recent round for asset.
func (m *Manager) LastRound(asset string) (Round, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	round, ok := m.rounds[lending.NormalizeAsset(asset)]
	return round, ok
}

func (m *Manager) processAsset(ctx context.Context, asset string) error {
	now := m.now()
	values := make([]*big.Int, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	var newest time.Time
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		quote, err := src.Fetch(ctx, asset)
		if err != nil {
			m.logger.Warn("oracle source failed", slog.String("source", src.Name()), slog.String("asset", asset), slog.Any("error", err))
			continue
		}
		if quote.Value == nil || quote.Value.Sign() <= 0 {
			m.logger.Warn("oracle source returned invalid price", slog.String("source", src.Name()), slog.String("asset", asset))
			continue
		}
		if quote.Timestamp.After(now.Add(5 * time.Second)) {
			m.logger.Warn("oracle source produced future timestamp", slog.String("source", src.Name()), slog.String("asset", asset))
			continue
		}
		if m.maxAge > 0 && quote.Timestamp.Before(now.Add(-m.maxAge)) {
			m.logger.Warn("oracle source quote expired", slog.String("source", src.Name()), slog.String("asset", asset))
			continue
		}
		values = append(values, new(big.Int).Set(quote.Value))
		feeders = append(feeders, src.Name())
		if quote.Timestamp.After(newest) {
			newest = quote.Timestamp
		}
	}
	if len(values) < m.minSources {
		return fmt.Errorf("oracle: insufficient sources for %s: %d of %d", asset, len(values), m.minSources)
	}
	median := computeMedian(values)
	round := Round{
		Asset:      asset,
		Median:     median,
		Confidence: confidence(values, median),
		Feeders:    feeders,
		RoundID:    roundID(asset, feeders, now),
		Time:       newest,
	}
	if err := m.feed.Set(asset, lending.Price{Value: median, Timestamp: newest, Confidence: round.Confidence}); err != nil {
		return err
	}
	m.mu.Lock()
	m.rounds[asset] = round
	m.mu.Unlock()
	if m.onRound != nil {
		m.onRound(round)
	}
	return nil
}

func computeMedian(values []*big.Int) *big.Int {
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid])
	}
	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Rsh(sum, 1)
}

// confidence is 10000 minus the spread between the extreme quotes relative
// to the median, in basis points.
func confidence(values []*big.Int, median *big.Int) uint64 {
	if len(values) < 2 || median.Sign() == 0 {
		return lending.BasisPoints
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v.Cmp(lo) < 0 {
			lo = v
		}
		if v.Cmp(hi) > 0 {
			hi = v
		}
	}
	spread := new(big.Int).Sub(hi, lo)
	spread.Mul(spread, big.NewInt(lending.BasisPoints))
	spread.Quo(spread, median)
	if spread.Cmp(big.NewInt(lending.BasisPoints)) >= 0 {
		return 0
	}
	return lending.BasisPoints - spread.Uint64()
}

func roundID(asset string, feeders []string, ts time.Time) string {
	digest := blake3.New(32, nil)
	digest.Write([]byte(strings.ToUpper(strings.TrimSpace(asset))))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}
