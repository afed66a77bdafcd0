package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"lendcore/native/lending"
)

// Quote is a single upstream observation scaled by 1e18.
type Quote struct {
	Value     *big.Int
	Timestamp time.Time
}

// Source resolves the price of an asset from one upstream.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asset string) (Quote, error)
}

// StaticSource serves operator supplied prices. It backs development setups
// and incident overrides.
type StaticSource struct {
	name   string
	mu     sync.RWMutex
	prices map[string]*big.Int
	now    func() time.Time
}

// NewStaticSource builds a source from decimal price strings keyed by asset.
func NewStaticSource(name string, prices map[string]string) (*StaticSource, error) {
	src := &StaticSource{name: strings.TrimSpace(name), prices: make(map[string]*big.Int), now: time.Now}
	if src.name == "" {
		src.name = "static"
	}
	for asset, raw := range prices {
		if err := src.SetDecimal(asset, raw); err != nil {
			return nil, err
		}
	}
	return src, nil
}

func (s *StaticSource) Name() string { return s.name }

// SetDecimal replaces the price served for asset.
func (s *StaticSource) SetDecimal(asset, value string) error {
	scaled, err := ParseDecimal(value)
	if err != nil {
		return fmt.Errorf("static source %s: %w", asset, err)
	}
	s.mu.Lock()
	s.prices[lending.NormalizeAsset(asset)] = scaled
	s.mu.Unlock()
	return nil
}

func (s *StaticSource) Fetch(_ context.Context, asset string) (Quote, error) {
	s.mu.RLock()
	value, ok := s.prices[lending.NormalizeAsset(asset)]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("static source: no price for %s", asset)
	}
	return Quote{Value: new(big.Int).Set(value), Timestamp: s.now()}, nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// CoinGeckoSource adapts the public CoinGecko simple price API.
type CoinGeckoSource struct {
	client     HTTPDoer
	endpoint   string
	vsCurrency string
	idMap      map[string]string
}

// NewCoinGeckoSource constructs the adapter. idMap maps asset identifiers to
// CoinGecko coin ids; vsCurrency is the quote currency (default "usd").
func NewCoinGeckoSource(client HTTPDoer, endpoint, vsCurrency string, idMap map[string]string) *CoinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	vs := strings.ToLower(strings.TrimSpace(vsCurrency))
	if vs == "" {
		vs = "usd"
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[lending.NormalizeAsset(k)] = strings.TrimSpace(v)
	}
	return &CoinGeckoSource{client: client, endpoint: ep, vsCurrency: vs, idMap: mapped}
}

func (s *CoinGeckoSource) Name() string { return "coingecko" }

func (s *CoinGeckoSource) coinID(asset string) string {
	if id, ok := s.idMap[lending.NormalizeAsset(asset)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(asset))
}

func (s *CoinGeckoSource) Fetch(ctx context.Context, asset string) (Quote, error) {
	id := s.coinID(asset)
	if id == "" {
		return Quote{}, fmt.Errorf("coingecko: unmapped asset %s", asset)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", s.vsCurrency)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: quote missing for %s", asset)
	}
	raw, ok := entry[s.vsCurrency]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: %s price missing for %s", s.vsCurrency, asset)
	}
	value, err := ParseDecimal(raw.String())
	if err != nil {
		return Quote{}, fmt.Errorf("coingecko: %w", err)
	}
	quote := Quote{Value: value, Timestamp: time.Now()}
	if ts, ok := entry["last_updated_at"]; ok {
		if parsed, err := strconv.ParseInt(ts.String(), 10, 64); err == nil && parsed > 0 {
			quote.Timestamp = time.Unix(parsed, 0)
		}
	}
	return quote, nil
}
