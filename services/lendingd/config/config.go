package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lendcore/crypto"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for the lending daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	MarketsPath   string          `yaml:"markets"`
	Custody       string          `yaml:"custody"`
	TLS           TLSConfig       `yaml:"tls"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Storage       StorageConfig   `yaml:"storage"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Journal       JournalConfig   `yaml:"journal"`
	Sweeper       SweeperConfig   `yaml:"sweeper"`
	Logging       LoggingConfig   `yaml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Dev           DevConfig       `yaml:"dev"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	ClockSkew Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds requests per authenticated principal.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// StorageConfig selects the key-value backend holding lending and bank state.
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	CacheSize int    `yaml:"cache_size"`
}

// OracleConfig tunes the price aggregation loop.
type OracleConfig struct {
	Interval   Duration          `yaml:"interval"`
	MaxAge     Duration          `yaml:"max_age"`
	MinSources int               `yaml:"min_sources"`
	Static     map[string]string `yaml:"static"`
	CoinGecko  CoinGeckoConfig   `yaml:"coingecko"`
}

// CoinGeckoConfig enables the CoinGecko simple price source when IDs is set.
type CoinGeckoConfig struct {
	Endpoint   string            `yaml:"endpoint"`
	VsCurrency string            `yaml:"vs_currency"`
	IDs        map[string]string `yaml:"ids"`
	Timeout    Duration          `yaml:"timeout"`
}

// Enabled reports whether any asset is mapped to a CoinGecko id.
func (c CoinGeckoConfig) Enabled() bool { return len(c.IDs) > 0 }

// JournalConfig points the event journal at a SQL database.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SweeperConfig drives the background protocol fee sweeper.
type SweeperConfig struct {
	Interval    Duration `yaml:"interval"`
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     Duration `yaml:"backoff"`
}

// LoggingConfig controls the log level and optional rotating file.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// TelemetryConfig enables OTLP export when an endpoint is set.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Headers     string  `yaml:"headers"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// DevConfig holds switches that must stay off in production.
type DevConfig struct {
	MintEnabled bool `yaml:"mint_enabled"`
}

// Load reads the YAML configuration from disk, applies LENDINGD_* environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}
	str("LENDINGD_LISTEN", &cfg.ListenAddress)
	str("LENDINGD_ENV", &cfg.Environment)
	str("LENDINGD_MARKETS", &cfg.MarketsPath)
	str("LENDINGD_CUSTODY", &cfg.Custody)
	str("LENDINGD_JWT_SECRET", &cfg.Auth.JWTSecret)
	str("LENDINGD_STORAGE_BACKEND", &cfg.Storage.Backend)
	str("LENDINGD_STORAGE_PATH", &cfg.Storage.Path)
	str("LENDINGD_JOURNAL_DRIVER", &cfg.Journal.Driver)
	str("LENDINGD_JOURNAL_DSN", &cfg.Journal.DSN)
	str("LENDINGD_LOG_LEVEL", &cfg.Logging.Level)
	str("LENDINGD_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	if value, ok := lookup("LENDINGD_DEV_MINT"); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("LENDINGD_DEV_MINT: %w", err)
		}
		cfg.Dev.MintEnabled = parsed
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8480"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.MarketsPath == "" {
		cfg.MarketsPath = "markets.toml"
	}
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	if cfg.Storage.Path == "" && cfg.Storage.Backend != "memory" {
		cfg.Storage.Path = "data/lendingd"
	}
	if cfg.Oracle.Interval.Duration <= 0 {
		cfg.Oracle.Interval.Duration = 15 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration <= 0 {
		cfg.Oracle.MaxAge.Duration = time.Minute
	}
	if cfg.Oracle.MinSources <= 0 {
		cfg.Oracle.MinSources = 1
	}
	if cfg.Oracle.CoinGecko.VsCurrency == "" {
		cfg.Oracle.CoinGecko.VsCurrency = "usd"
	}
	if cfg.Oracle.CoinGecko.Timeout.Duration <= 0 {
		cfg.Oracle.CoinGecko.Timeout.Duration = 5 * time.Second
	}
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == "sqlite" {
		cfg.Journal.DSN = "file:lendingd-journal.db"
	}
	if cfg.Sweeper.Interval.Duration <= 0 {
		cfg.Sweeper.Interval.Duration = time.Minute
	}
	if cfg.Sweeper.MaxAttempts <= 0 {
		cfg.Sweeper.MaxAttempts = 5
	}
	if cfg.Sweeper.Backoff.Duration <= 0 {
		cfg.Sweeper.Backoff.Duration = 30 * time.Second
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
}

func (cfg *Config) validate() error {
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth: jwt_secret is required")
	}
	if len(strings.TrimSpace(cfg.Auth.JWTSecret)) < 16 {
		return fmt.Errorf("auth: jwt_secret must be at least 16 characters")
	}
	if _, err := cfg.CustodyAddress(); err != nil {
		return err
	}
	hasCert := cfg.TLS.CertPath != ""
	hasKey := cfg.TLS.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("tls: cert and key must either both be provided or both be empty")
	}
	if !cfg.TLS.AllowInsecure && !hasCert {
		return fmt.Errorf("tls: cert and key are required unless allow_insecure=true")
	}
	switch cfg.Storage.Backend {
	case "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	switch cfg.Journal.Driver {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("journal: unknown driver %q", cfg.Journal.Driver)
	}
	if cfg.Journal.Driver == "postgres" && strings.TrimSpace(cfg.Journal.DSN) == "" {
		return fmt.Errorf("journal: postgres requires a dsn")
	}
	if len(cfg.Oracle.Static) == 0 && !cfg.Oracle.CoinGecko.Enabled() {
		return fmt.Errorf("oracle: at least one static price or coingecko id is required")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	return nil
}

// CustodyAddress decodes the pool custody account. An empty value selects a
// fixed well-known address.
func (cfg Config) CustodyAddress() (crypto.Address, error) {
	raw := strings.TrimSpace(cfg.Custody)
	if raw == "" {
		var addr crypto.Address
		copy(addr[:], []byte("lendcore-custody"))
		return addr, nil
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("custody: %w", err)
	}
	if addr.IsZero() {
		return crypto.Address{}, fmt.Errorf("custody: zero address")
	}
	return addr, nil
}
