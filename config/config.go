package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"lendcore/native/lending"
)

// Load reads the market configuration at path, writing the default file when
// none exists.
func Load(path string) (*Markets, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Markets{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := ValidateMarkets(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a two-market development configuration.
func Default() *Markets {
	model := lending.DefaultRateModel
	return &Markets{
		Engine: Engine{
			MinLoanAmount:  "1",
			CloseFactorBps: 5_000,
			BadDebtPolicy:  lending.BadDebtRetain.String(),
			RateModel:      &model,
		},
		Pools: []Pool{
			{
				Asset:                   "ETH",
				IsActive:                true,
				BorrowingEnabled:        true,
				DepositsEnabled:         true,
				CollateralFactorBps:     7_500,
				LiquidationThresholdBps: 8_000,
				LiquidationBonusBps:     500,
			},
			{
				Asset:               "USDC",
				IsActive:            true,
				BorrowingEnabled:    true,
				DepositsEnabled:     true,
				CollateralFactorBps: 8_000,
				LiquidationBonusBps: 400,
			},
		},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Markets, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Markets) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
