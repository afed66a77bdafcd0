package config

import (
	"fmt"

	"lendcore/native/lending"
)

// ValidateMarkets checks the whole file converts cleanly and lists every
// asset once.
func ValidateMarkets(m *Markets) error {
	if m == nil {
		return fmt.Errorf("markets: config required")
	}
	if _, err := m.EngineConfig(); err != nil {
		return err
	}
	params, err := m.PoolParams()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		if _, dup := seen[p.Asset]; dup {
			return fmt.Errorf("pools: %w: %s listed twice", lending.ErrPoolExists, p.Asset)
		}
		seen[p.Asset] = struct{}{}
	}
	return nil
}
