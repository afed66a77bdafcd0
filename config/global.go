package config

import (
	"fmt"
	"math/big"
	"strings"

	"lendcore/crypto"
	"lendcore/native/fees"
	"lendcore/native/lending"
)

// EngineConfig converts the engine section into runtime values.
func (m *Markets) EngineConfig() (lending.Config, error) {
	cfg := lending.DefaultConfig()
	minLoan, err := parseUintAmount(m.Engine.MinLoanAmount)
	if err != nil {
		return cfg, fmt.Errorf("invalid engine.MinLoanAmount: %w", err)
	}
	if minLoan != nil {
		cfg.MinLoanAmount = minLoan
	}
	if trimmed := strings.TrimSpace(m.Engine.FeeRecipient); trimmed != "" {
		addr, err := crypto.DecodeAddress(trimmed)
		if err != nil {
			return cfg, fmt.Errorf("invalid engine.FeeRecipient: %w", err)
		}
		cfg.FeeRecipient = addr
	}
	cfg.Fees = fees.Schedule{InterestBps: m.Engine.InterestFeeBps, LiquidationBps: m.Engine.LiquidationFeeBps}
	if m.Engine.CloseFactorBps != 0 {
		cfg.CloseFactorBps = m.Engine.CloseFactorBps
	}
	policy, err := lending.ParseBadDebtPolicy(m.Engine.BadDebtPolicy)
	if err != nil {
		return cfg, fmt.Errorf("invalid engine.BadDebtPolicy: %w", err)
	}
	cfg.BadDebtPolicy = policy
	if m.Engine.RateModel != nil {
		cfg.RateModel = *m.Engine.RateModel
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid engine section: %w", err)
	}
	return cfg, nil
}

// PoolParams converts every pool section into listing parameters.
func (m *Markets) PoolParams() ([]lending.PoolParams, error) {
	out := make([]lending.PoolParams, 0, len(m.Pools))
	for i, pool := range m.Pools {
		supplyCap, err := parseUintAmount(pool.SupplyCap)
		if err != nil {
			return nil, fmt.Errorf("invalid pools[%d].SupplyCap: %w", i, err)
		}
		borrowCap, err := parseUintAmount(pool.BorrowCap)
		if err != nil {
			return nil, fmt.Errorf("invalid pools[%d].BorrowCap: %w", i, err)
		}
		params := lending.PoolParams{
			Asset:                   lending.NormalizeAsset(pool.Asset),
			IsActive:                pool.IsActive,
			BorrowingEnabled:        pool.BorrowingEnabled,
			DepositsEnabled:         pool.DepositsEnabled,
			CollateralFactorBps:     pool.CollateralFactorBps,
			LiquidationThresholdBps: pool.LiquidationThresholdBps,
			LiquidationBonusBps:     pool.LiquidationBonusBps,
			SupplyCap:               supplyCap,
			BorrowCap:               borrowCap,
		}
		if pool.RateModel != nil {
			model := *pool.RateModel
			params.RateModel = &model
		}
		if err := params.Validate(); err != nil {
			return nil, fmt.Errorf("invalid pools[%d]: %w", i, err)
		}
		out = append(out, params)
	}
	return out, nil
}

// parseUintAmount parses a non-negative base-10 integer. An empty string
// yields nil.
func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(raw), "_", "")
	if trimmed == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not an integer", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%q must not be negative", raw)
	}
	return value, nil
}
