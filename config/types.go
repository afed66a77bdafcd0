package config

import "lendcore/native/lending"

// Engine captures the engine-wide risk knobs. Amounts are decimal strings in
// the asset's smallest unit so they survive TOML's 64-bit integers.
type Engine struct {
	MinLoanAmount     string             `toml:"MinLoanAmount"`
	FeeRecipient      string             `toml:"FeeRecipient"`
	InterestFeeBps    uint32             `toml:"InterestFeeBps"`
	LiquidationFeeBps uint32             `toml:"LiquidationFeeBps"`
	CloseFactorBps    uint64             `toml:"CloseFactorBps"`
	BadDebtPolicy     string             `toml:"BadDebtPolicy"`
	RateModel         *lending.RateModel `toml:"rate_model"`
}

// Pool describes one listed market.
type Pool struct {
	Asset                   string             `toml:"Asset"`
	IsActive                bool               `toml:"IsActive"`
	BorrowingEnabled        bool               `toml:"BorrowingEnabled"`
	DepositsEnabled         bool               `toml:"DepositsEnabled"`
	CollateralFactorBps     uint64             `toml:"CollateralFactorBps"`
	LiquidationThresholdBps uint64             `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64             `toml:"LiquidationBonusBps"`
	SupplyCap               string             `toml:"SupplyCap"`
	BorrowCap               string             `toml:"BorrowCap"`
	RateModel               *lending.RateModel `toml:"rate_model"`
}

// Pauses lists the modules that start paused.
type Pauses struct {
	Lending bool `toml:"Lending"`
}

// Markets is the on-disk market configuration consumed by lendingd and
// lendctl.
type Markets struct {
	Engine Engine `toml:"engine"`
	Pools  []Pool `toml:"pools"`
	Pauses Pauses `toml:"pauses"`
}
