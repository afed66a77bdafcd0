package lending

import (
	"fmt"
	"math/big"
	"strings"

	"lendcore/crypto"
	"lendcore/native/fees"
)

// BadDebtPolicy decides what happens to debt left on a loan whose collateral
// has been fully seized.
type BadDebtPolicy uint8

const (
	// BadDebtRetain leaves the loan Active with zero collateral and the
	// residual debt outstanding.
	BadDebtRetain BadDebtPolicy = iota
	// BadDebtWriteOff closes the loan and records the residual principal in
	// the pool's BadDebt. The principal stays counted in TotalBorrows so it
	// never re-enters available liquidity.
	BadDebtWriteOff
	// BadDebtCoverFromReserves repays residual principal out of the pool's
	// reserves. Whatever reserves cannot cover is retained.
	BadDebtCoverFromReserves
)

func (p BadDebtPolicy) String() string {
	switch p {
	case BadDebtRetain:
		return "retain"
	case BadDebtWriteOff:
		return "write_off"
	case BadDebtCoverFromReserves:
		return "cover_from_reserves"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParseBadDebtPolicy resolves the textual configuration form.
func ParseBadDebtPolicy(raw string) (BadDebtPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "retain":
		return BadDebtRetain, nil
	case "write_off", "writeoff":
		return BadDebtWriteOff, nil
	case "cover_from_reserves", "reserves":
		return BadDebtCoverFromReserves, nil
	default:
		return 0, fmt.Errorf("%w: unknown bad debt policy %q", ErrInvalidParameters, raw)
	}
}

func (p BadDebtPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *BadDebtPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseBadDebtPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Config captures the engine-wide risk configuration. Changes apply to the
// next operation that reads them; existing loans keep their fixed rate and
// threshold.
type Config struct {
	// MinLoanAmount is the smallest principal accepted by CreateLoan.
	MinLoanAmount *big.Int `toml:"MinLoanAmount"`
	// Fees holds the protocol fee per category. Fees.InterestBps is the
	// protocol fee rate skimmed from repaid interest.
	Fees fees.Schedule `toml:"fees"`
	// FeeRecipient receives protocol fees.
	FeeRecipient crypto.Address `toml:"FeeRecipient"`
	// RateModel is used by pools without their own model.
	RateModel RateModel `toml:"rate_model"`
	// CloseFactorBps caps the debt repaid by a single liquidation.
	CloseFactorBps uint64 `toml:"CloseFactorBps"`
	// BadDebtPolicy resolves debt left on loans with no collateral.
	BadDebtPolicy BadDebtPolicy `toml:"BadDebtPolicy"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		MinLoanAmount:  big.NewInt(1),
		RateModel:      DefaultRateModel,
		CloseFactorBps: BasisPoints,
		BadDebtPolicy:  BadDebtRetain,
	}
}

// EnsureDefaults populates zero-valued fields.
func (c *Config) EnsureDefaults() {
	if c.MinLoanAmount == nil || c.MinLoanAmount.Sign() <= 0 {
		c.MinLoanAmount = big.NewInt(1)
	}
	if c.RateModel == (RateModel{}) {
		c.RateModel = DefaultRateModel
	}
	if c.CloseFactorBps == 0 {
		c.CloseFactorBps = BasisPoints
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if err := c.Fees.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := c.RateModel.Validate(); err != nil {
		return err
	}
	if c.CloseFactorBps == 0 || c.CloseFactorBps > BasisPoints {
		return fmt.Errorf("%w: close factor %d must be in (0, %d]", ErrInvalidParameters, c.CloseFactorBps, BasisPoints)
	}
	if c.MinLoanAmount != nil && c.MinLoanAmount.Sign() < 0 {
		return fmt.Errorf("%w: negative minimum loan amount", ErrInvalidParameters)
	}
	switch c.BadDebtPolicy {
	case BadDebtRetain, BadDebtWriteOff, BadDebtCoverFromReserves:
	default:
		return fmt.Errorf("%w: unknown bad debt policy %d", ErrInvalidParameters, c.BadDebtPolicy)
	}
	if c.FeeRecipient.IsZero() && (c.Fees.InterestBps > 0 || c.Fees.LiquidationBps > 0) {
		return fmt.Errorf("%w: fee recipient required when fees are configured", ErrZeroAddress)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	clone := c
	clone.MinLoanAmount = cloneBig(c.MinLoanAmount)
	return clone
}

// PoolParams is the administrator supplied description of a pool.
type PoolParams struct {
	Asset                   string     `toml:"Asset"`
	IsActive                bool       `toml:"IsActive"`
	BorrowingEnabled        bool       `toml:"BorrowingEnabled"`
	DepositsEnabled         bool       `toml:"DepositsEnabled"`
	CollateralFactorBps     uint64     `toml:"CollateralFactorBps"`
	LiquidationThresholdBps uint64     `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64     `toml:"LiquidationBonusBps"`
	SupplyCap               *big.Int   `toml:"SupplyCap"`
	BorrowCap               *big.Int   `toml:"BorrowCap"`
	RateModel               *RateModel `toml:"rate_model"`
}

// Validate checks the risk parameters are coherent.
func (p PoolParams) Validate() error {
	asset := NormalizeAsset(p.Asset)
	if !validAsset(asset) {
		return fmt.Errorf("%w: %q", ErrInvalidAsset, p.Asset)
	}
	if p.CollateralFactorBps > BasisPoints {
		return fmt.Errorf("%w: collateral factor %d exceeds %d", ErrInvalidParameters, p.CollateralFactorBps, BasisPoints)
	}
	if p.LiquidationThresholdBps != 0 {
		if p.LiquidationThresholdBps < p.CollateralFactorBps {
			return fmt.Errorf("%w: liquidation threshold %d below collateral factor %d", ErrInvalidParameters, p.LiquidationThresholdBps, p.CollateralFactorBps)
		}
		if p.LiquidationThresholdBps > BasisPoints {
			return fmt.Errorf("%w: liquidation threshold %d exceeds %d", ErrInvalidParameters, p.LiquidationThresholdBps, BasisPoints)
		}
	}
	if p.LiquidationBonusBps > BasisPoints {
		return fmt.Errorf("%w: liquidation bonus %d exceeds %d", ErrInvalidParameters, p.LiquidationBonusBps, BasisPoints)
	}
	if p.SupplyCap != nil && p.SupplyCap.Sign() < 0 {
		return fmt.Errorf("%w: negative supply cap", ErrInvalidParameters)
	}
	if p.BorrowCap != nil && p.BorrowCap.Sign() < 0 {
		return fmt.Errorf("%w: negative borrow cap", ErrInvalidParameters)
	}
	if p.RateModel != nil {
		if err := p.RateModel.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// apply copies the parameters onto pool, leaving accounting fields intact.
func (p PoolParams) apply(pool *Pool) {
	pool.Asset = NormalizeAsset(p.Asset)
	pool.IsActive = p.IsActive
	pool.BorrowingEnabled = p.BorrowingEnabled
	pool.DepositsEnabled = p.DepositsEnabled
	pool.CollateralFactorBps = p.CollateralFactorBps
	pool.LiquidationThresholdBps = p.LiquidationThresholdBps
	pool.LiquidationBonusBps = p.LiquidationBonusBps
	pool.SupplyCap = nil
	if p.SupplyCap != nil {
		pool.SupplyCap = new(big.Int).Set(p.SupplyCap)
	}
	pool.BorrowCap = nil
	if p.BorrowCap != nil {
		pool.BorrowCap = new(big.Int).Set(p.BorrowCap)
	}
	pool.RateModel = nil
	if p.RateModel != nil {
		model := *p.RateModel
		pool.RateModel = &model
	}
}
