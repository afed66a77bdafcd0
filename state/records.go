package state

import (
	"math/big"

	"lendcore/crypto"
	"lendcore/native/lending"
)

type storedPool struct {
	Asset                   string
	TotalDeposits           *big.Int
	TotalBorrows            *big.Int
	TotalReserves           *big.Int
	BadDebt                 *big.Int
	LastUpdateTime          uint64
	IsActive                bool
	BorrowingEnabled        bool
	DepositsEnabled         bool
	CollateralFactorBps     uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	SupplyCap               *big.Int
	BorrowCap               *big.Int
	HasRateModel            bool
	BaseRateBps             uint64
	Slope1Bps               uint64
	Slope2Bps               uint64
	OptimalUtilizationBps   uint64
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func newStoredPool(p *lending.Pool) *storedPool {
	rec := &storedPool{
		Asset:                   p.Asset,
		TotalDeposits:           nonNil(p.TotalDeposits),
		TotalBorrows:            nonNil(p.TotalBorrows),
		TotalReserves:           nonNil(p.TotalReserves),
		BadDebt:                 nonNil(p.BadDebt),
		LastUpdateTime:          p.LastUpdateTime,
		IsActive:                p.IsActive,
		BorrowingEnabled:        p.BorrowingEnabled,
		DepositsEnabled:         p.DepositsEnabled,
		CollateralFactorBps:     p.CollateralFactorBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		LiquidationBonusBps:     p.LiquidationBonusBps,
		SupplyCap:               nonNil(p.SupplyCap),
		BorrowCap:               nonNil(p.BorrowCap),
	}
	if p.RateModel != nil {
		rec.HasRateModel = true
		rec.BaseRateBps = p.RateModel.BaseRateBps
		rec.Slope1Bps = p.RateModel.Slope1Bps
		rec.Slope2Bps = p.RateModel.Slope2Bps
		rec.OptimalUtilizationBps = p.RateModel.OptimalUtilizationBps
	}
	return rec
}

func (s *storedPool) toPool() *lending.Pool {
	pool := &lending.Pool{
		Asset:                   s.Asset,
		TotalDeposits:           nonNil(s.TotalDeposits),
		TotalBorrows:            nonNil(s.TotalBorrows),
		TotalReserves:           nonNil(s.TotalReserves),
		BadDebt:                 nonNil(s.BadDebt),
		LastUpdateTime:          s.LastUpdateTime,
		IsActive:                s.IsActive,
		BorrowingEnabled:        s.BorrowingEnabled,
		DepositsEnabled:         s.DepositsEnabled,
		CollateralFactorBps:     s.CollateralFactorBps,
		LiquidationThresholdBps: s.LiquidationThresholdBps,
		LiquidationBonusBps:     s.LiquidationBonusBps,
	}
	if s.SupplyCap != nil && s.SupplyCap.Sign() > 0 {
		pool.SupplyCap = new(big.Int).Set(s.SupplyCap)
	}
	if s.BorrowCap != nil && s.BorrowCap.Sign() > 0 {
		pool.BorrowCap = new(big.Int).Set(s.BorrowCap)
	}
	if s.HasRateModel {
		pool.RateModel = &lending.RateModel{
			BaseRateBps:           s.BaseRateBps,
			Slope1Bps:             s.Slope1Bps,
			Slope2Bps:             s.Slope2Bps,
			OptimalUtilizationBps: s.OptimalUtilizationBps,
		}
	}
	return pool
}

type storedLoan struct {
	ID                      uint64
	Borrower                [20]byte
	CollateralAsset         string
	BorrowAsset             string
	CollateralAmount        *big.Int
	BorrowAmount            *big.Int
	InterestRateBps         uint64
	StartTime               uint64
	LastUpdateTime          uint64
	AccruedInterest         *big.Int
	LiquidationThresholdBps uint64
	Status                  uint8
}

func newStoredLoan(l *lending.Loan) *storedLoan {
	return &storedLoan{
		ID:                      l.ID,
		Borrower:                l.Borrower,
		CollateralAsset:         l.CollateralAsset,
		BorrowAsset:             l.BorrowAsset,
		CollateralAmount:        nonNil(l.CollateralAmount),
		BorrowAmount:            nonNil(l.BorrowAmount),
		InterestRateBps:         l.InterestRateBps,
		StartTime:               l.StartTime,
		LastUpdateTime:          l.LastUpdateTime,
		AccruedInterest:         nonNil(l.AccruedInterest),
		LiquidationThresholdBps: l.LiquidationThresholdBps,
		Status:                  uint8(l.Status),
	}
}

func (s *storedLoan) toLoan() *lending.Loan {
	return &lending.Loan{
		ID:                      s.ID,
		Borrower:                crypto.Address(s.Borrower),
		CollateralAsset:         s.CollateralAsset,
		BorrowAsset:             s.BorrowAsset,
		CollateralAmount:        nonNil(s.CollateralAmount),
		BorrowAmount:            nonNil(s.BorrowAmount),
		InterestRateBps:         s.InterestRateBps,
		StartTime:               s.StartTime,
		LastUpdateTime:          s.LastUpdateTime,
		AccruedInterest:         nonNil(s.AccruedInterest),
		LiquidationThresholdBps: s.LiquidationThresholdBps,
		Status:                  lending.LoanStatus(s.Status),
	}
}

type storedBalance struct {
	Asset   string
	Account [20]byte
	Amount  *big.Int
}

type storedFees struct {
	Asset     string
	Pending   *big.Int
	Collected *big.Int
}
