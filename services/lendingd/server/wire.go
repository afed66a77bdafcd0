package server

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"lendcore/crypto"
	"lendcore/native/lending"
)

// Amounts travel as base-unit integer strings so no precision is lost in
// JSON numbers.

type amountRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type borrowRequest struct {
	CollateralAsset  string `json:"collateralAsset"`
	BorrowAsset      string `json:"borrowAsset"`
	CollateralAmount string `json:"collateralAmount"`
	BorrowAmount     string `json:"borrowAmount"`
}

type repayRequest struct {
	Amount string `json:"amount"`
}

type mintRequest struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type poolParamsRequest struct {
	Asset                   string             `json:"asset"`
	IsActive                bool               `json:"isActive"`
	BorrowingEnabled        bool               `json:"borrowingEnabled"`
	DepositsEnabled         bool               `json:"depositsEnabled"`
	CollateralFactorBps     uint64             `json:"collateralFactorBps"`
	LiquidationThresholdBps uint64             `json:"liquidationThresholdBps"`
	LiquidationBonusBps     uint64             `json:"liquidationBonusBps"`
	SupplyCap               string             `json:"supplyCap,omitempty"`
	BorrowCap               string             `json:"borrowCap,omitempty"`
	RateModel               *lending.RateModel `json:"rateModel,omitempty"`
}

func (p poolParamsRequest) toParams() (lending.PoolParams, error) {
	supplyCap, err := parseOptionalAmount(p.SupplyCap)
	if err != nil {
		return lending.PoolParams{}, fmt.Errorf("supplyCap: %w", err)
	}
	borrowCap, err := parseOptionalAmount(p.BorrowCap)
	if err != nil {
		return lending.PoolParams{}, fmt.Errorf("borrowCap: %w", err)
	}
	return lending.PoolParams{
		Asset:                   p.Asset,
		IsActive:                p.IsActive,
		BorrowingEnabled:        p.BorrowingEnabled,
		DepositsEnabled:         p.DepositsEnabled,
		CollateralFactorBps:     p.CollateralFactorBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		LiquidationBonusBps:     p.LiquidationBonusBps,
		SupplyCap:               supplyCap,
		BorrowCap:               borrowCap,
		RateModel:               p.RateModel,
	}, nil
}

type poolView struct {
	Asset                   string             `json:"asset"`
	TotalDeposits           string             `json:"totalDeposits"`
	TotalBorrows            string             `json:"totalBorrows"`
	TotalReserves           string             `json:"totalReserves"`
	BadDebt                 string             `json:"badDebt"`
	AvailableLiquidity      string             `json:"availableLiquidity"`
	IsActive                bool               `json:"isActive"`
	BorrowingEnabled        bool               `json:"borrowingEnabled"`
	DepositsEnabled         bool               `json:"depositsEnabled"`
	CollateralFactorBps     uint64             `json:"collateralFactorBps"`
	LiquidationThresholdBps uint64             `json:"liquidationThresholdBps"`
	LiquidationBonusBps     uint64             `json:"liquidationBonusBps"`
	SupplyCap               string             `json:"supplyCap,omitempty"`
	BorrowCap               string             `json:"borrowCap,omitempty"`
	LastUpdateTime          uint64             `json:"lastUpdateTime"`
	Rates                   *ratesView         `json:"rates,omitempty"`
	Fees                    *feeView           `json:"fees,omitempty"`
	RateModel               *lending.RateModel `json:"rateModel,omitempty"`
}

type ratesView struct {
	UtilizationBps uint64 `json:"utilizationBps"`
	BorrowRateBps  uint64 `json:"borrowRateBps"`
	SupplyRateBps  uint64 `json:"supplyRateBps"`
	BorrowAPR      string `json:"borrowApr"`
	SupplyAPR      string `json:"supplyApr"`
}

type feeView struct {
	Pending   string `json:"pending"`
	Collected string `json:"collected"`
}

func newPoolView(pool *lending.Pool) poolView {
	view := poolView{
		Asset:                   pool.Asset,
		TotalDeposits:           amountString(pool.TotalDeposits),
		TotalBorrows:            amountString(pool.TotalBorrows),
		TotalReserves:           amountString(pool.TotalReserves),
		BadDebt:                 amountString(pool.BadDebt),
		AvailableLiquidity:      amountString(pool.AvailableLiquidity()),
		IsActive:                pool.IsActive,
		BorrowingEnabled:        pool.BorrowingEnabled,
		DepositsEnabled:         pool.DepositsEnabled,
		CollateralFactorBps:     pool.CollateralFactorBps,
		LiquidationThresholdBps: pool.LiquidationThresholdBps,
		LiquidationBonusBps:     pool.LiquidationBonusBps,
		LastUpdateTime:          pool.LastUpdateTime,
		RateModel:               pool.RateModel,
	}
	if pool.SupplyCap != nil && pool.SupplyCap.Sign() > 0 {
		view.SupplyCap = pool.SupplyCap.String()
	}
	if pool.BorrowCap != nil && pool.BorrowCap.Sign() > 0 {
		view.BorrowCap = pool.BorrowCap.String()
	}
	return view
}

func newRatesView(s lending.RateSnapshot) *ratesView {
	return &ratesView{
		UtilizationBps: s.UtilizationBps,
		BorrowRateBps:  s.BorrowRateBps,
		SupplyRateBps:  s.SupplyRateBps,
		BorrowAPR:      bpsPercent(s.BorrowRateBps),
		SupplyAPR:      bpsPercent(s.SupplyRateBps),
	}
}

type loanView struct {
	ID                      uint64 `json:"id"`
	Borrower                string `json:"borrower"`
	CollateralAsset         string `json:"collateralAsset"`
	BorrowAsset             string `json:"borrowAsset"`
	CollateralAmount        string `json:"collateralAmount"`
	BorrowAmount            string `json:"borrowAmount"`
	AccruedInterest         string `json:"accruedInterest"`
	TotalDebt               string `json:"totalDebt"`
	InterestRateBps         uint64 `json:"interestRateBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	StartTime               uint64 `json:"startTime"`
	LastUpdateTime          uint64 `json:"lastUpdateTime"`
	Status                  string `json:"status"`
}

func newLoanView(loan *lending.Loan) loanView {
	return loanView{
		ID:                      loan.ID,
		Borrower:                loan.Borrower.String(),
		CollateralAsset:         loan.CollateralAsset,
		BorrowAsset:             loan.BorrowAsset,
		CollateralAmount:        amountString(loan.CollateralAmount),
		BorrowAmount:            amountString(loan.BorrowAmount),
		AccruedInterest:         amountString(loan.AccruedInterest),
		TotalDebt:               loan.TotalDebt().String(),
		InterestRateBps:         loan.InterestRateBps,
		LiquidationThresholdBps: loan.LiquidationThresholdBps,
		StartTime:               loan.StartTime,
		LastUpdateTime:          loan.LastUpdateTime,
		Status:                  loan.Status.String(),
	}
}

type positionView struct {
	Loan            loanView `json:"loan"`
	CollateralValue string   `json:"collateralValue,omitempty"`
	DebtValue       string   `json:"debtValue,omitempty"`
	HealthFactor    string   `json:"healthFactor,omitempty"`
	Liquidatable    bool     `json:"liquidatable"`
	PriceError      string   `json:"priceError,omitempty"`
}

type repayView struct {
	LoanID             uint64 `json:"loanId"`
	Repaid             string `json:"repaid"`
	InterestPaid       string `json:"interestPaid"`
	PrincipalPaid      string `json:"principalPaid"`
	ProtocolFee        string `json:"protocolFee"`
	CollateralReturned string `json:"collateralReturned"`
	RemainingDebt      string `json:"remainingDebt"`
	Closed             bool   `json:"closed"`
}

func newRepayView(r *lending.RepayResult) repayView {
	return repayView{
		LoanID:             r.LoanID,
		Repaid:             amountString(r.Repaid),
		InterestPaid:       amountString(r.InterestPaid),
		PrincipalPaid:      amountString(r.PrincipalPaid),
		ProtocolFee:        amountString(r.ProtocolFee),
		CollateralReturned: amountString(r.CollateralReturned),
		RemainingDebt:      amountString(r.RemainingDebt),
		Closed:             r.Closed,
	}
}

type badDebtView struct {
	Policy     string `json:"policy"`
	Covered    string `json:"covered"`
	WrittenOff string `json:"writtenOff"`
	Remaining  string `json:"remaining"`
}

type liquidationView struct {
	LoanID               uint64       `json:"loanId"`
	DebtRepaid           string       `json:"debtRepaid"`
	InterestPaid         string       `json:"interestPaid"`
	PrincipalPaid        string       `json:"principalPaid"`
	CollateralSeized     string       `json:"collateralSeized"`
	LiquidatorCollateral string       `json:"liquidatorCollateral"`
	ProtocolFee          string       `json:"protocolFee"`
	LiquidationFee       string       `json:"liquidationFee"`
	CollateralReturned   string       `json:"collateralReturned"`
	RemainingDebt        string       `json:"remainingDebt"`
	HealthFactor         string       `json:"healthFactor"`
	Closed               bool         `json:"closed"`
	BadDebt              *badDebtView `json:"badDebt,omitempty"`
}

func newLiquidationView(r *lending.LiquidationResult) liquidationView {
	view := liquidationView{
		LoanID:               r.LoanID,
		DebtRepaid:           amountString(r.DebtRepaid),
		InterestPaid:         amountString(r.InterestPaid),
		PrincipalPaid:        amountString(r.PrincipalPaid),
		CollateralSeized:     amountString(r.CollateralSeized),
		LiquidatorCollateral: amountString(r.LiquidatorCollateral),
		ProtocolFee:          amountString(r.ProtocolFee),
		LiquidationFee:       amountString(r.LiquidationFee),
		CollateralReturned:   amountString(r.CollateralReturned),
		RemainingDebt:        amountString(r.RemainingDebt),
		HealthFactor:         formatHealthFactor(r.HealthFactor),
		Closed:               r.Closed,
	}
	if r.BadDebt != nil {
		view.BadDebt = &badDebtView{
			Policy:     r.BadDebt.Policy.String(),
			Covered:    amountString(r.BadDebt.Covered),
			WrittenOff: amountString(r.BadDebt.WrittenOff),
			Remaining:  amountString(r.BadDebt.Remaining),
		}
	}
	return view
}

type accountView struct {
	Address  string            `json:"address"`
	Deposits map[string]string `json:"deposits"`
	Wallet   map[string]string `json:"wallet,omitempty"`
	Loans    []loanView        `json:"loans"`
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), "_", "")
	if raw == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-unit integer", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}

func parseOptionalAmount(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(raw)
}

func parseAddress(raw string) (crypto.Address, error) {
	return crypto.DecodeAddress(strings.TrimSpace(raw))
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// formatHealthFactor renders a 1e18-scaled health factor as a decimal.
// Debt-free loans report "max".
func formatHealthFactor(hf *big.Int) string {
	if hf == nil {
		return ""
	}
	if hf.Cmp(lending.MaxHealthFactor) == 0 {
		return "max"
	}
	return decimal.NewFromBigInt(hf, -18).StringFixed(4)
}

func bpsPercent(v uint64) string {
	return decimal.New(int64(v), -2).StringFixed(2)
}
