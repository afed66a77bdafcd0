package events

import (
	"math/big"
	"strconv"

	"lendcore/core/types"
	"lendcore/crypto"
)

const (
	TypeDeposited       = "lending.deposited"
	TypeWithdrawn       = "lending.withdrawn"
	TypeLoanCreated     = "lending.loan_created"
	TypeLoanRepaid      = "lending.loan_repaid"
	TypeLoanLiquidated  = "lending.loan_liquidated"
	TypeFeeCollected    = "lending.fee_collected"
	TypeBadDebtResolved = "lending.bad_debt_resolved"
)

// Deposited is emitted when an account supplies liquidity to a pool.
type Deposited struct {
	Asset   string
	Account crypto.Address
	Amount  *big.Int
}

func (Deposited) EventType() string { return TypeDeposited }

func (e Deposited) Event() *types.Event {
	return &types.Event{
		Type: TypeDeposited,
		Attributes: map[string]string{
			"asset":   normalizeAsset(e.Asset),
			"account": formatAddress(e.Account),
			"amount":  formatAmount(e.Amount),
		},
	}
}

// Withdrawn is emitted when an account removes liquidity from a pool.
type Withdrawn struct {
	Asset   string
	Account crypto.Address
	Amount  *big.Int
}

func (Withdrawn) EventType() string { return TypeWithdrawn }

func (e Withdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawn,
		Attributes: map[string]string{
			"asset":   normalizeAsset(e.Asset),
			"account": formatAddress(e.Account),
			"amount":  formatAmount(e.Amount),
		},
	}
}

// LoanCreated is emitted once per successfully opened loan.
type LoanCreated struct {
	LoanID           uint64
	Borrower         crypto.Address
	CollateralAsset  string
	BorrowAsset      string
	CollateralAmount *big.Int
	BorrowAmount     *big.Int
	RateBps          uint64
}

func (LoanCreated) EventType() string { return TypeLoanCreated }

func (e LoanCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanCreated,
		Attributes: map[string]string{
			"loanId":           formatID(e.LoanID),
			"borrower":         formatAddress(e.Borrower),
			"collateralAsset":  normalizeAsset(e.CollateralAsset),
			"borrowAsset":      normalizeAsset(e.BorrowAsset),
			"collateralAmount": formatAmount(e.CollateralAmount),
			"borrowAmount":     formatAmount(e.BorrowAmount),
			"rateBps":          strconv.FormatUint(e.RateBps, 10),
		},
	}
}

// LoanRepaid is emitted for every successful repayment, partial or full.
type LoanRepaid struct {
	LoanID             uint64
	Borrower           crypto.Address
	Asset              string
	Amount             *big.Int
	InterestPaid       *big.Int
	PrincipalPaid      *big.Int
	ProtocolFee        *big.Int
	CollateralReturned *big.Int
	Closed             bool
}

func (LoanRepaid) EventType() string { return TypeLoanRepaid }

func (e LoanRepaid) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanRepaid,
		Attributes: map[string]string{
			"loanId":             formatID(e.LoanID),
			"borrower":           formatAddress(e.Borrower),
			"asset":              normalizeAsset(e.Asset),
			"amount":             formatAmount(e.Amount),
			"interestPaid":       formatAmount(e.InterestPaid),
			"principalPaid":      formatAmount(e.PrincipalPaid),
			"protocolFee":        formatAmount(e.ProtocolFee),
			"collateralReturned": formatAmount(e.CollateralReturned),
			"closed":             strconv.FormatBool(e.Closed),
		},
	}
}

// LoanLiquidated is emitted when a liquidator repays debt on an unhealthy loan.
type LoanLiquidated struct {
	LoanID             uint64
	Borrower           crypto.Address
	Liquidator         crypto.Address
	DebtRepaid         *big.Int
	CollateralSeized   *big.Int
	CollateralReturned *big.Int
	RemainingDebt      *big.Int
	HealthFactor       *big.Int
	Closed             bool
}

func (LoanLiquidated) EventType() string { return TypeLoanLiquidated }

func (e LoanLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanLiquidated,
		Attributes: map[string]string{
			"loanId":             formatID(e.LoanID),
			"borrower":           formatAddress(e.Borrower),
			"liquidator":         formatAddress(e.Liquidator),
			"debtRepaid":         formatAmount(e.DebtRepaid),
			"collateralSeized":   formatAmount(e.CollateralSeized),
			"collateralReturned": formatAmount(e.CollateralReturned),
			"remainingDebt":      formatAmount(e.RemainingDebt),
			"healthFactor":       formatAmount(e.HealthFactor),
			"closed":             strconv.FormatBool(e.Closed),
		},
	}
}

// FeeCollected reports a protocol fee routed to the fee recipient. Deferred
// is set when the transfer failed and the amount was queued for a sweep.
type FeeCollected struct {
	Asset     string
	Category  string
	Amount    *big.Int
	Recipient crypto.Address
	Deferred  bool
}

func (FeeCollected) EventType() string { return TypeFeeCollected }

func (e FeeCollected) Event() *types.Event {
	return &types.Event{
		Type: TypeFeeCollected,
		Attributes: map[string]string{
			"asset":     normalizeAsset(e.Asset),
			"category":  e.Category,
			"amount":    formatAmount(e.Amount),
			"recipient": formatAddress(e.Recipient),
			"deferred":  strconv.FormatBool(e.Deferred),
		},
	}
}

// BadDebtResolved reports how residual debt on a loan without collateral was
// handled under the configured policy.
type BadDebtResolved struct {
	LoanID     uint64
	Asset      string
	Policy     string
	Covered    *big.Int
	WrittenOff *big.Int
	Remaining  *big.Int
}

func (BadDebtResolved) EventType() string { return TypeBadDebtResolved }

func (e BadDebtResolved) Event() *types.Event {
	return &types.Event{
		Type: TypeBadDebtResolved,
		Attributes: map[string]string{
			"loanId":     formatID(e.LoanID),
			"asset":      normalizeAsset(e.Asset),
			"policy":     e.Policy,
			"covered":    formatAmount(e.Covered),
			"writtenOff": formatAmount(e.WrittenOff),
			"remaining":  formatAmount(e.Remaining),
		},
	}
}

// Envelope converts a typed lending event into the generic wire envelope.
// Unknown event kinds yield nil.
func Envelope(evt Event) *types.Event {
	type enveloper interface {
		Event() *types.Event
	}
	if e, ok := evt.(enveloper); ok {
		return e.Event()
	}
	return nil
}
