package lending

import "errors"

var (
	ErrZeroAmount               = errors.New("lending: amount must be greater than zero")
	ErrZeroAddress              = errors.New("lending: zero address")
	ErrInvalidAsset             = errors.New("lending: invalid asset identifier")
	ErrAssetNotListed           = errors.New("lending: asset not listed")
	ErrAssetNotActive           = errors.New("lending: asset not active")
	ErrInsufficientBalance      = errors.New("lending: insufficient balance")
	ErrInsufficientLiquidity    = errors.New("lending: insufficient liquidity")
	ErrInsufficientCollateral   = errors.New("lending: insufficient collateral")
	ErrBorrowAmountTooSmall     = errors.New("lending: borrow amount below minimum")
	ErrLoanDoesNotExist         = errors.New("lending: loan does not exist")
	ErrUnauthorizedAccess       = errors.New("lending: caller is not the borrower")
	ErrLoanNotDueForLiquidation = errors.New("lending: loan not due for liquidation")
	ErrLoanClosed               = errors.New("lending: loan is closed")
	ErrNothingToSeize           = errors.New("lending: liquidation would seize no collateral")
	ErrSupplyCapExceeded        = errors.New("lending: supply cap exceeded")
	ErrBorrowCapExceeded        = errors.New("lending: borrow cap exceeded")
	ErrPoolExists               = errors.New("lending: pool already listed")
	ErrInvalidParameters        = errors.New("lending: invalid parameters")
	ErrReentrantCall            = errors.New("lending: reentrant call")
	ErrNotConfigured            = errors.New("lending: engine not configured")

	// Price feed failures. Feed implementations return (or wrap) these so
	// callers can match them with errors.Is.
	ErrOracleNotFound = errors.New("lending: oracle not found")
	ErrStalePriceData = errors.New("lending: stale price data")
	ErrInvalidPrice   = errors.New("lending: invalid price")
)
