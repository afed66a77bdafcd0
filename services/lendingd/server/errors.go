package server

import (
	"encoding/json"
	"errors"
	"net/http"

	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type engineErrorMapping struct {
	target error
	status int
	code   string
}

var engineErrors = []engineErrorMapping{
	{lending.ErrZeroAmount, http.StatusBadRequest, "zero_amount"},
	{lending.ErrZeroAddress, http.StatusBadRequest, "zero_address"},
	{lending.ErrInvalidAsset, http.StatusBadRequest, "invalid_asset"},
	{lending.ErrInvalidParameters, http.StatusBadRequest, "invalid_parameters"},
	{lending.ErrBorrowAmountTooSmall, http.StatusBadRequest, "borrow_amount_too_small"},
	{lending.ErrAssetNotListed, http.StatusNotFound, "asset_not_listed"},
	{lending.ErrLoanDoesNotExist, http.StatusNotFound, "loan_not_found"},
	{lending.ErrUnauthorizedAccess, http.StatusForbidden, "not_borrower"},
	{lending.ErrAssetNotActive, http.StatusConflict, "asset_not_active"},
	{lending.ErrLoanNotDueForLiquidation, http.StatusConflict, "loan_not_liquidatable"},
	{lending.ErrLoanClosed, http.StatusConflict, "loan_closed"},
	{lending.ErrNothingToSeize, http.StatusConflict, "nothing_to_seize"},
	{lending.ErrPoolExists, http.StatusConflict, "pool_exists"},
	{lending.ErrReentrantCall, http.StatusConflict, "reentrant_call"},
	{lending.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{lending.ErrInsufficientLiquidity, http.StatusUnprocessableEntity, "insufficient_liquidity"},
	{lending.ErrInsufficientCollateral, http.StatusUnprocessableEntity, "insufficient_collateral"},
	{lending.ErrSupplyCapExceeded, http.StatusUnprocessableEntity, "supply_cap_exceeded"},
	{lending.ErrBorrowCapExceeded, http.StatusUnprocessableEntity, "borrow_cap_exceeded"},
	{lending.ErrOracleNotFound, http.StatusServiceUnavailable, "price_unavailable"},
	{lending.ErrStalePriceData, http.StatusServiceUnavailable, "stale_price"},
	{lending.ErrInvalidPrice, http.StatusServiceUnavailable, "invalid_price"},
	{lending.ErrNotConfigured, http.StatusServiceUnavailable, "not_configured"},
	{nativecommon.ErrModulePaused, http.StatusServiceUnavailable, "paused"},
}

// translateEngineError maps an engine failure onto an HTTP status and a
// stable error code. Unknown errors are reported as internal without leaking
// their text.
func translateEngineError(err error) (int, apiError) {
	for _, m := range engineErrors {
		if errors.Is(err, m.target) {
			return m.status, apiError{Code: m.code, Message: m.target.Error()}
		}
	}
	return http.StatusInternalServerError, apiError{Code: "internal", Message: "internal error"}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message}})
}
