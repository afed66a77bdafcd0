package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"lendcore/native/lending"
	"lendcore/services/lendingd/journal"
)

const maxBodyBytes = 1 << 16

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

func (s *Server) engineError(w http.ResponseWriter, r *http.Request, err error) {
	status, apiErr := translateEngineError(err)
	if status >= http.StatusInternalServerError && apiErr.Code == "internal" {
		s.logger.Error("engine failure",
			slog.String("requestId", RequestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	writeJSON(w, status, errorEnvelope{Error: apiErr})
}

func principal(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

func adminFor(r *http.Request) lending.Admin {
	return lending.NewAdmin(principal(r).Address.String())
}

func loanIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_loan_id", "loan id must be an unsigned integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"paused": s.pauses.IsPaused("lending"),
	})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.engine.Pools()
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	out := make([]poolView, 0, len(pools))
	for _, pool := range pools {
		view := newPoolView(pool)
		if rates, err := s.engine.Rates(pool.Asset); err == nil {
			view.Rates = newRatesView(rates)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": out})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.engine.Pool(chi.URLParam(r, "asset"))
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	view := newPoolView(pool)
	rates, err := s.engine.Rates(pool.Asset)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	view.Rates = newRatesView(rates)
	fees, err := s.engine.FeeAccrual(pool.Asset)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	view.Fees = &feeView{Pending: amountString(fees.Pending), Collected: amountString(fees.Collected)}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := loanIDParam(w, r)
	if !ok {
		return
	}
	loan, err := s.engine.Loan(id)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	view := positionView{Loan: newLoanView(loan)}
	if loan.Status == lending.LoanStatusActive {
		pos, err := s.engine.Position(r.Context(), id)
		switch {
		case err == nil:
			view.CollateralValue = pos.CollateralValue.String()
			view.DebtValue = pos.DebtValue.String()
			view.HealthFactor = formatHealthFactor(pos.HealthFactor)
			view.Liquidatable = pos.Liquidatable
		case errors.Is(err, lending.ErrOracleNotFound), errors.Is(err, lending.ErrInvalidPrice):
			_, apiErr := translateEngineError(err)
			view.PriceError = apiErr.Code
		default:
			s.engineError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleLoanEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := loanIDParam(w, r)
	if !ok {
		return
	}
	s.writeJournal(w, r, journal.Query{LoanID: &id})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := journal.Query{Type: q.Get("type"), Asset: q.Get("asset")}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", "after must be an unsigned integer")
			return
		}
		query.After = after
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", "limit must be an integer")
			return
		}
		query.Limit = limit
	}
	s.writeJournal(w, r, query)
}

type journalEntry struct {
	journal.Record
	Attributes map[string]string `json:"attributes"`
}

func (s *Server) writeJournal(w http.ResponseWriter, r *http.Request, q journal.Query) {
	if s.journal == nil {
		writeError(w, http.StatusNotImplemented, "journal_disabled", "event journal is not configured")
		return
	}
	records, err := s.journal.List(r.Context(), q)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	out := make([]journalEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, journalEntry{Record: rec, Attributes: rec.Decoded()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address", err.Error())
		return
	}
	pools, err := s.engine.Pools()
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	view := accountView{Address: addr.String(), Deposits: map[string]string{}}
	if s.wallet != nil {
		view.Wallet = map[string]string{}
	}
	for _, pool := range pools {
		bal, err := s.engine.Balance(pool.Asset, addr)
		if err != nil {
			s.engineError(w, r, err)
			return
		}
		view.Deposits[pool.Asset] = amountString(bal)
		if s.wallet != nil {
			held, err := s.wallet.BalanceOf(pool.Asset, addr)
			if err != nil {
				s.engineError(w, r, err)
				return
			}
			view.Wallet[pool.Asset] = amountString(held)
		}
	}
	loans, err := s.engine.LoansOf(addr)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	view.Loans = make([]loanView, 0, len(loans))
	for _, loan := range loans {
		view.Loans = append(view.Loans, newLoanView(loan))
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	if err := s.engine.Deposit(r.Context(), principal(r).Caller, req.Asset, amount); err != nil {
		s.engineError(w, r, err)
		return
	}
	balance, err := s.engine.Balance(req.Asset, principal(r).Address)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": strings.ToUpper(strings.TrimSpace(req.Asset)), "balance": balance.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	withdrawn, err := s.engine.Withdraw(r.Context(), principal(r).Caller, req.Asset, amount)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": strings.ToUpper(strings.TrimSpace(req.Asset)), "withdrawn": amountString(withdrawn)})
}

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	collateral, err := parseAmount(req.CollateralAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "collateralAmount: "+err.Error())
		return
	}
	borrow, err := parseAmount(req.BorrowAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "borrowAmount: "+err.Error())
		return
	}
	id, err := s.engine.CreateLoan(r.Context(), principal(r).Caller, lending.BorrowRequest{
		CollateralAsset:  req.CollateralAsset,
		BorrowAsset:      req.BorrowAsset,
		CollateralAmount: collateral,
		BorrowAmount:     borrow,
	})
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	loan, err := s.engine.Loan(id)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "loan": newLoanView(loan)})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	id, ok := loanIDParam(w, r)
	if !ok {
		return
	}
	var req repayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	result, err := s.engine.RepayLoan(r.Context(), principal(r).Caller, id, amount)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRepayView(result))
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	id, ok := loanIDParam(w, r)
	if !ok {
		return
	}
	var req repayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	result, err := s.engine.LiquidateLoan(r.Context(), principal(r).Caller, id, amount)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLiquidationView(result))
}

func (s *Server) handleListPool(w http.ResponseWriter, r *http.Request) {
	var req poolParamsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	params, err := req.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameters", err.Error())
		return
	}
	pool, err := s.engine.ListPool(adminFor(r), params)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	s.logger.Info("pool listed", slog.String("asset", pool.Asset), slog.String("admin", adminFor(r).Name()))
	writeJSON(w, http.StatusCreated, newPoolView(pool))
}

func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	var req poolParamsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Asset = chi.URLParam(r, "asset")
	params, err := req.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameters", err.Error())
		return
	}
	pool, err := s.engine.UpdatePool(adminFor(r), params)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolView(pool))
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	swept, err := s.engine.SweepFees(r.Context(), adminFor(r), asset)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": strings.ToUpper(asset), "swept": amountString(swept)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.pauses.Set("lending", req.Paused)
	s.logger.Warn("lending pause toggled", slog.Bool("paused", req.Paused), slog.String("admin", adminFor(r).Name()))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

func (s *Server) handleInvariants(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CheckInvariants(); err != nil {
		writeError(w, http.StatusConflict, "invariant_violation", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if !s.mintEnabled {
		writeError(w, http.StatusNotFound, "not_found", "minting is disabled")
		return
	}
	var req mintRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	if err := s.wallet.Mint(asset, account, amount); err != nil {
		s.engineError(w, r, err)
		return
	}
	balance, err := s.wallet.BalanceOf(asset, account)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset, "account": account.String(), "balance": balance.String()})
}
