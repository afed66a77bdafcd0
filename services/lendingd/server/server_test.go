package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"nhooyr.io/websocket"

	"lendcore/core/events"
	"lendcore/crypto"
	"lendcore/native/bank"
	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
	"lendcore/native/oracle"
	"lendcore/services/lendingd/journal"
	"lendcore/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSecret = "test-secret-0123456789"

func testAddress(b byte) crypto.Address {
	var addr crypto.Address
	addr[0] = 0x42
	addr[19] = b
	return addr
}

type harness struct {
	t       *testing.T
	srv     *httptest.Server
	client  *http.Client
	engine  *lending.Engine
	ledger  *bank.Ledger
	pauses  *nativecommon.PauseSet
	hub     *Hub
	journal *journal.Journal
	admin   crypto.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storage.NewMemDB()
	ledger, err := bank.NewLedger(db, testAddress(0xCC))
	require.NoError(t, err)

	feed := oracle.NewFeed(time.Hour)
	require.NoError(t, feed.SetDecimal("ETH", "2000", time.Now(), lending.BasisPoints))
	require.NoError(t, feed.SetDecimal("USDC", "1", time.Now(), lending.BasisPoints))

	jr, err := journal.Open("sqlite", filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)

	hub := NewHub(nil)
	pauses := nativecommon.NewPauseSet()
	cfg := lending.DefaultConfig()
	cfg.FeeRecipient = testAddress(0xFE)
	engine, err := lending.NewEngine(lending.NewMemStore(), feed, ledger,
		lending.WithConfig(cfg),
		lending.WithPauses(pauses),
		lending.WithEmitter(events.Fanout{hub, jr}))
	require.NoError(t, err)

	s, err := New(Config{
		Engine:      engine,
		Wallet:      ledger,
		Pauses:      pauses,
		Journal:     jr,
		Hub:         hub,
		Auth:        AuthConfig{HMACSecret: testSecret},
		RateLimit:   RateLimit{RequestsPerMinute: 6000, Burst: 100},
		MintEnabled: true,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	h := &harness{t: t, srv: srv, client: srv.Client(), engine: engine, ledger: ledger, pauses: pauses, hub: hub, journal: jr, admin: testAddress(0xAD)}
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		h.client.CloseIdleConnections()
		_ = jr.Close()
	})
	return h
}

func (h *harness) token(addr crypto.Address, scopes ...string) string {
	tok, err := IssueToken(testSecret, TokenRequest{Subject: addr, Scopes: scopes, TTL: time.Hour})
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path, token string, body any) (int, map[string]any) {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(h.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	envelope, _ := body["error"].(map[string]any)
	code, _ := envelope["code"].(string)
	return code
}

func (h *harness) bootstrap() {
	h.t.Helper()
	admin := h.token(h.admin, ScopeAdmin)
	for _, pool := range []poolParamsRequest{
		{Asset: "ETH", IsActive: true, BorrowingEnabled: true, DepositsEnabled: true, CollateralFactorBps: 7000, LiquidationBonusBps: 500},
		{Asset: "USDC", IsActive: true, BorrowingEnabled: true, DepositsEnabled: true, CollateralFactorBps: 8000, LiquidationBonusBps: 500},
	} {
		status, body := h.do(http.MethodPost, "/v1/admin/pools", admin, pool)
		require.Equal(h.t, http.StatusCreated, status, body)
	}
	for _, mint := range []mintRequest{
		{Asset: "USDC", Account: testAddress(1).String(), Amount: "100000"},
		{Asset: "ETH", Account: testAddress(2).String(), Amount: "50"},
		{Asset: "USDC", Account: testAddress(2).String(), Amount: "5000"},
	} {
		status, body := h.do(http.MethodPost, "/v1/admin/mint", admin, mint)
		require.Equal(h.t, http.StatusOK, status, body)
	}
	status, body := h.do(http.MethodPost, "/v1/deposits", h.token(testAddress(1)), amountRequest{Asset: "usdc", Amount: "100000"})
	require.Equal(h.t, http.StatusOK, status, body)
	require.Equal(h.t, "100000", body["balance"])
}

func TestLoanLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	borrower := h.token(testAddress(2))

	status, body := h.do(http.MethodPost, "/v1/loans", borrower, borrowRequest{
		CollateralAsset: "ETH", BorrowAsset: "USDC", CollateralAmount: "10", BorrowAmount: "1000",
	})
	require.Equal(t, http.StatusCreated, status, body)
	require.EqualValues(t, 1, body["id"])

	status, body = h.do(http.MethodGet, "/v1/loans/1", "", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.True(t, strings.HasPrefix(body["healthFactor"].(string), "14."), body["healthFactor"])
	require.Equal(t, false, body["liquidatable"])
	loan := body["loan"].(map[string]any)
	require.Equal(t, "active", loan["status"])
	require.Equal(t, testAddress(2).String(), loan["borrower"])

	status, body = h.do(http.MethodGet, "/v1/pools/usdc", "", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "1000", body["totalBorrows"])
	require.Equal(t, "99000", body["availableLiquidity"])
	rates := body["rates"].(map[string]any)
	require.EqualValues(t, 100, rates["utilizationBps"])

	status, body = h.do(http.MethodPost, "/v1/loans/1/repay", borrower, repayRequest{Amount: "5000"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, true, body["closed"])
	require.Equal(t, "10", body["collateralReturned"])

	status, body = h.do(http.MethodGet, "/v1/accounts/"+testAddress(2).String(), "", nil)
	require.Equal(t, http.StatusOK, status, body)
	wallet := body["wallet"].(map[string]any)
	require.Equal(t, "50", wallet["ETH"])
	loans := body["loans"].([]any)
	require.Len(t, loans, 1)
	require.Equal(t, "repaid", loans[0].(map[string]any)["status"])

	status, body = h.do(http.MethodGet, "/v1/loans/1/events", "", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Len(t, body["events"].([]any), 2)

	status, body = h.do(http.MethodGet, "/v1/admin/invariants", h.token(h.admin, ScopeAdmin), nil)
	require.Equal(t, http.StatusOK, status, body)
}

func TestEngineErrorsAreTranslated(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	borrower := h.token(testAddress(2))

	status, body := h.do(http.MethodPost, "/v1/loans", borrower, borrowRequest{
		CollateralAsset: "ETH", BorrowAsset: "USDC", CollateralAmount: "1", BorrowAmount: "1500",
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "insufficient_collateral", errorCode(body))

	status, body = h.do(http.MethodPost, "/v1/deposits", borrower, amountRequest{Asset: "DOGE", Amount: "1"})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "asset_not_listed", errorCode(body))

	status, body = h.do(http.MethodPost, "/v1/deposits", borrower, amountRequest{Asset: "ETH", Amount: "0"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "zero_amount", errorCode(body))

	status, body = h.do(http.MethodPost, "/v1/deposits", borrower, amountRequest{Asset: "ETH", Amount: "1.5"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_amount", errorCode(body))

	status, body = h.do(http.MethodGet, "/v1/loans/99", "", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "loan_not_found", errorCode(body))

	status, body = h.do(http.MethodPost, "/v1/withdrawals", borrower, amountRequest{Asset: "USDC", Amount: "1"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "insufficient_balance", errorCode(body))
}

func TestAuthAndScopes(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()

	status, body := h.do(http.MethodPost, "/v1/deposits", "", amountRequest{Asset: "ETH", Amount: "1"})
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "unauthenticated", errorCode(body))

	status, _ = h.do(http.MethodPost, "/v1/deposits", "not-a-jwt", amountRequest{Asset: "ETH", Amount: "1"})
	require.Equal(t, http.StatusUnauthorized, status)

	forged, err := IssueToken("another-secret-value", TokenRequest{Subject: testAddress(2)})
	require.NoError(t, err)
	status, _ = h.do(http.MethodPost, "/v1/deposits", forged, amountRequest{Asset: "ETH", Amount: "1"})
	require.Equal(t, http.StatusUnauthorized, status)

	status, body = h.do(http.MethodPost, "/v1/admin/fees/USDC/sweep", h.token(testAddress(2)), nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "insufficient_scope", errorCode(body))

	status, body = h.do(http.MethodPost, "/v1/admin/fees/USDC/sweep", h.token(h.admin, ScopeAdmin), nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "0", body["swept"])
}

func TestPauseBlocksMutations(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	admin := h.token(h.admin, ScopeAdmin)

	status, _ := h.do(http.MethodPost, "/v1/admin/pause", admin, pauseRequest{Paused: true})
	require.Equal(t, http.StatusOK, status)

	status, body := h.do(http.MethodPost, "/v1/deposits", h.token(testAddress(2)), amountRequest{Asset: "ETH", Amount: "1"})
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "paused", errorCode(body))

	status, body = h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["paused"])

	status, _ = h.do(http.MethodPost, "/v1/admin/pause", admin, pauseRequest{Paused: false})
	require.Equal(t, http.StatusOK, status)
	status, _ = h.do(http.MethodPost, "/v1/deposits", h.token(testAddress(2)), amountRequest{Asset: "ETH", Amount: "1"})
	require.Equal(t, http.StatusOK, status)
}

func TestRequestIDEchoed(t *testing.T) {
	h := newHarness(t)
	resp, err := h.client.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/events?type=" + events.TypeLoanCreated
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: h.client})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")
	require.Eventually(t, func() bool { return h.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	status, body := h.do(http.MethodPost, "/v1/loans", h.token(testAddress(2)), borrowRequest{
		CollateralAsset: "ETH", BorrowAsset: "USDC", CollateralAmount: "10", BorrowAmount: "1000",
	})
	require.Equal(t, http.StatusCreated, status, body)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt streamEvent
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, events.TypeLoanCreated, evt.Type)
	require.Equal(t, "1000", evt.Attributes["borrowAmount"])
}

func TestRateLimiterPerIdentity(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 2})
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }

	require.True(t, limiter.Allow("acct:a"))
	require.True(t, limiter.Allow("acct:a"))
	require.False(t, limiter.Allow("acct:a"))
	require.True(t, limiter.Allow("acct:b"))

	now = now.Add(time.Second)
	require.True(t, limiter.Allow("acct:a"))
}

func TestTranslateEngineErrorFallsBackToInternal(t *testing.T) {
	status, apiErr := translateEngineError(io.ErrUnexpectedEOF)
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "internal", apiErr.Code)

	status, apiErr = translateEngineError(bank.ErrInsufficientFunds)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "insufficient_balance", apiErr.Code)

	status, apiErr = translateEngineError(lending.ErrNothingToSeize)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "nothing_to_seize", apiErr.Code)
}

func TestFormatHealthFactor(t *testing.T) {
	require.Equal(t, "max", formatHealthFactor(lending.MaxHealthFactor))
	hf := new(big.Int).Mul(big.NewInt(15), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	require.Equal(t, "1.5000", formatHealthFactor(hf))
	require.Equal(t, "5.50", bpsPercent(550))
}
