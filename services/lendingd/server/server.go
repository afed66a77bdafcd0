package server

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendcore/crypto"
	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
	"lendcore/services/lendingd/journal"
)

// Engine is the lending surface exposed over HTTP.
type Engine interface {
	Deposit(ctx context.Context, caller lending.Caller, asset string, amount *big.Int) error
	Withdraw(ctx context.Context, caller lending.Caller, asset string, amount *big.Int) (*big.Int, error)
	CreateLoan(ctx context.Context, caller lending.Caller, req lending.BorrowRequest) (uint64, error)
	RepayLoan(ctx context.Context, caller lending.Caller, loanID uint64, amount *big.Int) (*lending.RepayResult, error)
	LiquidateLoan(ctx context.Context, caller lending.Caller, loanID uint64, repayAmount *big.Int) (*lending.LiquidationResult, error)
	ListPool(admin lending.Admin, params lending.PoolParams) (*lending.Pool, error)
	UpdatePool(admin lending.Admin, params lending.PoolParams) (*lending.Pool, error)
	SweepFees(ctx context.Context, admin lending.Admin, asset string) (*big.Int, error)
	Pool(asset string) (*lending.Pool, error)
	Pools() ([]*lending.Pool, error)
	Balance(asset string, account crypto.Address) (*big.Int, error)
	Rates(asset string) (lending.RateSnapshot, error)
	Loan(loanID uint64) (*lending.Loan, error)
	LoansOf(borrower crypto.Address) ([]*lending.Loan, error)
	FeeAccrual(asset string) (*lending.FeeAccrual, error)
	Position(ctx context.Context, loanID uint64) (*lending.Position, error)
	CheckInvariants() error
}

// Wallet is the token ledger backing the pools.
type Wallet interface {
	BalanceOf(asset string, account crypto.Address) (*big.Int, error)
	Mint(asset string, to crypto.Address, amount *big.Int) error
}

// EventLog serves journal queries.
type EventLog interface {
	List(ctx context.Context, q journal.Query) ([]journal.Record, error)
}

// Config wires the server dependencies.
type Config struct {
	Engine      Engine
	Wallet      Wallet
	Pauses      *nativecommon.PauseSet
	Journal     EventLog
	Hub         *Hub
	Auth        AuthConfig
	RateLimit   RateLimit
	MintEnabled bool
	Logger      *slog.Logger
}

// Server exposes the lending engine over HTTP.
type Server struct {
	engine      Engine
	wallet      Wallet
	pauses      *nativecommon.PauseSet
	journal     EventLog
	hub         *Hub
	auth        *Authenticator
	limiter     *RateLimiter
	mintEnabled bool
	logger      *slog.Logger
}

// New validates cfg and returns a server.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("lendingd: engine required")
	}
	if cfg.Pauses == nil {
		return nil, errors.New("lendingd: pause set required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	return &Server{
		engine:      cfg.Engine,
		wallet:      cfg.Wallet,
		pauses:      cfg.Pauses,
		journal:     cfg.Journal,
		hub:         hub,
		auth:        auth,
		limiter:     NewRateLimiter(cfg.RateLimit),
		mintEnabled: cfg.MintEnabled && cfg.Wallet != nil,
		logger:      logger,
	}, nil
}

// Hub returns the event hub so it can be attached to the engine emitter.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID, recoverer(s.logger), accessLog(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(pub chi.Router) {
			pub.Use(s.limiter.Middleware("public"))
			pub.Get("/pools", s.handleListPools)
			pub.Get("/pools/{asset}", s.handleGetPool)
			pub.Get("/loans/{id}", s.handleGetLoan)
			pub.Get("/loans/{id}/events", s.handleLoanEvents)
			pub.Get("/accounts/{address}", s.handleGetAccount)
			pub.Get("/journal", s.handleJournal)
			pub.Handle("/events", s.hub)
		})
		v1.Group(func(user chi.Router) {
			user.Use(s.auth.Middleware(), s.limiter.Middleware("account"))
			user.Post("/deposits", s.handleDeposit)
			user.Post("/withdrawals", s.handleWithdraw)
			user.Post("/loans", s.handleCreateLoan)
			user.Post("/loans/{id}/repay", s.handleRepay)
			user.Post("/loans/{id}/liquidate", s.handleLiquidate)
		})
		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Middleware(ScopeAdmin), s.limiter.Middleware("admin"))
			admin.Post("/pools", s.handleListPool)
			admin.Put("/pools/{asset}", s.handleUpdatePool)
			admin.Post("/fees/{asset}/sweep", s.handleSweep)
			admin.Post("/pause", s.handlePause)
			admin.Get("/invariants", s.handleInvariants)
			admin.Post("/mint", s.handleMint)
		})
	})
	return otelhttp.NewHandler(r, "lendingd")
}
