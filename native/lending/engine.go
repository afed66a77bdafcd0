package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lendcore/core/events"
	"lendcore/crypto"
	nativecommon "lendcore/native/common"
)

const moduleName = "lending"

// ModuleName is the pause key consulted before every mutating operation.
const ModuleName = moduleName

// Price is a quote from the price feed. Value is the price of one unit of the
// asset in a common quote currency, scaled by 1e18.
type Price struct {
	Value      *big.Int
	Timestamp  time.Time
	Confidence uint64
}

// PriceFeed supplies asset prices. Price fails with ErrOracleNotFound for
// unknown assets and ErrStalePriceData when the quote is too old.
// PriceUnsafe skips the staleness check and is only used for informational
// reads.
type PriceFeed interface {
	Price(ctx context.Context, asset string) (Price, error)
	PriceUnsafe(ctx context.Context, asset string) (Price, error)
}

// Transfers moves tokens between accounts and the pool custody account. A
// failed call must leave balances untouched.
//
// Calls run while the engine holds the pool locks of the operation. An
// implementation must not call back into the engine, nor wait on a goroutine
// that does: pool locks are not reentrant and only a callback made with the
// context it was handed is rejected with ErrReentrantCall. A callback on a
// fresh context deadlocks.
type Transfers interface {
	MoveIn(ctx context.Context, asset string, from crypto.Address, amount *big.Int) error
	MoveOut(ctx context.Context, asset string, to crypto.Address, amount *big.Int) error
}

// Caller is the authenticated account performing an operation.
type Caller struct {
	address crypto.Address
}

// Authenticate wraps an address that the transport layer has already
// verified.
func Authenticate(addr crypto.Address) (Caller, error) {
	if addr.IsZero() {
		return Caller{}, ErrZeroAddress
	}
	return Caller{address: addr}, nil
}

// Address returns the caller's account.
func (c Caller) Address() crypto.Address { return c.address }

// Admin authorises pool listing, parameter changes and fee sweeps.
type Admin struct {
	name string
}

// NewAdmin issues an administrative capability labelled with name.
func NewAdmin(name string) Admin {
	return Admin{name: name}
}

// Name returns the label the capability was issued with.
func (a Admin) Name() string { return a.name }

func (a Admin) check() error {
	if a.name == "" {
		return fmt.Errorf("%w: admin capability required", ErrUnauthorizedAccess)
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEmitter installs the notification sink.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithPauses wires the module pause switch.
func WithPauses(p nativecommon.PauseView) Option {
	return func(e *Engine) {
		e.pauses = p
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg.Clone()
	}
}

// Engine orchestrates pools, loans, health checks, liquidations and fees.
type Engine struct {
	store     Store
	prices    PriceFeed
	transfers Transfers
	emitter   events.Emitter
	logger    *slog.Logger
	pauses    nativecommon.PauseView
	now       func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	locks   poolLocks
	loanSeq atomic.Uint64
}

// NewEngine wires the engine to its store and collaborators.
func NewEngine(store Store, prices PriceFeed, transfers Transfers, opts ...Option) (*Engine, error) {
	if store == nil || prices == nil || transfers == nil {
		return nil, ErrNotConfigured
	}
	e := &Engine{
		store:     store,
		prices:    prices,
		transfers: transfers,
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		now:       time.Now,
		cfg:       DefaultConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.cfg.EnsureDefaults()
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	seq, err := store.LoanSeq()
	if err != nil {
		return nil, fmt.Errorf("lending: load loan sequence: %w", err)
	}
	e.loanSeq.Store(seq)
	return e, nil
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.Clone()
}

// SetConfig replaces the engine configuration. It takes effect on the next
// operation.
func (e *Engine) SetConfig(admin Admin, cfg Config) error {
	if err := admin.check(); err != nil {
		return err
	}
	cfg = cfg.Clone()
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.logger.Info("lending config updated", slog.String("admin", admin.name), slog.String("badDebtPolicy", cfg.BadDebtPolicy.String()))
	return nil
}

func (e *Engine) rateModel(pool *Pool) RateModel {
	if pool != nil && pool.RateModel != nil {
		return *pool.RateModel
	}
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.RateModel
}

func (e *Engine) timestamp() uint64 {
	now := e.now().Unix()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

type inFlightKey struct{}

// begin marks ctx as carrying an engine operation. Collaborators receive the
// marked context; any engine call made with it is rejected. Reentrancy on a
// context without the marker is not detected, see Transfers.
func (e *Engine) begin(ctx context.Context) (context.Context, error) {
	if e == nil || e.store == nil {
		return nil, ErrNotConfigured
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(inFlightKey{}) != nil {
		return nil, ErrReentrantCall
	}
	return context.WithValue(ctx, inFlightKey{}, struct{}{}), nil
}

func (e *Engine) guard() error {
	return nativecommon.Guard(e.pauses, moduleName)
}

func canonicalAsset(asset string) (string, error) {
	normalized := NormalizeAsset(asset)
	if !validAsset(normalized) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, asset)
	}
	return normalized, nil
}

// commit persists the transaction, performs its token movements and emits its
// events. A failed movement compensates earlier movements and restores every
// record's pre-image before returning the movement error. Callers hold the
// pool locks for the whole call.
func (e *Engine) commit(ctx context.Context, tx *txn) error {
	undo := tx.undo()
	if err := e.store.Apply(tx.changeset()); err != nil {
		return fmt.Errorf("lending: commit: %w", err)
	}
	for i, tr := range tx.transfers {
		if err := e.execute(ctx, tr); err != nil {
			e.compensate(ctx, tx.transfers[:i])
			if rerr := e.store.Apply(undo); rerr != nil {
				e.logger.Error("lending rollback failed", slog.Any("error", rerr))
				return errors.Join(err, rerr)
			}
			return err
		}
	}
	feeEvents := e.settleFees(ctx, tx)
	for _, evt := range tx.events {
		e.emitter.Emit(evt)
	}
	for _, evt := range feeEvents {
		e.emitter.Emit(evt)
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, tr transfer) error {
	switch tr.kind {
	case transferIn:
		return e.transfers.MoveIn(ctx, tr.asset, tr.account, tr.amount)
	case transferOut:
		return e.transfers.MoveOut(ctx, tr.asset, tr.account, tr.amount)
	default:
		return fmt.Errorf("lending: unknown transfer kind %d", tr.kind)
	}
}

func (e *Engine) compensate(ctx context.Context, done []transfer) {
	for i := len(done) - 1; i >= 0; i-- {
		tr := done[i]
		reverse := tr
		if tr.kind == transferIn {
			reverse.kind = transferOut
		} else {
			reverse.kind = transferIn
		}
		if err := e.execute(ctx, reverse); err != nil {
			e.logger.Error("lending transfer compensation failed",
				slog.String("asset", tr.asset),
				slog.String("account", tr.account.String()),
				slog.String("amount", tr.amount.String()),
				slog.Any("error", err))
		}
	}
}

// poolLocks hands out one mutex per asset pool.
type poolLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the locks for every distinct asset in sorted order and
// returns the matching unlock. The locks are not reentrant.
func (p *poolLocks) lock(assets ...string) func() {
	unique := make([]string, 0, len(assets))
	seen := make(map[string]struct{}, len(assets))
	for _, asset := range assets {
		if _, ok := seen[asset]; ok {
			continue
		}
		seen[asset] = struct{}{}
		unique = append(unique, asset)
	}
	sort.Strings(unique)

	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	held := make([]*sync.Mutex, 0, len(unique))
	for _, asset := range unique {
		m, ok := p.locks[asset]
		if !ok {
			m = new(sync.Mutex)
			p.locks[asset] = m
		}
		held = append(held, m)
	}
	p.mu.Unlock()

	for _, m := range held {
		m.Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
