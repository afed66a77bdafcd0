package lending

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"lendcore/core/events"
	"lendcore/crypto"
)

func makeAddress(b byte) crypto.Address {
	var addr crypto.Address
	addr[0] = 0xAA
	addr[19] = b
	return addr
}

var (
	custodyAddr  = makeAddress(0xCC)
	feeRecipient = makeAddress(0xFE)
)

// units scales whole token amounts by 1e18 for prices.
func units(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), HealthFactorOne)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]Price
	stale  map[string]bool
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: make(map[string]Price), stale: make(map[string]bool)}
}

func (f *fakePrices) set(asset string, value *big.Int) {
	f.mu.Lock()
	f.prices[asset] = Price{Value: value, Timestamp: time.Unix(1_700_000_000, 0), Confidence: BasisPoints}
	f.mu.Unlock()
}

func (f *fakePrices) unset(asset string) {
	f.mu.Lock()
	delete(f.prices, asset)
	f.mu.Unlock()
}

func (f *fakePrices) markStale(asset string, stale bool) {
	f.mu.Lock()
	f.stale[asset] = stale
	f.mu.Unlock()
}

func (f *fakePrices) Price(ctx context.Context, asset string) (Price, error) {
	f.mu.Lock()
	stale := f.stale[asset]
	f.mu.Unlock()
	if stale {
		return Price{}, fmt.Errorf("%w: %s", ErrStalePriceData, asset)
	}
	return f.PriceUnsafe(ctx, asset)
}

func (f *fakePrices) PriceUnsafe(_ context.Context, asset string) (Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[asset]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrOracleNotFound, asset)
	}
	price.Value = new(big.Int).Set(price.Value)
	return price, nil
}

// fakeBank is an in-memory token ledger with a single custody account.
type fakeBank struct {
	mu       sync.Mutex
	balances map[string]map[crypto.Address]*big.Int
	// fail, when set, is consulted before every movement.
	fail func(in bool, asset string, account crypto.Address) error
	// hook runs after a successful movement with the context the engine
	// passed in.
	hook  func(ctx context.Context)
	moves int
}

func newFakeBank() *fakeBank {
	return &fakeBank{balances: make(map[string]map[crypto.Address]*big.Int)}
}

func (b *fakeBank) mint(asset string, to crypto.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(asset, to, amount)
}

func (b *fakeBank) add(asset string, account crypto.Address, amount *big.Int) {
	accounts, ok := b.balances[asset]
	if !ok {
		accounts = make(map[crypto.Address]*big.Int)
		b.balances[asset] = accounts
	}
	current, ok := accounts[account]
	if !ok {
		current = big.NewInt(0)
	}
	accounts[account] = new(big.Int).Add(current, amount)
}

func (b *fakeBank) balanceOf(asset string, account crypto.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.balances[asset][account]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (b *fakeBank) move(ctx context.Context, in bool, asset string, account crypto.Address, amount *big.Int) error {
	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()
	if fail != nil {
		if err := fail(in, asset, account); err != nil {
			return err
		}
	}
	b.mu.Lock()
	from, to := account, custodyAddr
	if !in {
		from, to = custodyAddr, account
	}
	have := big.NewInt(0)
	if v, ok := b.balances[asset][from]; ok {
		have = v
	}
	if have.Cmp(amount) < 0 {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s holds %s %s", ErrInsufficientBalance, from, have, asset)
	}
	b.add(asset, from, new(big.Int).Neg(amount))
	b.add(asset, to, amount)
	b.moves++
	hook := b.hook
	b.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return nil
}

func (b *fakeBank) MoveIn(ctx context.Context, asset string, from crypto.Address, amount *big.Int) error {
	return b.move(ctx, true, asset, from, amount)
}

func (b *fakeBank) MoveOut(ctx context.Context, asset string, to crypto.Address, amount *big.Int) error {
	return b.move(ctx, false, asset, to, amount)
}

type testEnv struct {
	t        *testing.T
	engine   *Engine
	store    *MemStore
	bank     *fakeBank
	prices   *fakePrices
	clock    *testClock
	recorder *events.Recorder
	admin    Admin
}

// newTestEnv lists collateral pool "A" (price 2000, collateral factor 70%)
// and borrow pool "B" (price 1).
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		t:        t,
		store:    NewMemStore(),
		bank:     newFakeBank(),
		prices:   newFakePrices(),
		clock:    newTestClock(),
		recorder: &events.Recorder{},
		admin:    NewAdmin("test"),
	}
	base := []Option{WithClock(env.clock.Now), WithEmitter(env.recorder)}
	engine, err := NewEngine(env.store, env.prices, env.bank, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env.engine = engine
	env.prices.set("A", units(2_000))
	env.prices.set("B", units(1))
	env.listPool(PoolParams{Asset: "A", IsActive: true, BorrowingEnabled: true, DepositsEnabled: true, CollateralFactorBps: 7_000, LiquidationBonusBps: 500})
	env.listPool(PoolParams{Asset: "B", IsActive: true, BorrowingEnabled: true, DepositsEnabled: true, CollateralFactorBps: 8_000, LiquidationBonusBps: 500})
	return env
}

func (env *testEnv) listPool(params PoolParams) {
	env.t.Helper()
	if _, err := env.engine.ListPool(env.admin, params); err != nil {
		env.t.Fatalf("list pool %s: %v", params.Asset, err)
	}
}

func (env *testEnv) caller(addr crypto.Address) Caller {
	env.t.Helper()
	c, err := Authenticate(addr)
	if err != nil {
		env.t.Fatalf("authenticate: %v", err)
	}
	return c
}

func (env *testEnv) deposit(addr crypto.Address, asset string, amount int64) {
	env.t.Helper()
	env.bank.mint(asset, addr, big.NewInt(amount))
	if err := env.engine.Deposit(context.Background(), env.caller(addr), asset, big.NewInt(amount)); err != nil {
		env.t.Fatalf("deposit %s: %v", asset, err)
	}
}

func (env *testEnv) borrow(addr crypto.Address, collateral, debt int64) uint64 {
	env.t.Helper()
	env.bank.mint("A", addr, big.NewInt(collateral))
	id, err := env.engine.CreateLoan(context.Background(), env.caller(addr), BorrowRequest{
		CollateralAsset:  "A",
		BorrowAsset:      "B",
		CollateralAmount: big.NewInt(collateral),
		BorrowAmount:     big.NewInt(debt),
	})
	if err != nil {
		env.t.Fatalf("create loan: %v", err)
	}
	return id
}

func (env *testEnv) pool(asset string) *Pool {
	env.t.Helper()
	pool, err := env.engine.Pool(asset)
	if err != nil {
		env.t.Fatalf("pool %s: %v", asset, err)
	}
	return pool
}

func (env *testEnv) loan(id uint64) *Loan {
	env.t.Helper()
	loan, err := env.engine.Loan(id)
	if err != nil {
		env.t.Fatalf("loan %d: %v", id, err)
	}
	return loan
}

func (env *testEnv) checkInvariants() {
	env.t.Helper()
	if err := env.engine.CheckInvariants(); err != nil {
		env.t.Fatalf("invariants: %v", err)
	}
}

// snapshot captures the full store contents for before/after comparisons.
func (env *testEnv) snapshot() string {
	env.t.Helper()
	pools, _ := env.store.Pools()
	loans, _ := env.store.Loans()
	out := ""
	for _, p := range pools {
		out += fmt.Sprintf("pool %s d=%s b=%s r=%s bd=%s t=%d\n", p.Asset, p.TotalDeposits, p.TotalBorrows, p.TotalReserves, p.BadDebt, p.LastUpdateTime)
		balances, _ := env.store.Balances(p.Asset)
		lines := make([]string, 0, len(balances))
		for addr, amount := range balances {
			lines = append(lines, fmt.Sprintf("  bal %x=%s\n", addr[:], amount))
		}
		sort.Strings(lines)
		for _, line := range lines {
			out += line
		}
	}
	for _, l := range loans {
		out += fmt.Sprintf("loan %d c=%s b=%s i=%s s=%s t=%d\n", l.ID, l.CollateralAmount, l.BorrowAmount, l.AccruedInterest, l.Status, l.LastUpdateTime)
	}
	return out
}
