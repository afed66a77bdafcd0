package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"lendcore/core/events"
	"lendcore/crypto"
	"lendcore/native/bank"
	"lendcore/native/lending"
	"lendcore/native/oracle"
	"lendcore/storage"
)

const year = 365 * 24 * time.Hour

var (
	custodyAccount  = demoAddress(0xCC)
	lenderAccount   = demoAddress(0x01)
	borrowerAccount = demoAddress(0x02)
	keeperAccount   = demoAddress(0x09)
)

func demoAddress(tag byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0x1e
	raw[len(raw)-1] = tag
	return crypto.MustNewAddress(raw)
}

type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sandbox is a throwaway engine over in-memory storage. Collateral asset "A"
// starts at 2000 with a 70% collateral factor; borrow asset "B" is priced
// at 1.
type sandbox struct {
	engine   *lending.Engine
	ledger   *bank.Ledger
	feed     *oracle.Feed
	clock    *simClock
	recorder *events.Recorder
}

func newSandbox(policy lending.BadDebtPolicy, logger *slog.Logger) (*sandbox, error) {
	clock := &simClock{now: time.Unix(1_700_000_000, 0).UTC()}
	ledger, err := bank.NewLedger(storage.NewMemDB(), custodyAccount)
	if err != nil {
		return nil, err
	}
	sb := &sandbox{
		ledger:   ledger,
		feed:     oracle.NewFeed(0, oracle.WithFeedClock(clock.Now)),
		clock:    clock,
		recorder: &events.Recorder{},
	}
	cfg := lending.DefaultConfig()
	cfg.BadDebtPolicy = policy
	engine, err := lending.NewEngine(lending.NewMemStore(), sb.feed, ledger,
		lending.WithConfig(cfg),
		lending.WithClock(clock.Now),
		lending.WithEmitter(sb.recorder),
		lending.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	sb.engine = engine

	admin := lending.NewAdmin("lendctl")
	for _, params := range []lending.PoolParams{
		{Asset: "A", IsActive: true, BorrowingEnabled: true, DepositsEnabled: true, CollateralFactorBps: 7_000, LiquidationBonusBps: 500},
		{Asset: "B", IsActive: true, BorrowingEnabled: true, DepositsEnabled: true, CollateralFactorBps: 8_000, LiquidationBonusBps: 500},
	} {
		if _, err := engine.ListPool(admin, params); err != nil {
			return nil, fmt.Errorf("list %s: %w", params.Asset, err)
		}
	}
	if err := sb.setPrice("A", "2000"); err != nil {
		return nil, err
	}
	if err := sb.setPrice("B", "1"); err != nil {
		return nil, err
	}
	return sb, nil
}

func (sb *sandbox) setPrice(asset, value string) error {
	return sb.feed.SetDecimal(asset, value, sb.clock.Now(), lending.BasisPoints)
}

func (sb *sandbox) fund(asset string, account crypto.Address, amount int64) error {
	return sb.ledger.Mint(asset, account, big.NewInt(amount))
}

func (sb *sandbox) deposit(ctx context.Context, account crypto.Address, asset string, amount int64) error {
	if err := sb.fund(asset, account, amount); err != nil {
		return err
	}
	caller, err := lending.Authenticate(account)
	if err != nil {
		return err
	}
	return sb.engine.Deposit(ctx, caller, asset, big.NewInt(amount))
}

func (sb *sandbox) borrow(ctx context.Context, account crypto.Address, collateral, debt int64) (uint64, error) {
	if collateral > 0 {
		if err := sb.fund("A", account, collateral); err != nil {
			return 0, err
		}
	}
	caller, err := lending.Authenticate(account)
	if err != nil {
		return 0, err
	}
	return sb.engine.CreateLoan(ctx, caller, lending.BorrowRequest{
		CollateralAsset:  "A",
		BorrowAsset:      "B",
		CollateralAmount: big.NewInt(collateral),
		BorrowAmount:     big.NewInt(debt),
	})
}

func (sb *sandbox) balance(asset string, account crypto.Address) *big.Int {
	amount, err := sb.ledger.BalanceOf(asset, account)
	if err != nil {
		return big.NewInt(0)
	}
	return amount
}

func healthFactorString(hf *big.Int) string {
	if hf == nil {
		return "-"
	}
	if hf.Cmp(lending.MaxHealthFactor) == 0 {
		return "max"
	}
	return decimal.NewFromBigInt(hf, -18).StringFixed(4)
}
