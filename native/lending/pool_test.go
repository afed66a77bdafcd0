package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"lendcore/core/events"
	"lendcore/crypto"
)

func TestDepositWithdrawRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	alice := makeAddress(1)
	env.deposit(alice, "B", 5_000)
	before := env.pool("B").TotalDeposits

	env.bank.mint("B", alice, big.NewInt(1_234))
	if err := env.engine.Deposit(context.Background(), env.caller(alice), "b", big.NewInt(1_234)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	got, err := env.engine.Withdraw(context.Background(), env.caller(alice), "B", big.NewInt(1_234))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Int64() != 1_234 {
		t.Fatalf("unexpected withdrawn amount %s", got)
	}
	if env.pool("B").TotalDeposits.Cmp(before) != 0 {
		t.Fatalf("deposits not restored: %s vs %s", env.pool("B").TotalDeposits, before)
	}
	if bal := env.bank.balanceOf("B", alice); bal.Int64() != 1_234 {
		t.Fatalf("depositor wallet should hold 1234, got %s", bal)
	}
	env.checkInvariants()

	if len(env.recorder.OfType(events.TypeDeposited)) != 2 || len(env.recorder.OfType(events.TypeWithdrawn)) != 1 {
		t.Fatalf("unexpected events %v", env.recorder.Events())
	}
}

func TestWithdrawZeroTakesEntireBalance(t *testing.T) {
	env := newTestEnv(t)
	alice := makeAddress(1)
	env.deposit(alice, "B", 700)
	got, err := env.engine.Withdraw(context.Background(), env.caller(alice), "B", big.NewInt(0))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Int64() != 700 {
		t.Fatalf("unexpected amount %s", got)
	}
	bal, _ := env.engine.Balance("B", alice)
	if bal.Sign() != 0 {
		t.Fatalf("balance should be empty, got %s", bal)
	}
	if _, err := env.engine.Withdraw(context.Background(), env.caller(alice), "B", nil); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance on empty withdraw, got %v", err)
	}
}

func TestWithdrawLimits(t *testing.T) {
	env := newTestEnv(t)
	lender := makeAddress(1)
	borrower := makeAddress(2)
	env.deposit(lender, "B", 10_000)
	env.borrow(borrower, 1_000, 8_000)

	if _, err := env.engine.Withdraw(context.Background(), env.caller(lender), "B", big.NewInt(10_001)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	before := env.snapshot()
	if _, err := env.engine.Withdraw(context.Background(), env.caller(lender), "B", big.NewInt(2_001)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	if env.snapshot() != before {
		t.Fatalf("failed withdraw mutated state")
	}
	if _, err := env.engine.Withdraw(context.Background(), env.caller(lender), "B", big.NewInt(2_000)); err != nil {
		t.Fatalf("withdraw available liquidity: %v", err)
	}
	env.checkInvariants()
}

func TestDepositValidation(t *testing.T) {
	env := newTestEnv(t)
	alice := makeAddress(1)
	ctx := context.Background()
	if err := env.engine.Deposit(ctx, env.caller(alice), "B", big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected zero amount, got %v", err)
	}
	if err := env.engine.Deposit(ctx, env.caller(alice), "ZZZ", big.NewInt(1)); !errors.Is(err, ErrAssetNotListed) {
		t.Fatalf("expected not listed, got %v", err)
	}
	if err := env.engine.Deposit(ctx, env.caller(alice), "bad asset!", big.NewInt(1)); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected invalid asset, got %v", err)
	}
	if err := env.engine.Deposit(ctx, Caller{}, "B", big.NewInt(1)); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected zero address, got %v", err)
	}
	if _, err := Authenticate(crypto.Address{}); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected authenticate to reject zero address, got %v", err)
	}

	params := PoolParams{Asset: "B", IsActive: true, BorrowingEnabled: true, DepositsEnabled: false, CollateralFactorBps: 8_000}
	if _, err := env.engine.UpdatePool(env.admin, params); err != nil {
		t.Fatalf("update pool: %v", err)
	}
	env.bank.mint("B", alice, big.NewInt(1))
	if err := env.engine.Deposit(ctx, env.caller(alice), "B", big.NewInt(1)); !errors.Is(err, ErrAssetNotActive) {
		t.Fatalf("expected deposits disabled, got %v", err)
	}
}

func TestDepositRequiresTokens(t *testing.T) {
	env := newTestEnv(t)
	alice := makeAddress(1)
	before := env.snapshot()
	err := env.engine.Deposit(context.Background(), env.caller(alice), "B", big.NewInt(50))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if env.snapshot() != before {
		t.Fatalf("failed deposit left state behind")
	}
	if len(env.recorder.OfType(events.TypeDeposited)) != 0 {
		t.Fatalf("failed deposit emitted an event")
	}
}

func TestSupplyCap(t *testing.T) {
	env := newTestEnv(t)
	env.listPool(PoolParams{Asset: "C", IsActive: true, DepositsEnabled: true, SupplyCap: big.NewInt(100)})
	alice := makeAddress(1)
	env.deposit(alice, "C", 100)
	env.bank.mint("C", alice, big.NewInt(1))
	if err := env.engine.Deposit(context.Background(), env.caller(alice), "C", big.NewInt(1)); !errors.Is(err, ErrSupplyCapExceeded) {
		t.Fatalf("expected supply cap, got %v", err)
	}
}

func TestWithdrawAllowedWhilePoolInactive(t *testing.T) {
	env := newTestEnv(t)
	alice := makeAddress(1)
	env.deposit(alice, "B", 300)
	if _, err := env.engine.UpdatePool(env.admin, PoolParams{Asset: "B", CollateralFactorBps: 8_000}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := env.engine.Withdraw(context.Background(), env.caller(alice), "B", big.NewInt(300)); err != nil {
		t.Fatalf("withdraw from inactive pool: %v", err)
	}
}

func TestListPoolRules(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.ListPool(env.admin, PoolParams{Asset: "a", IsActive: true}); !errors.Is(err, ErrPoolExists) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if _, err := env.engine.ListPool(Admin{}, PoolParams{Asset: "D"}); !errors.Is(err, ErrUnauthorizedAccess) {
		t.Fatalf("expected missing admin rejection, got %v", err)
	}
	bad := PoolParams{Asset: "D", CollateralFactorBps: 8_000, LiquidationThresholdBps: 7_000}
	if _, err := env.engine.ListPool(env.admin, bad); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected threshold below factor rejection, got %v", err)
	}
	if _, err := env.engine.UpdatePool(env.admin, PoolParams{Asset: "E"}); !errors.Is(err, ErrAssetNotListed) {
		t.Fatalf("expected unknown pool rejection, got %v", err)
	}
}
