package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"lendcore/core/events"
	"lendcore/native/fees"
)

// openLimitLoan lends 1,400,000 B against 1,000 A priced at 2,000, exactly at
// the 70% collateral factor.
func openLimitLoan(t *testing.T, env *testEnv) (uint64, Caller) {
	t.Helper()
	env.deposit(makeAddress(1), "B", 2_000_000)
	borrower := makeAddress(2)
	id := env.borrow(borrower, 1_000, 1_400_000)
	liquidator := makeAddress(9)
	env.bank.mint("B", liquidator, big.NewInt(2_000_000))
	return id, env.caller(liquidator)
}

func TestScenarioCLiquidationAfterPriceDropAndInterest(t *testing.T) {
	env := newTestEnv(t)
	id, liquidator := openLimitLoan(t, env)
	ctx := context.Background()

	if loan := env.loan(id); loan.InterestRateBps != 550 {
		t.Fatalf("unexpected origination rate %d", loan.InterestRateBps)
	}
	hf, err := env.engine.HealthFactor(ctx, id)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if hf.Cmp(HealthFactorOne) != 0 {
		t.Fatalf("loan at the collateral factor should sit at 1.0, got %s", hf)
	}
	if _, err := env.engine.LiquidateLoan(ctx, liquidator, id, big.NewInt(100_000)); !errors.Is(err, ErrLoanNotDueForLiquidation) {
		t.Fatalf("expected healthy loan rejection, got %v", err)
	}

	env.prices.set("A", units(1_800))
	env.clock.Advance(3 * year)
	hf, err = env.engine.HealthFactor(ctx, id)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if !Liquidatable(hf) {
		t.Fatalf("expected health factor below one, got %s", hf)
	}
	debtBefore := env.loan(id).TotalDebt()
	if debtBefore.Int64() != 1_631_000 {
		t.Fatalf("unexpected debt after three years %s", debtBefore)
	}
	collateralBefore := env.bank.balanceOf("A", liquidator.Address())

	res, err := env.engine.LiquidateLoan(ctx, liquidator, id, big.NewInt(100_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.DebtRepaid.Int64() != 100_000 || res.CollateralSeized.Int64() != 58 {
		t.Fatalf("unexpected liquidation %+v", res)
	}
	if gained := new(big.Int).Sub(env.bank.balanceOf("A", liquidator.Address()), collateralBefore); gained.Int64() != 58 {
		t.Fatalf("liquidator should gain 58 A, got %s", gained)
	}
	debtAfter := env.loan(id).TotalDebt()
	if new(big.Int).Sub(debtBefore, debtAfter).Int64() != 100_000 {
		t.Fatalf("debt should fall by the repaid amount: %s -> %s", debtBefore, debtAfter)
	}
	if res.Closed || env.loan(id).Status != LoanStatusActive {
		t.Fatalf("partial liquidation must leave the loan active")
	}
	if len(env.recorder.OfType(events.TypeLoanLiquidated)) != 1 {
		t.Fatalf("expected one liquidation event")
	}
	env.checkInvariants()
}

func TestScenarioALoanStaysHealthy(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(makeAddress(1), "B", 10_000)
	id := env.borrow(makeAddress(2), 1_000, 4_000)
	env.prices.set("A", units(1_800))
	env.clock.Advance(3 * year)
	hf, err := env.engine.HealthFactor(context.Background(), id)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if Liquidatable(hf) {
		t.Fatalf("a 4000 B loan on 1000 A cannot become liquidatable here, got %s", hf)
	}
}

func TestLiquidationGatingLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(makeAddress(1), "B", 10_000)
	id := env.borrow(makeAddress(2), 1_000, 4_000)
	env.clock.Advance(year)
	liquidator := makeAddress(9)
	env.bank.mint("B", liquidator, big.NewInt(10_000))
	before := env.snapshot()
	env.recorder.Reset()

	if _, err := env.engine.LiquidateLoan(context.Background(), env.caller(liquidator), id, big.NewInt(1_000)); !errors.Is(err, ErrLoanNotDueForLiquidation) {
		t.Fatalf("expected not due, got %v", err)
	}
	if env.snapshot() != before {
		t.Fatalf("rejected liquidation mutated state")
	}
	if len(env.recorder.Events()) != 0 {
		t.Fatalf("rejected liquidation emitted events")
	}
	if _, err := env.engine.LiquidateLoan(context.Background(), env.caller(liquidator), id, big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected zero amount, got %v", err)
	}
}

func TestHealthFactorReadsAreStableAndMonotone(t *testing.T) {
	env := newTestEnv(t)
	id, _ := openLimitLoan(t, env)
	ctx := context.Background()
	env.clock.Advance(year)

	first, _ := env.engine.HealthFactor(ctx, id)
	second, _ := env.engine.HealthFactor(ctx, id)
	if first.Cmp(second) != 0 {
		t.Fatalf("repeated reads differ: %s vs %s", first, second)
	}
	stored, _, _ := env.store.Loan(id)
	if stored.AccruedInterest.Sign() != 0 {
		t.Fatalf("health factor read persisted accrual")
	}

	env.prices.set("A", units(1_900))
	lowerPrice, _ := env.engine.HealthFactor(ctx, id)
	if lowerPrice.Cmp(first) >= 0 {
		t.Fatalf("lower collateral price should lower health: %s vs %s", lowerPrice, first)
	}
	env.clock.Advance(year)
	moreDebt, _ := env.engine.HealthFactor(ctx, id)
	if moreDebt.Cmp(lowerPrice) >= 0 {
		t.Fatalf("accrued interest should lower health: %s vs %s", moreDebt, lowerPrice)
	}

	env.prices.markStale("A", true)
	if _, err := env.engine.HealthFactor(ctx, id); !errors.Is(err, ErrStalePriceData) {
		t.Fatalf("expected stale price, got %v", err)
	}
	position, err := env.engine.Position(ctx, id)
	if err != nil {
		t.Fatalf("position with stale price: %v", err)
	}
	if position.HealthFactor.Cmp(moreDebt) != 0 || !position.Liquidatable {
		t.Fatalf("unexpected position %+v", position)
	}
}

func TestHealthFactorWithoutDebtIsMax(t *testing.T) {
	loan := &Loan{CollateralAmount: big.NewInt(1), BorrowAmount: big.NewInt(0), AccruedInterest: big.NewInt(0)}
	hf := computeHealthFactor(loan, Price{Value: units(1)}, Price{Value: units(1)})
	if hf.Cmp(MaxHealthFactor) != 0 || Liquidatable(hf) {
		t.Fatalf("debt free loan should report max health, got %s", hf)
	}
}

func TestLiquidationSeizesAllCollateralWhenShort(t *testing.T) {
	env := newTestEnv(t)
	id, liquidator := openLimitLoan(t, env)
	env.prices.set("A", units(1_000))

	res, err := env.engine.LiquidateLoan(context.Background(), liquidator, id, big.NewInt(1_400_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.CollateralSeized.Int64() != 1_000 || res.DebtRepaid.Int64() != 952_380 {
		t.Fatalf("unexpected capped liquidation %+v", res)
	}
	if res.RemainingDebt.Int64() != 447_620 || res.Closed {
		t.Fatalf("residual debt should stay open: %+v", res)
	}
	if res.BadDebt == nil || res.BadDebt.Policy != BadDebtRetain || res.BadDebt.Remaining.Int64() != 447_620 {
		t.Fatalf("unexpected bad debt outcome %+v", res.BadDebt)
	}
	loan := env.loan(id)
	if loan.Status != LoanStatusActive || loan.CollateralAmount.Sign() != 0 {
		t.Fatalf("retained loan should be active without collateral: %+v", loan)
	}
	if got := env.pool("B").TotalBorrows; got.Int64() != 447_620 {
		t.Fatalf("borrows should drop by the cleared principal, got %s", got)
	}
	env.checkInvariants()
}

func TestLiquidationWithoutCollateralLeftIsRejected(t *testing.T) {
	env := newTestEnv(t)
	id, liquidator := openLimitLoan(t, env)
	env.prices.set("A", units(1_000))
	ctx := context.Background()

	if _, err := env.engine.LiquidateLoan(ctx, liquidator, id, big.NewInt(1_400_000)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if env.loan(id).CollateralAmount.Sign() != 0 {
		t.Fatalf("first liquidation should take all collateral")
	}
	before := env.snapshot()
	balance := env.bank.balanceOf("B", liquidator.Address())

	res, err := env.engine.LiquidateLoan(ctx, liquidator, id, big.NewInt(1_000))
	if !errors.Is(err, ErrNothingToSeize) {
		t.Fatalf("expected nothing to seize, got %v (%+v)", err, res)
	}
	if env.snapshot() != before {
		t.Fatalf("rejected liquidation mutated state")
	}
	if got := env.bank.balanceOf("B", liquidator.Address()); got.Cmp(balance) != 0 {
		t.Fatalf("liquidator charged for an empty seizure: %s -> %s", balance, got)
	}
	if n := len(env.recorder.OfType(events.TypeLoanLiquidated)); n != 1 {
		t.Fatalf("expected a single liquidation event, got %d", n)
	}
	env.checkInvariants()
}

func TestLiquidationRejectsRepaymentTooSmallToSeize(t *testing.T) {
	env := newTestEnv(t)
	id, liquidator := openLimitLoan(t, env)
	env.prices.set("A", units(1_000))
	before := env.snapshot()

	// 1 B at these prices is worth far less than one unit of A.
	if _, err := env.engine.LiquidateLoan(context.Background(), liquidator, id, big.NewInt(1)); !errors.Is(err, ErrNothingToSeize) {
		t.Fatalf("expected nothing to seize, got %v", err)
	}
	if env.snapshot() != before {
		t.Fatalf("rejected liquidation mutated state")
	}
}

func TestLiquidationPropagatesPriceFailures(t *testing.T) {
	env := newTestEnv(t)
	id, liquidator := openLimitLoan(t, env)
	env.prices.set("A", units(1_000))
	ctx := context.Background()
	before := env.snapshot()
	balance := env.bank.balanceOf("B", liquidator.Address())

	env.prices.markStale("A", true)
	if _, err := env.engine.LiquidateLoan(ctx, liquidator, id, big.NewInt(100_000)); !errors.Is(err, ErrStalePriceData) {
		t.Fatalf("expected stale price, got %v", err)
	}
	env.prices.markStale("A", false)

	env.prices.unset("B")
	if _, err := env.engine.LiquidateLoan(ctx, liquidator, id, big.NewInt(100_000)); !errors.Is(err, ErrOracleNotFound) {
		t.Fatalf("expected missing price, got %v", err)
	}

	if env.snapshot() != before {
		t.Fatalf("failed liquidation mutated state")
	}
	if got := env.bank.balanceOf("B", liquidator.Address()); got.Cmp(balance) != 0 {
		t.Fatalf("liquidator balance moved: %s -> %s", balance, got)
	}
	if n := len(env.recorder.OfType(events.TypeLoanLiquidated)); n != 0 {
		t.Fatalf("failed liquidation emitted %d events", n)
	}
	env.checkInvariants()
}

func TestBadDebtWriteOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BadDebtPolicy = BadDebtWriteOff
	env := newTestEnv(t, WithConfig(cfg))
	id, liquidator := openLimitLoan(t, env)
	env.prices.set("A", units(1_000))

	res, err := env.engine.LiquidateLoan(context.Background(), liquidator, id, big.NewInt(1_400_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.Closed || res.BadDebt.WrittenOff.Int64() != 447_620 || res.RemainingDebt.Sign() != 0 {
		t.Fatalf("unexpected write off %+v / %+v", res, res.BadDebt)
	}
	pool := env.pool("B")
	if pool.BadDebt.Int64() != 447_620 || pool.TotalBorrows.Int64() != 447_620 {
		t.Fatalf("written off principal should stay booked: bad debt %s borrows %s", pool.BadDebt, pool.TotalBorrows)
	}
	if env.loan(id).Status != LoanStatusLiquidated {
		t.Fatalf("written off loan should be liquidated")
	}
	if len(env.recorder.OfType(events.TypeBadDebtResolved)) != 1 {
		t.Fatalf("expected bad debt event")
	}
	env.checkInvariants()
}

func TestBadDebtCoveredFromReserves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BadDebtPolicy = BadDebtCoverFromReserves
	env := newTestEnv(t, WithConfig(cfg))
	id, liquidator := openLimitLoan(t, env)
	env.clock.Advance(3 * year)
	env.prices.set("A", units(1_500))

	res, err := env.engine.LiquidateLoan(context.Background(), liquidator, id, big.NewInt(1_631_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.DebtRepaid.Int64() != 1_428_571 || res.InterestPaid.Int64() != 231_000 {
		t.Fatalf("unexpected liquidation %+v", res)
	}
	if res.BadDebt.Covered.Int64() != 202_429 || res.BadDebt.Remaining.Sign() != 0 || !res.Closed {
		t.Fatalf("reserves should cover the shortfall: %+v", res.BadDebt)
	}
	pool := env.pool("B")
	if pool.TotalReserves.Int64() != 28_571 || pool.TotalBorrows.Sign() != 0 {
		t.Fatalf("unexpected pool reserves %s borrows %s", pool.TotalReserves, pool.TotalBorrows)
	}
	env.checkInvariants()
}

func TestBadDebtReservesShortfallIsRetained(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BadDebtPolicy = BadDebtCoverFromReserves
	env := newTestEnv(t, WithConfig(cfg))
	id, liquidator := openLimitLoan(t, env)
	env.prices.set("A", units(1_000))

	res, err := env.engine.LiquidateLoan(context.Background(), liquidator, id, big.NewInt(1_400_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.BadDebt.Covered.Sign() != 0 || res.BadDebt.Remaining.Int64() != 447_620 || res.Closed {
		t.Fatalf("empty reserves should retain the debt: %+v", res.BadDebt)
	}
	if env.loan(id).Status != LoanStatusActive {
		t.Fatalf("uncovered loan should stay active")
	}
	env.checkInvariants()
}

func TestCloseFactorCapsRepayment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CloseFactorBps = 5_000
	env := newTestEnv(t, WithConfig(cfg))
	id, liquidator := openLimitLoan(t, env)
	env.prices.set("A", units(1_800))
	env.clock.Advance(3 * year)

	res, err := env.engine.LiquidateLoan(context.Background(), liquidator, id, big.NewInt(1_631_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.DebtRepaid.Int64() != 815_500 || res.CollateralSeized.Int64() != 475 {
		t.Fatalf("close factor not applied: %+v", res)
	}
	if res.RemainingDebt.Int64() != 815_500 {
		t.Fatalf("unexpected remaining debt %s", res.RemainingDebt)
	}
	env.checkInvariants()
}

func TestFullLiquidationReturnsLeftoverCollateralAndTakesFee(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fees = fees.Schedule{LiquidationBps: 1_000}
	cfg.FeeRecipient = feeRecipient
	env := newTestEnv(t, WithConfig(cfg))
	id, liquidator := openLimitLoan(t, env)
	borrower := makeAddress(2)
	env.prices.set("A", units(1_800))

	res, err := env.engine.LiquidateLoan(context.Background(), liquidator, id, big.NewInt(1_400_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.Closed || res.CollateralSeized.Int64() != 816 || res.CollateralReturned.Int64() != 184 {
		t.Fatalf("unexpected full liquidation %+v", res)
	}
	if res.LiquidationFee.Int64() != 3 || res.LiquidatorCollateral.Int64() != 813 {
		t.Fatalf("unexpected liquidation fee split %+v", res)
	}
	if got := env.bank.balanceOf("A", liquidator.Address()); got.Int64() != 813 {
		t.Fatalf("liquidator collateral %s", got)
	}
	if got := env.bank.balanceOf("A", borrower); got.Int64() != 184 {
		t.Fatalf("borrower leftover %s", got)
	}
	if got := env.bank.balanceOf("A", feeRecipient); got.Int64() != 3 {
		t.Fatalf("fee recipient %s", got)
	}
	if got := env.bank.balanceOf("A", custodyAddr); got.Sign() != 0 {
		t.Fatalf("custody should be empty, holds %s", got)
	}
	if env.loan(id).Status != LoanStatusLiquidated {
		t.Fatalf("loan should be liquidated")
	}
	if _, err := env.engine.LiquidateLoan(context.Background(), liquidator, id, big.NewInt(1)); !errors.Is(err, ErrLoanClosed) {
		t.Fatalf("expected closed loan, got %v", err)
	}
	env.checkInvariants()
}
