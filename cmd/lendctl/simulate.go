package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"

	"github.com/spf13/cobra"

	"lendcore/native/lending"
)

type scenario struct {
	name  string
	title string
	run   func(ctx context.Context, sb *sandbox, w io.Writer) error
}

var scenarios = []scenario{
	{name: "a", title: "borrow well inside the collateral factor", run: scenarioHealthyBorrow},
	{name: "b", title: "borrow beyond the collateral factor", run: scenarioUndercollateralised},
	{name: "c", title: "liquidate after a price drop and three years of interest", run: scenarioLiquidation},
	{name: "d", title: "reject zero amounts", run: scenarioZeroAmounts},
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	var (
		selected string
		policy   string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay the reference lending scenarios against an in-memory engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			badDebt, err := lending.ParseBadDebtPolicy(policy)
			if err != nil {
				return err
			}
			chosen, err := selectScenarios(selected)
			if err != nil {
				return err
			}
			return runScenarios(cmd.Context(), cmd.OutOrStdout(), chosen, badDebt, root.logger(cmd))
		},
	}
	cmd.Flags().StringVar(&selected, "scenario", "all", "comma separated scenarios to run (a,b,c,d or all)")
	cmd.Flags().StringVar(&policy, "bad-debt", "retain", "bad debt policy: retain, write_off or cover_from_reserves")
	return cmd
}

func selectScenarios(raw string) ([]scenario, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "all" {
		return scenarios, nil
	}
	var out []scenario
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		found := false
		for _, sc := range scenarios {
			if sc.name == name {
				out = append(out, sc)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
	}
	return out, nil
}

// runScenarios gives every scenario a fresh sandbox so their state never
// leaks into each other.
func runScenarios(ctx context.Context, w io.Writer, chosen []scenario, policy lending.BadDebtPolicy, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sc := range chosen {
		fmt.Fprintf(w, "scenario %s: %s\n", strings.ToUpper(sc.name), sc.title)
		sb, err := newSandbox(policy, logger)
		if err != nil {
			return err
		}
		if err := sc.run(ctx, sb, w); err != nil {
			return fmt.Errorf("scenario %s: %w", strings.ToUpper(sc.name), err)
		}
		if err := sb.engine.CheckInvariants(); err != nil {
			return fmt.Errorf("scenario %s: %w", strings.ToUpper(sc.name), err)
		}
		fmt.Fprintf(w, "  events     %d\n  result     ok\n", len(sb.recorder.Events()))
	}
	return nil
}

func scenarioHealthyBorrow(ctx context.Context, sb *sandbox, w io.Writer) error {
	if err := sb.deposit(ctx, lenderAccount, "B", 10_000); err != nil {
		return err
	}
	before, err := sb.engine.Pool("B")
	if err != nil {
		return err
	}
	id, err := sb.borrow(ctx, borrowerAccount, 1_000, 4_000)
	if err != nil {
		return fmt.Errorf("create loan: %w", err)
	}
	after, err := sb.engine.Pool("B")
	if err != nil {
		return err
	}
	hf, err := sb.engine.HealthFactor(ctx, id)
	if err != nil {
		return err
	}
	grew := new(big.Int).Sub(after.TotalBorrows, before.TotalBorrows)
	if grew.Cmp(big.NewInt(4_000)) != 0 {
		return fmt.Errorf("total borrows grew by %s, want 4000", grew)
	}
	fmt.Fprintf(w, "  loan       #%d\n  borrows    %s -> %s\n  health     %s\n", id, before.TotalBorrows, after.TotalBorrows, healthFactorString(hf))
	return nil
}

func scenarioUndercollateralised(ctx context.Context, sb *sandbox, w io.Writer) error {
	if err := sb.deposit(ctx, lenderAccount, "B", 10_000); err != nil {
		return err
	}
	_, err := sb.borrow(ctx, borrowerAccount, 1, 2_000_000)
	if !errors.Is(err, lending.ErrInsufficientCollateral) {
		return fmt.Errorf("expected insufficient collateral, got %v", err)
	}
	fmt.Fprintf(w, "  rejected   %v\n", err)
	return nil
}

// scenarioLiquidation borrows exactly at the collateral factor so a 10%
// price drop is enough to make the loan liquidatable.
func scenarioLiquidation(ctx context.Context, sb *sandbox, w io.Writer) error {
	if err := sb.deposit(ctx, lenderAccount, "B", 2_000_000); err != nil {
		return err
	}
	id, err := sb.borrow(ctx, borrowerAccount, 1_000, 1_400_000)
	if err != nil {
		return fmt.Errorf("create loan: %w", err)
	}
	if err := sb.fund("B", keeperAccount, 2_000_000); err != nil {
		return err
	}
	if err := sb.setPrice("A", "1800"); err != nil {
		return err
	}
	sb.clock.Advance(3 * year)

	hf, err := sb.engine.HealthFactor(ctx, id)
	if err != nil {
		return err
	}
	if !lending.Liquidatable(hf) {
		return fmt.Errorf("health factor %s is not below one", healthFactorString(hf))
	}
	loan, err := sb.engine.Loan(id)
	if err != nil {
		return err
	}
	debtBefore := loan.TotalDebt()
	seizedBefore := sb.balance("A", keeperAccount)

	keeper, err := lending.Authenticate(keeperAccount)
	if err != nil {
		return err
	}
	res, err := sb.engine.LiquidateLoan(ctx, keeper, id, big.NewInt(100_000))
	if err != nil {
		return fmt.Errorf("liquidate: %w", err)
	}
	loan, err = sb.engine.Loan(id)
	if err != nil {
		return err
	}
	gained := new(big.Int).Sub(sb.balance("A", keeperAccount), seizedBefore)
	if gained.Sign() <= 0 {
		return fmt.Errorf("liquidator received no collateral")
	}
	fmt.Fprintf(w, "  loan       #%d\n  health     %s\n  debt       %s -> %s\n  repaid     %s\n  seized     %s A\n  status     %s\n",
		id, healthFactorString(hf), debtBefore, loan.TotalDebt(), res.DebtRepaid, gained, loan.Status)
	return nil
}

func scenarioZeroAmounts(ctx context.Context, sb *sandbox, w io.Writer) error {
	if err := sb.deposit(ctx, lenderAccount, "B", 10_000); err != nil {
		return err
	}
	if _, err := sb.borrow(ctx, borrowerAccount, 1_000, 0); !errors.Is(err, lending.ErrZeroAmount) {
		return fmt.Errorf("zero borrow: expected zero amount, got %v", err)
	}
	if _, err := sb.borrow(ctx, borrowerAccount, 0, 100); !errors.Is(err, lending.ErrZeroAmount) {
		return fmt.Errorf("zero collateral: expected zero amount, got %v", err)
	}
	fmt.Fprintf(w, "  rejected   zero borrow\n  rejected   zero collateral\n")
	return nil
}
