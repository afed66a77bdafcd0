package main

import (
	"fmt"
	"io"
	"math/big"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	marketcfg "lendcore/config"
	"lendcore/native/lending"
)

type rateOptions struct {
	model       lending.RateModel
	marketsPath string
	asset       string
	borrows     string
	deposits    string
	step        uint64
}

func newRateCmd() *cobra.Command {
	opts := &rateOptions{model: lending.DefaultRateModel}
	cmd := &cobra.Command{
		Use:   "rate",
		Short: "Evaluate the utilisation rate curve",
		Long: `rate prints borrow and supply APRs. With --borrows and --deposits it
evaluates a single pool state; otherwise it tabulates the curve from 0% to
100% utilisation in --step increments. --markets reads the model from a
market file, preferring the --asset pool's override over the engine default.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			model, err := opts.resolveModel(cmd)
			if err != nil {
				return err
			}
			if err := model.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.borrows != "" || opts.deposits != "" {
				return printPoolRate(out, model, opts.asset, opts.borrows, opts.deposits)
			}
			return printCurve(out, model, opts.step)
		},
	}
	flags := cmd.Flags()
	flags.Uint64Var(&opts.model.BaseRateBps, "base", opts.model.BaseRateBps, "base borrow rate in bps")
	flags.Uint64Var(&opts.model.Slope1Bps, "slope1", opts.model.Slope1Bps, "slope below the kink in bps")
	flags.Uint64Var(&opts.model.Slope2Bps, "slope2", opts.model.Slope2Bps, "slope above the kink in bps")
	flags.Uint64Var(&opts.model.OptimalUtilizationBps, "optimal", opts.model.OptimalUtilizationBps, "kink utilisation in bps")
	flags.StringVar(&opts.marketsPath, "markets", "", "market file to read the rate model from")
	flags.StringVar(&opts.asset, "asset", "", "pool whose rate model override to use")
	flags.StringVar(&opts.borrows, "borrows", "", "total borrows in base units")
	flags.StringVar(&opts.deposits, "deposits", "", "total deposits in base units")
	flags.Uint64Var(&opts.step, "step", 1_000, "curve step in bps")
	return cmd
}

// resolveModel applies the market file first; explicit model flags win.
func (o *rateOptions) resolveModel(cmd *cobra.Command) (lending.RateModel, error) {
	model := lending.DefaultRateModel
	if o.marketsPath != "" {
		markets, err := marketcfg.Load(o.marketsPath)
		if err != nil {
			return model, err
		}
		engine, err := markets.EngineConfig()
		if err != nil {
			return model, err
		}
		model = engine.RateModel
		if o.asset != "" {
			pools, err := markets.PoolParams()
			if err != nil {
				return model, err
			}
			found := false
			for _, pool := range pools {
				if pool.Asset != lending.NormalizeAsset(o.asset) {
					continue
				}
				found = true
				if pool.RateModel != nil {
					model = *pool.RateModel
				}
			}
			if !found {
				return model, fmt.Errorf("%w: %s", lending.ErrAssetNotListed, lending.NormalizeAsset(o.asset))
			}
		}
	}
	flags := cmd.Flags()
	if flags.Changed("base") {
		model.BaseRateBps = o.model.BaseRateBps
	}
	if flags.Changed("slope1") {
		model.Slope1Bps = o.model.Slope1Bps
	}
	if flags.Changed("slope2") {
		model.Slope2Bps = o.model.Slope2Bps
	}
	if flags.Changed("optimal") {
		model.OptimalUtilizationBps = o.model.OptimalUtilizationBps
	}
	return model, nil
}

func printPoolRate(w io.Writer, model lending.RateModel, asset, borrowsRaw, depositsRaw string) error {
	borrows, err := parseBaseUnits("borrows", borrowsRaw)
	if err != nil {
		return err
	}
	deposits, err := parseBaseUnits("deposits", depositsRaw)
	if err != nil {
		return err
	}
	snap := model.Snapshot(lending.NormalizeAsset(asset), borrows, deposits)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "utilization\t%s\n", percent(snap.UtilizationBps))
	fmt.Fprintf(tw, "borrow apr\t%s\n", percent(snap.BorrowRateBps))
	fmt.Fprintf(tw, "supply apr\t%s\n", percent(snap.SupplyRateBps))
	return tw.Flush()
}

func printCurve(w io.Writer, model lending.RateModel, step uint64) error {
	if step == 0 || step > lending.BasisPoints {
		return fmt.Errorf("step must be in (0, %d]", lending.BasisPoints)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UTILIZATION\tBORROW APR\tSUPPLY APR")
	for u := uint64(0); ; u += step {
		if u > lending.BasisPoints {
			u = lending.BasisPoints
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", percent(u), percent(model.BorrowRate(u)), percent(model.SupplyRate(u)))
		if u == lending.BasisPoints {
			break
		}
	}
	return tw.Flush()
}

func parseBaseUnits(name, raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func percent(bps uint64) string {
	return decimal.NewFromInt(int64(bps)).Shift(-2).StringFixed(2) + "%"
}
