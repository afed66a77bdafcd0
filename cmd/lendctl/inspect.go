package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"lendcore/crypto"
	"lendcore/native/lending"
	"lendcore/state"
	"lendcore/storage"
)

type inspectOptions struct {
	backend  string
	path     string
	borrower string
	loans    bool
}

func newInspectCmd() *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump pools, fees and loans from a stopped lendingd store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore(opts.backend, opts.path)
			if err != nil {
				return err
			}
			defer db.Close()
			store, err := state.NewLendingStore(db, 0)
			if err != nil {
				return err
			}
			return opts.dump(cmd.OutOrStdout(), store)
		},
	}
	cmd.Flags().StringVar(&opts.backend, "backend", "leveldb", "store backend: leveldb or bolt")
	cmd.Flags().StringVar(&opts.path, "path", "data/lendingd", "store path")
	cmd.Flags().BoolVar(&opts.loans, "loans", false, "also list loans")
	cmd.Flags().StringVar(&opts.borrower, "borrower", "", "only list loans of this bech32 address")
	return cmd
}

// openStore refuses to create a store that does not exist yet.
func openStore(backend, path string) (storage.Database, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no store at %s", path)
		}
		return nil, err
	}
	switch strings.ToLower(backend) {
	case "bolt":
		return storage.NewBoltDB(path, &bolt.Options{Timeout: time.Second})
	case "leveldb", "":
		return storage.NewLevelDB(path)
	default:
		return nil, fmt.Errorf("unsupported backend %q", backend)
	}
}

func (o *inspectOptions) dump(w io.Writer, store lending.Store) error {
	pools, err := store.Pools()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSET\tACTIVE\tDEPOSITS\tBORROWS\tRESERVES\tBAD DEBT\tUTILIZATION\tPENDING FEES")
	for _, pool := range pools {
		accrual, err := store.FeeAccrual(pool.Asset)
		if err != nil {
			return err
		}
		pending := "0"
		if accrual != nil && accrual.Pending != nil {
			pending = accrual.Pending.String()
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%s\t%s\t%s\n",
			pool.Asset, pool.IsActive, pool.TotalDeposits, pool.TotalBorrows, pool.TotalReserves, pool.BadDebt,
			percent(lending.Utilization(pool.TotalBorrows, pool.TotalDeposits)), pending)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !o.loans && o.borrower == "" {
		return nil
	}

	var filter crypto.Address
	if o.borrower != "" {
		filter, err = crypto.DecodeAddress(o.borrower)
		if err != nil {
			return err
		}
	}
	loans, err := store.Loans()
	if err != nil {
		return err
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].ID < loans[j].ID })
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBORROWER\tCOLLATERAL\tPRINCIPAL\tINTEREST\tRATE\tSTATUS")
	for _, loan := range loans {
		if !filter.IsZero() && loan.Borrower != filter {
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s %s\t%s %s\t%s\t%s\t%s\n",
			loan.ID, loan.Borrower, loan.CollateralAmount, loan.CollateralAsset, loan.BorrowAmount, loan.BorrowAsset,
			loan.AccruedInterest, percent(loan.InterestRateBps), loan.Status)
	}
	return tw.Flush()
}
