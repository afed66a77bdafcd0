package journal

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lendcore/core/events"
	"lendcore/crypto"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open("sqlite", filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalAppendAndFilter(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	borrower := crypto.MustNewAddress(make([]byte, 20))
	borrower[19] = 7

	j.Emit(events.Deposited{Asset: "usdc", Account: borrower, Amount: big.NewInt(500)})
	j.Emit(events.LoanCreated{LoanID: 3, Borrower: borrower, CollateralAsset: "ETH", BorrowAsset: "USDC", CollateralAmount: big.NewInt(1), BorrowAmount: big.NewInt(100), RateBps: 550})
	j.Emit(events.LoanRepaid{LoanID: 3, Borrower: borrower, Amount: big.NewInt(10)})

	all, err := j.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, events.TypeDeposited, all[0].Type)
	require.Equal(t, "USDC", all[0].Asset)
	require.Equal(t, "500", all[0].Decoded()["amount"])

	id := uint64(3)
	loanEvents, err := j.List(ctx, Query{LoanID: &id})
	require.NoError(t, err)
	require.Len(t, loanEvents, 2)
	require.Equal(t, events.TypeLoanCreated, loanEvents[0].Type)
	require.Equal(t, "550", loanEvents[0].Decoded()["rateBps"])

	after, err := j.List(ctx, Query{After: all[0].ID, Type: events.TypeLoanRepaid})
	require.NoError(t, err)
	require.Len(t, after, 1)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn", nil)
	require.ErrorIs(t, err, ErrDriverUnsupported)
}
