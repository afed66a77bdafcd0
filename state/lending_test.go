package state

import (
	"math/big"
	"path/filepath"
	"testing"

	"lendcore/crypto"
	"lendcore/native/lending"
	"lendcore/storage"
)

func testAddress(b byte) crypto.Address {
	var a crypto.Address
	a[0] = b
	return a
}

func samplePool(asset string) *lending.Pool {
	return &lending.Pool{
		Asset:               asset,
		TotalDeposits:       big.NewInt(1_000),
		TotalBorrows:        big.NewInt(400),
		TotalReserves:       big.NewInt(7),
		BadDebt:             big.NewInt(0),
		LastUpdateTime:      1_700_000_000,
		IsActive:            true,
		BorrowingEnabled:    true,
		DepositsEnabled:     true,
		CollateralFactorBps: 7_500,
		LiquidationBonusBps: 500,
		SupplyCap:           big.NewInt(10_000),
		RateModel:           &lending.RateModel{BaseRateBps: 100, Slope1Bps: 200, Slope2Bps: 3_000, OptimalUtilizationBps: 8_000},
	}
}

func TestLendingStoreRoundTrip(t *testing.T) {
	store, err := NewLendingStore(storage.NewMemDB(), 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	alice := testAddress(1)
	cs := lending.NewChangeset()
	cs.Pools["ETH"] = samplePool("ETH")
	cs.Pools["USDC"] = &lending.Pool{Asset: "USDC", TotalDeposits: big.NewInt(5), TotalBorrows: big.NewInt(0), TotalReserves: big.NewInt(0), BadDebt: big.NewInt(0)}
	cs.Balances[lending.BalanceKey{Asset: "ETH", Account: alice}] = big.NewInt(1_000)
	cs.Loans[1] = &lending.Loan{
		ID:               1,
		Borrower:         alice,
		CollateralAsset:  "ETH",
		BorrowAsset:      "USDC",
		CollateralAmount: big.NewInt(10),
		BorrowAmount:     big.NewInt(5),
		AccruedInterest:  big.NewInt(0),
		InterestRateBps:  450,
		Status:           lending.LoanStatusActive,
	}
	cs.Fees["USDC"] = &lending.FeeAccrual{Asset: "USDC", Pending: big.NewInt(3), Collected: big.NewInt(4)}
	cs.LoanSeq = 1
	if err := store.Apply(cs); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pool, ok, err := store.Pool("ETH")
	if err != nil || !ok {
		t.Fatalf("pool: %v %v", ok, err)
	}
	if pool.TotalBorrows.Int64() != 400 || pool.RateModel == nil || pool.RateModel.Slope2Bps != 3_000 || pool.SupplyCap.Int64() != 10_000 {
		t.Fatalf("unexpected pool %+v", pool)
	}
	usdc, _, _ := store.Pool("USDC")
	if usdc.RateModel != nil || usdc.SupplyCap != nil {
		t.Fatalf("optional fields should decode as nil: %+v", usdc)
	}
	pools, _ := store.Pools()
	if len(pools) != 2 || pools[0].Asset != "ETH" {
		t.Fatalf("unexpected pools %v", pools)
	}
	balances, _ := store.Balances("ETH")
	if balances[alice].Int64() != 1_000 || len(balances) != 1 {
		t.Fatalf("unexpected balances %v", balances)
	}
	loan, ok, _ := store.Loan(1)
	if !ok || loan.Borrower != alice || loan.Status != lending.LoanStatusActive {
		t.Fatalf("unexpected loan %+v", loan)
	}
	fees, _ := store.FeeAccrual("USDC")
	if fees.Pending.Int64() != 3 || fees.Collected.Int64() != 4 {
		t.Fatalf("unexpected fees %+v", fees)
	}
	seq, _ := store.LoanSeq()
	if seq != 1 {
		t.Fatalf("unexpected seq %d", seq)
	}
}

func TestLendingStoreDeletesAndMonotonicSeq(t *testing.T) {
	store, err := NewLendingStore(storage.NewMemDB(), 8)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	alice := testAddress(2)
	cs := lending.NewChangeset()
	cs.Balances[lending.BalanceKey{Asset: "ETH", Account: alice}] = big.NewInt(9)
	cs.Loans[3] = &lending.Loan{ID: 3, Borrower: alice, Status: lending.LoanStatusActive}
	cs.LoanSeq = 3
	if err := store.Apply(cs); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok, _ := store.Loan(3); !ok {
		t.Fatalf("loan missing")
	}

	undo := lending.NewChangeset()
	undo.Balances[lending.BalanceKey{Asset: "ETH", Account: alice}] = big.NewInt(0)
	undo.Loans[3] = nil
	undo.LoanSeq = 1
	if err := store.Apply(undo); err != nil {
		t.Fatalf("apply undo: %v", err)
	}
	if _, ok, _ := store.Loan(3); ok {
		t.Fatalf("cached loan survived deletion")
	}
	bal, _ := store.Balance("ETH", alice)
	if bal.Sign() != 0 {
		t.Fatalf("balance not deleted: %s", bal)
	}
	seq, _ := store.LoanSeq()
	if seq != 3 {
		t.Fatalf("sequence moved backwards: %d", seq)
	}
}

func TestLendingStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lending.db")
	db, err := storage.NewBoltDB(path, nil)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	store, err := NewLendingStore(db, 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cs := lending.NewChangeset()
	cs.Pools["ETH"] = samplePool("ETH")
	if err := store.Apply(cs); err != nil {
		t.Fatalf("apply: %v", err)
	}
	db.Close()

	db, err = storage.NewBoltDB(path, nil)
	if err != nil {
		t.Fatalf("reopen bolt: %v", err)
	}
	defer db.Close()
	reopened, _ := NewLendingStore(db, 0)
	pool, ok, err := reopened.Pool("ETH")
	if err != nil || !ok || pool.TotalDeposits.Int64() != 1_000 {
		t.Fatalf("pool not persisted: %+v %v %v", pool, ok, err)
	}
}
