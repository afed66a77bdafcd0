package lending

import (
	"math/big"

	"lendcore/core/events"
	"lendcore/crypto"
	"lendcore/native/fees"
)

type transferKind uint8

const (
	transferIn transferKind = iota + 1
	transferOut
)

type transfer struct {
	kind    transferKind
	asset   string
	account crypto.Address
	amount  *big.Int
}

type feeTransfer struct {
	category fees.Category
	asset    string
	amount   *big.Int
}

// txn stages an operation's reads and writes. Records are loaded once and
// their pre-images kept so a committed transaction can be reverted if a
// token movement fails.
type txn struct {
	store Store
	now   uint64

	pools      map[string]*Pool
	prePools   map[string]*Pool
	dirtyPools map[string]bool

	balances      map[BalanceKey]*big.Int
	preBalances   map[BalanceKey]*big.Int
	dirtyBalances map[BalanceKey]bool

	loans      map[uint64]*Loan
	preLoans   map[uint64]*Loan
	dirtyLoans map[uint64]bool

	loanSeq uint64

	transfers []transfer
	fees      []feeTransfer
	events    []events.Event
}

func newTxn(store Store, now uint64) *txn {
	return &txn{
		store:         store,
		now:           now,
		pools:         make(map[string]*Pool),
		prePools:      make(map[string]*Pool),
		dirtyPools:    make(map[string]bool),
		balances:      make(map[BalanceKey]*big.Int),
		preBalances:   make(map[BalanceKey]*big.Int),
		dirtyBalances: make(map[BalanceKey]bool),
		loans:         make(map[uint64]*Loan),
		preLoans:      make(map[uint64]*Loan),
		dirtyLoans:    make(map[uint64]bool),
	}
}

// pool returns the working copy of a listed pool.
func (t *txn) pool(asset string) (*Pool, error) {
	if pool, ok := t.pools[asset]; ok {
		if pool == nil {
			return nil, ErrAssetNotListed
		}
		return pool, nil
	}
	stored, ok, err := t.store.Pool(asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		t.pools[asset] = nil
		t.prePools[asset] = nil
		return nil, ErrAssetNotListed
	}
	t.prePools[asset] = stored.Clone()
	t.pools[asset] = stored
	return stored, nil
}

func (t *txn) putPool(pool *Pool) {
	if _, loaded := t.prePools[pool.Asset]; !loaded {
		t.prePools[pool.Asset] = nil
	}
	pool.LastUpdateTime = t.now
	t.pools[pool.Asset] = pool
	t.dirtyPools[pool.Asset] = true
}

func (t *txn) balance(asset string, account crypto.Address) (*big.Int, error) {
	key := BalanceKey{Asset: asset, Account: account}
	if amount, ok := t.balances[key]; ok {
		return new(big.Int).Set(amount), nil
	}
	stored, err := t.store.Balance(asset, account)
	if err != nil {
		return nil, err
	}
	stored = cloneBig(stored)
	t.preBalances[key] = new(big.Int).Set(stored)
	t.balances[key] = stored
	return new(big.Int).Set(stored), nil
}

func (t *txn) setBalance(asset string, account crypto.Address, amount *big.Int) {
	key := BalanceKey{Asset: asset, Account: account}
	t.balances[key] = new(big.Int).Set(amount)
	t.dirtyBalances[key] = true
}

func (t *txn) loan(id uint64) (*Loan, error) {
	if loan, ok := t.loans[id]; ok {
		if loan == nil {
			return nil, ErrLoanDoesNotExist
		}
		return loan, nil
	}
	stored, ok, err := t.store.Loan(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		t.loans[id] = nil
		t.preLoans[id] = nil
		return nil, ErrLoanDoesNotExist
	}
	t.preLoans[id] = stored.Clone()
	t.loans[id] = stored
	return stored, nil
}

func (t *txn) putLoan(loan *Loan) {
	if _, loaded := t.preLoans[loan.ID]; !loaded {
		t.preLoans[loan.ID] = nil
	}
	t.loans[loan.ID] = loan
	t.dirtyLoans[loan.ID] = true
}

func (t *txn) moveIn(asset string, from crypto.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	t.transfers = append(t.transfers, transfer{kind: transferIn, asset: asset, account: from, amount: new(big.Int).Set(amount)})
}

func (t *txn) moveOut(asset string, to crypto.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	t.transfers = append(t.transfers, transfer{kind: transferOut, asset: asset, account: to, amount: new(big.Int).Set(amount)})
}

func (t *txn) fee(category fees.Category, asset string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	t.fees = append(t.fees, feeTransfer{category: category, asset: asset, amount: new(big.Int).Set(amount)})
}

func (t *txn) emit(evt events.Event) {
	t.events = append(t.events, evt)
}

// changeset returns the forward writes.
func (t *txn) changeset() *Changeset {
	cs := NewChangeset()
	for asset := range t.dirtyPools {
		cs.Pools[asset] = t.pools[asset].Clone()
	}
	for key := range t.dirtyBalances {
		cs.Balances[key] = new(big.Int).Set(t.balances[key])
	}
	for id := range t.dirtyLoans {
		cs.Loans[id] = t.loans[id].Clone()
	}
	cs.LoanSeq = t.loanSeq
	return cs
}

// undo returns the writes restoring every dirty record's pre-image.
func (t *txn) undo() *Changeset {
	cs := NewChangeset()
	for asset := range t.dirtyPools {
		cs.Pools[asset] = t.prePools[asset].Clone()
	}
	for key := range t.dirtyBalances {
		cs.Balances[key] = cloneBig(t.preBalances[key])
	}
	for id := range t.dirtyLoans {
		cs.Loans[id] = t.preLoans[id].Clone()
	}
	return cs
}
