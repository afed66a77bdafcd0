package lending

import (
	"math/big"
	"sort"
	"sync"

	"lendcore/crypto"
)

// Store owns every Pool, balance, Loan and fee record. Getters return copies
// the caller may mutate freely; nothing is persisted until Apply.
type Store interface {
	Pool(asset string) (*Pool, bool, error)
	Pools() ([]*Pool, error)
	Balance(asset string, account crypto.Address) (*big.Int, error)
	// Balances returns every non-zero balance recorded for asset.
	Balances(asset string) (map[crypto.Address]*big.Int, error)
	Loan(id uint64) (*Loan, bool, error)
	Loans() ([]*Loan, error)
	FeeAccrual(asset string) (*FeeAccrual, error)
	// LoanSeq returns the highest loan id ever assigned.
	LoanSeq() (uint64, error)
	// Apply writes the changeset atomically. LoanSeq only ever moves
	// forward.
	Apply(cs *Changeset) error
}

// BalanceKey addresses a deposit balance.
type BalanceKey struct {
	Asset   string
	Account crypto.Address
}

// Changeset is a set of record writes applied together. A nil Pool or Loan
// value deletes the record; a zero balance deletes the balance.
type Changeset struct {
	Pools    map[string]*Pool
	Balances map[BalanceKey]*big.Int
	Loans    map[uint64]*Loan
	Fees     map[string]*FeeAccrual
	LoanSeq  uint64
}

// NewChangeset returns an empty changeset.
func NewChangeset() *Changeset {
	return &Changeset{
		Pools:    make(map[string]*Pool),
		Balances: make(map[BalanceKey]*big.Int),
		Loans:    make(map[uint64]*Loan),
		Fees:     make(map[string]*FeeAccrual),
	}
}

// Empty reports whether the changeset carries no writes.
func (cs *Changeset) Empty() bool {
	return cs == nil || (len(cs.Pools) == 0 && len(cs.Balances) == 0 && len(cs.Loans) == 0 && len(cs.Fees) == 0 && cs.LoanSeq == 0)
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu       sync.RWMutex
	pools    map[string]*Pool
	balances map[BalanceKey]*big.Int
	loans    map[uint64]*Loan
	fees     map[string]*FeeAccrual
	seq      uint64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		pools:    make(map[string]*Pool),
		balances: make(map[BalanceKey]*big.Int),
		loans:    make(map[uint64]*Loan),
		fees:     make(map[string]*FeeAccrual),
	}
}

func (s *MemStore) Pool(asset string) (*Pool, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool, ok := s.pools[asset]
	if !ok {
		return nil, false, nil
	}
	return pool.Clone(), true, nil
}

func (s *MemStore) Pools() ([]*Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Pool, 0, len(s.pools))
	for _, pool := range s.pools {
		out = append(out, pool.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *MemStore) Balance(asset string, account crypto.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneBig(s.balances[BalanceKey{Asset: asset, Account: account}]), nil
}

func (s *MemStore) Balances(asset string) (map[crypto.Address]*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[crypto.Address]*big.Int)
	for key, amount := range s.balances {
		if key.Asset == asset {
			out[key.Account] = cloneBig(amount)
		}
	}
	return out, nil
}

func (s *MemStore) Loan(id uint64) (*Loan, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loan, ok := s.loans[id]
	if !ok {
		return nil, false, nil
	}
	return loan.Clone(), true, nil
}

func (s *MemStore) Loans() ([]*Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Loan, 0, len(s.loans))
	for _, loan := range s.loans {
		out = append(out, loan.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) FeeAccrual(asset string) (*FeeAccrual, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if fees, ok := s.fees[asset]; ok {
		return fees.Clone(), nil
	}
	return &FeeAccrual{Asset: asset, Pending: big.NewInt(0), Collected: big.NewInt(0)}, nil
}

func (s *MemStore) LoanSeq() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, nil
}

func (s *MemStore) Apply(cs *Changeset) error {
	if cs.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for asset, pool := range cs.Pools {
		if pool == nil {
			delete(s.pools, asset)
			continue
		}
		s.pools[asset] = pool.Clone()
	}
	for key, amount := range cs.Balances {
		if amount == nil || amount.Sign() == 0 {
			delete(s.balances, key)
			continue
		}
		s.balances[key] = new(big.Int).Set(amount)
	}
	for id, loan := range cs.Loans {
		if loan == nil {
			delete(s.loans, id)
			continue
		}
		s.loans[id] = loan.Clone()
	}
	for asset, fees := range cs.Fees {
		if fees == nil {
			delete(s.fees, asset)
			continue
		}
		s.fees[asset] = fees.Clone()
	}
	if cs.LoanSeq > s.seq {
		s.seq = cs.LoanSeq
	}
	return nil
}
