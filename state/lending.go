package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru"

	"lendcore/crypto"
	"lendcore/native/lending"
	"lendcore/storage"
)

var (
	poolPrefix    = []byte("lending/pool/")
	balancePrefix = []byte("lending/balance/")
	loanPrefix    = []byte("lending/loan/")
	feePrefix     = []byte("lending/fees/")
	loanSeqKey    = []byte("lending/loan-seq")
)

// DefaultLoanCacheSize bounds the decoded loan cache.
const DefaultLoanCacheSize = 4096

func hashedKey(prefix []byte, id []byte) []byte {
	digest := ethcrypto.Keccak256(id)
	buf := make([]byte, 0, len(prefix)+len(digest))
	buf = append(buf, prefix...)
	return append(buf, digest...)
}

func poolKey(asset string) []byte {
	return hashedKey(poolPrefix, []byte(asset))
}

func feeKey(asset string) []byte {
	return hashedKey(feePrefix, []byte(asset))
}

func balanceAssetPrefix(asset string) []byte {
	return hashedKey(balancePrefix, []byte(asset))
}

func balanceKey(asset string, account crypto.Address) []byte {
	return append(balanceAssetPrefix(asset), account.Bytes()...)
}

// Loan keys keep the id big-endian so prefix iteration yields id order.
func loanKey(id uint64) []byte {
	buf := make([]byte, len(loanPrefix)+8)
	copy(buf, loanPrefix)
	binary.BigEndian.PutUint64(buf[len(loanPrefix):], id)
	return buf
}

// LendingStore persists lending state in a storage.Database using RLP
// encoded records. It implements lending.Store.
type LendingStore struct {
	mu    sync.RWMutex
	db    storage.Database
	loans *lru.Cache
}

// NewLendingStore wraps db. cacheSize <= 0 selects DefaultLoanCacheSize.
func NewLendingStore(db storage.Database, cacheSize int) (*LendingStore, error) {
	if db == nil {
		return nil, fmt.Errorf("state: database required")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultLoanCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("state: loan cache: %w", err)
	}
	return &LendingStore{db: db, loans: cache}, nil
}

var _ lending.Store = (*LendingStore)(nil)

func (s *LendingStore) get(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %x: %w", key, err)
	}
	return true, nil
}

func (s *LendingStore) Pool(asset string) (*lending.Pool, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rec storedPool
	ok, err := s.get(poolKey(asset), &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.toPool(), true, nil
}

func (s *LendingStore) Pools() ([]*lending.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*lending.Pool
	err := s.db.Iterate(poolPrefix, func(_, value []byte) error {
		var rec storedPool
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return fmt.Errorf("state: decode pool: %w", err)
		}
		out = append(out, rec.toPool())
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *LendingStore) Balance(asset string, account crypto.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rec storedBalance
	ok, err := s.get(balanceKey(asset, account), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return nonNil(rec.Amount), nil
}

func (s *LendingStore) Balances(asset string) (map[crypto.Address]*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[crypto.Address]*big.Int)
	err := s.db.Iterate(balanceAssetPrefix(asset), func(_, value []byte) error {
		var rec storedBalance
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return fmt.Errorf("state: decode balance: %w", err)
		}
		out[crypto.Address(rec.Account)] = nonNil(rec.Amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LendingStore) Loan(id uint64) (*lending.Loan, bool, error) {
	if cached, ok := s.loans.Get(id); ok {
		return cached.(*lending.Loan).Clone(), true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rec storedLoan
	ok, err := s.get(loanKey(id), &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	loan := rec.toLoan()
	s.loans.Add(id, loan.Clone())
	return loan, true, nil
}

func (s *LendingStore) Loans() ([]*lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*lending.Loan
	err := s.db.Iterate(loanPrefix, func(_, value []byte) error {
		var rec storedLoan
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return fmt.Errorf("state: decode loan: %w", err)
		}
		out = append(out, rec.toLoan())
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *LendingStore) FeeAccrual(asset string) (*lending.FeeAccrual, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rec storedFees
	ok, err := s.get(feeKey(asset), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &lending.FeeAccrual{Asset: asset, Pending: big.NewInt(0), Collected: big.NewInt(0)}, nil
	}
	return &lending.FeeAccrual{Asset: rec.Asset, Pending: nonNil(rec.Pending), Collected: nonNil(rec.Collected)}, nil
}

func (s *LendingStore) LoanSeq() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loanSeq()
}

func (s *LendingStore) loanSeq() (uint64, error) {
	raw, err := s.db.Get(loanSeqKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("state: malformed loan sequence")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Apply encodes every write of cs into a single database batch.
func (s *LendingStore) Apply(cs *lending.Changeset) error {
	if cs.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := storage.NewBatch()
	for asset, pool := range cs.Pools {
		if pool == nil {
			batch.Delete(poolKey(asset))
			continue
		}
		if err := putRLP(batch, poolKey(asset), newStoredPool(pool)); err != nil {
			return err
		}
	}
	for key, amount := range cs.Balances {
		if amount == nil || amount.Sign() == 0 {
			batch.Delete(balanceKey(key.Asset, key.Account))
			continue
		}
		rec := &storedBalance{Asset: key.Asset, Account: key.Account, Amount: new(big.Int).Set(amount)}
		if err := putRLP(batch, balanceKey(key.Asset, key.Account), rec); err != nil {
			return err
		}
	}
	for id, loan := range cs.Loans {
		if loan == nil {
			batch.Delete(loanKey(id))
			continue
		}
		if err := putRLP(batch, loanKey(id), newStoredLoan(loan)); err != nil {
			return err
		}
	}
	for asset, fees := range cs.Fees {
		if fees == nil {
			batch.Delete(feeKey(asset))
			continue
		}
		rec := &storedFees{Asset: fees.Asset, Pending: nonNil(fees.Pending), Collected: nonNil(fees.Collected)}
		if err := putRLP(batch, feeKey(asset), rec); err != nil {
			return err
		}
	}
	current, err := s.loanSeq()
	if err != nil {
		return err
	}
	if cs.LoanSeq > current {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], cs.LoanSeq)
		batch.Put(loanSeqKey, buf[:])
	}
	// Drop cached loans before the write so a failed batch cannot leave a
	// cache entry newer than disk.
	for id := range cs.Loans {
		s.loans.Remove(id)
	}
	return s.db.Write(batch)
}

func putRLP(batch *storage.Batch, key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	batch.Put(key, encoded)
	return nil
}
