package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"lendcore/crypto"
	"lendcore/native/lending"
	"lendcore/storage"
)

var balancePrefix = []byte("bank/balance/")

// ErrInsufficientFunds is returned when a debit exceeds the account balance.
var ErrInsufficientFunds = fmt.Errorf("bank: %w", lending.ErrInsufficientBalance)

// Ledger tracks token balances per asset and account. Every pool's tokens
// are held by a single custody account which MoveIn credits and MoveOut
// debits.
type Ledger struct {
	mu      sync.Mutex
	db      storage.Database
	custody crypto.Address
}

// NewLedger wraps db. The custody address must be non-zero.
func NewLedger(db storage.Database, custody crypto.Address) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("bank: database required")
	}
	if custody.IsZero() {
		return nil, fmt.Errorf("bank: custody %w", lending.ErrZeroAddress)
	}
	return &Ledger{db: db, custody: custody}, nil
}

// Custody returns the account holding pooled tokens.
func (l *Ledger) Custody() crypto.Address {
	return l.custody
}

func balanceKey(asset string, account crypto.Address) []byte {
	asset = lending.NormalizeAsset(asset)
	key := make([]byte, 0, len(balancePrefix)+len(asset)+1+len(account))
	key = append(key, balancePrefix...)
	key = append(key, asset...)
	key = append(key, '/')
	return append(key, account.Bytes()...)
}

func (l *Ledger) read(asset string, account crypto.Address) (*big.Int, error) {
	raw, err := l.db.Get(balanceKey(asset, account))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func writeBalance(batch *storage.Batch, asset string, account crypto.Address, amount *big.Int) {
	key := balanceKey(asset, account)
	if amount.Sign() == 0 {
		batch.Delete(key)
		return
	}
	batch.Put(key, amount.Bytes())
}

// BalanceOf returns the balance of account in asset.
func (l *Ledger) BalanceOf(asset string, account crypto.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(asset, account)
}

// Mint credits amount of asset to account.
func (l *Ledger) Mint(asset string, to crypto.Address, amount *big.Int) error {
	if err := validate(asset, to, amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := l.read(asset, to)
	if err != nil {
		return err
	}
	batch := storage.NewBatch()
	writeBalance(batch, asset, to, new(big.Int).Add(current, amount))
	return l.db.Write(batch)
}

// Transfer moves amount of asset from one account to another in a single
// batch write.
func (l *Ledger) Transfer(asset string, from, to crypto.Address, amount *big.Int) error {
	if err := validate(asset, from, amount); err != nil {
		return err
	}
	if to.IsZero() {
		return fmt.Errorf("bank: recipient %w", lending.ErrZeroAddress)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if from == to {
		balance, err := l.read(asset, from)
		if err != nil {
			return err
		}
		if balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientFunds, from, balance, lending.NormalizeAsset(asset), amount)
		}
		return nil
	}
	fromBal, err := l.read(asset, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientFunds, from, fromBal, lending.NormalizeAsset(asset), amount)
	}
	toBal, err := l.read(asset, to)
	if err != nil {
		return err
	}
	batch := storage.NewBatch()
	writeBalance(batch, asset, from, new(big.Int).Sub(fromBal, amount))
	writeBalance(batch, asset, to, new(big.Int).Add(toBal, amount))
	return l.db.Write(batch)
}

// MoveIn implements lending.Transfers by pulling tokens into custody.
func (l *Ledger) MoveIn(_ context.Context, asset string, from crypto.Address, amount *big.Int) error {
	return l.Transfer(asset, from, l.custody, amount)
}

// MoveOut implements lending.Transfers by releasing tokens from custody.
func (l *Ledger) MoveOut(_ context.Context, asset string, to crypto.Address, amount *big.Int) error {
	return l.Transfer(asset, l.custody, to, amount)
}

func validate(asset string, account crypto.Address, amount *big.Int) error {
	if lending.NormalizeAsset(asset) == "" {
		return lending.ErrInvalidAsset
	}
	if account.IsZero() {
		return fmt.Errorf("bank: %w", lending.ErrZeroAddress)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bank: %w", lending.ErrZeroAmount)
	}
	return nil
}
