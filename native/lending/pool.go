package lending

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"lendcore/core/events"
)

// Deposit credits amount of asset to the caller's pool balance and pulls the
// tokens into custody.
func (e *Engine) Deposit(ctx context.Context, caller Caller, asset string, amount *big.Int) error {
	ctx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	if err := e.guard(); err != nil {
		return err
	}
	if caller.address.IsZero() {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	asset, err = canonicalAsset(asset)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(asset)
	defer unlock()

	tx := newTxn(e.store, e.timestamp())
	pool, err := tx.pool(asset)
	if err != nil {
		return err
	}
	if !pool.IsActive {
		return fmt.Errorf("%w: %s", ErrAssetNotActive, asset)
	}
	if !pool.DepositsEnabled {
		return fmt.Errorf("%w: deposits disabled for %s", ErrAssetNotActive, asset)
	}
	total := new(big.Int).Add(zeroIfNil(pool.TotalDeposits), amount)
	if capExceeded(total, pool.SupplyCap) {
		return ErrSupplyCapExceeded
	}
	balance, err := tx.balance(asset, caller.address)
	if err != nil {
		return err
	}

	pool.TotalDeposits = total
	tx.putPool(pool)
	tx.setBalance(asset, caller.address, balance.Add(balance, amount))
	tx.moveIn(asset, caller.address, amount)
	tx.emit(events.Deposited{Asset: asset, Account: caller.address, Amount: new(big.Int).Set(amount)})
	return e.commit(ctx, tx)
}

// Withdraw returns deposited liquidity to the caller. An amount of zero (or
// nil) withdraws the caller's entire balance. The withdrawn amount is
// returned.
func (e *Engine) Withdraw(ctx context.Context, caller Caller, asset string, amount *big.Int) (*big.Int, error) {
	ctx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	if caller.address.IsZero() {
		return nil, ErrZeroAddress
	}
	if amount != nil && amount.Sign() < 0 {
		return nil, ErrZeroAmount
	}
	asset, err = canonicalAsset(asset)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.lock(asset)
	defer unlock()

	tx := newTxn(e.store, e.timestamp())
	pool, err := tx.pool(asset)
	if err != nil {
		return nil, err
	}
	balance, err := tx.balance(asset, caller.address)
	if err != nil {
		return nil, err
	}
	requested := new(big.Int)
	if amount == nil || amount.Sign() == 0 {
		requested.Set(balance)
	} else {
		requested.Set(amount)
	}
	if requested.Sign() == 0 || balance.Cmp(requested) < 0 {
		return nil, ErrInsufficientBalance
	}
	if pool.AvailableLiquidity().Cmp(requested) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	pool.TotalDeposits = new(big.Int).Sub(pool.TotalDeposits, requested)
	tx.putPool(pool)
	tx.setBalance(asset, caller.address, balance.Sub(balance, requested))
	tx.moveOut(asset, caller.address, requested)
	tx.emit(events.Withdrawn{Asset: asset, Account: caller.address, Amount: new(big.Int).Set(requested)})
	if err := e.commit(ctx, tx); err != nil {
		return nil, err
	}
	return requested, nil
}

// ListPool creates a pool for a new asset.
func (e *Engine) ListPool(admin Admin, params PoolParams) (*Pool, error) {
	if err := admin.check(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	asset := NormalizeAsset(params.Asset)
	unlock := e.locks.lock(asset)
	defer unlock()

	if _, ok, err := e.store.Pool(asset); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolExists, asset)
	}
	pool := &Pool{
		TotalDeposits:  big.NewInt(0),
		TotalBorrows:   big.NewInt(0),
		TotalReserves:  big.NewInt(0),
		BadDebt:        big.NewInt(0),
		LastUpdateTime: e.timestamp(),
	}
	params.apply(pool)
	cs := NewChangeset()
	cs.Pools[asset] = pool
	if err := e.store.Apply(cs); err != nil {
		return nil, err
	}
	e.logger.Info("lending pool listed", slog.String("asset", asset), slog.String("admin", admin.name))
	return pool.Clone(), nil
}

// UpdatePool replaces a pool's risk parameters and flags. Accounting fields
// and existing loans are left untouched.
func (e *Engine) UpdatePool(admin Admin, params PoolParams) (*Pool, error) {
	if err := admin.check(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	asset := NormalizeAsset(params.Asset)
	unlock := e.locks.lock(asset)
	defer unlock()

	pool, ok, err := e.store.Pool(asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotListed, asset)
	}
	params.apply(pool)
	pool.LastUpdateTime = e.timestamp()
	cs := NewChangeset()
	cs.Pools[asset] = pool
	if err := e.store.Apply(cs); err != nil {
		return nil, err
	}
	e.logger.Info("lending pool updated", slog.String("asset", asset), slog.String("admin", admin.name))
	return pool.Clone(), nil
}
