package lending

import (
	"context"
	"log/slog"
	"math/big"

	"lendcore/core/events"
)

// settleFees pays queued protocol fees to the fee recipient. A failed payment
// never fails the operation: the amount is parked in the asset's pending
// accrual for a later sweep.
func (e *Engine) settleFees(ctx context.Context, tx *txn) []events.Event {
	if len(tx.fees) == 0 {
		return nil
	}
	recipient := e.Config().FeeRecipient
	accruals := make(map[string]*FeeAccrual)
	var out []events.Event
	for _, fee := range tx.fees {
		accrual, ok := accruals[fee.asset]
		if !ok {
			stored, err := e.store.FeeAccrual(fee.asset)
			if err != nil {
				e.logger.Error("lending fee accrual load failed", slog.String("asset", fee.asset), slog.Any("error", err))
				stored = &FeeAccrual{Asset: fee.asset}
			}
			accrual = stored
			accruals[fee.asset] = accrual
		}
		deferred := false
		if err := e.transfers.MoveOut(ctx, fee.asset, recipient, fee.amount); err != nil {
			deferred = true
			accrual.Pending = new(big.Int).Add(zeroIfNil(accrual.Pending), fee.amount)
			e.logger.Warn("lending fee transfer deferred",
				slog.String("asset", fee.asset),
				slog.String("category", fee.category.String()),
				slog.String("amount", fee.amount.String()),
				slog.Any("error", err))
		} else {
			accrual.Collected = new(big.Int).Add(zeroIfNil(accrual.Collected), fee.amount)
		}
		out = append(out, events.FeeCollected{
			Asset:     fee.asset,
			Category:  fee.category.String(),
			Amount:    new(big.Int).Set(fee.amount),
			Recipient: recipient,
			Deferred:  deferred,
		})
	}
	cs := NewChangeset()
	for asset, accrual := range accruals {
		accrual.Asset = asset
		cs.Fees[asset] = accrual
	}
	if err := e.store.Apply(cs); err != nil {
		e.logger.Error("lending fee accrual persist failed", slog.Any("error", err))
	}
	return out
}

// SweepFees retries the transfer of fees parked for asset and returns the
// amount paid out. A failed sweep leaves the pending amount in place.
func (e *Engine) SweepFees(ctx context.Context, admin Admin, asset string) (*big.Int, error) {
	ctx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := admin.check(); err != nil {
		return nil, err
	}
	asset, err = canonicalAsset(asset)
	if err != nil {
		return nil, err
	}
	recipient := e.Config().FeeRecipient
	if recipient.IsZero() {
		return nil, ErrZeroAddress
	}

	unlock := e.locks.lock(asset)
	defer unlock()

	accrual, err := e.store.FeeAccrual(asset)
	if err != nil {
		return nil, err
	}
	pending := zeroIfNil(accrual.Pending)
	if pending.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := e.transfers.MoveOut(ctx, asset, recipient, pending); err != nil {
		return nil, err
	}
	swept := new(big.Int).Set(pending)
	accrual.Asset = asset
	accrual.Collected = new(big.Int).Add(zeroIfNil(accrual.Collected), swept)
	accrual.Pending = big.NewInt(0)
	cs := NewChangeset()
	cs.Fees[asset] = accrual
	if err := e.store.Apply(cs); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.FeeCollected{Asset: asset, Category: "sweep", Amount: new(big.Int).Set(swept), Recipient: recipient})
	e.logger.Info("lending fees swept", slog.String("asset", asset), slog.String("amount", swept.String()))
	return swept, nil
}
