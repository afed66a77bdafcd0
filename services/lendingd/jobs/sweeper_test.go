package jobs

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"lendcore/native/lending"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBook struct {
	mu      sync.Mutex
	pending map[string]*big.Int
	fail    error
	sweeps  int
}

func (b *fakeBook) Pools() ([]*lending.Pool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*lending.Pool, 0, len(b.pending))
	for _, asset := range []string{"ETH", "USDC"} {
		if _, ok := b.pending[asset]; ok {
			out = append(out, &lending.Pool{Asset: asset})
		}
	}
	return out, nil
}

func (b *fakeBook) FeeAccrual(asset string) (*lending.FeeAccrual, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &lending.FeeAccrual{Asset: asset, Pending: new(big.Int).Set(b.pending[asset]), Collected: big.NewInt(0)}, nil
}

func (b *fakeBook) SweepFees(_ context.Context, _ lending.Admin, asset string) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweeps++
	if b.fail != nil {
		return nil, b.fail
	}
	amount := b.pending[asset]
	b.pending[asset] = big.NewInt(0)
	return amount, nil
}

type recordingObserver struct {
	outcomes []error
}

func (r *recordingObserver) RecordSweep(_ string, err error) { r.outcomes = append(r.outcomes, err) }
func (r *recordingObserver) RecordPendingFees(string, *big.Int) {}

func TestSweeperSweepsPending(t *testing.T) {
	book := &fakeBook{pending: map[string]*big.Int{"ETH": big.NewInt(0), "USDC": big.NewInt(42)}}
	obs := &recordingObserver{}
	s := NewSweeper(book, lending.NewAdmin("sweeper"), time.Minute, WithObserver(obs))

	require.NoError(t, s.RunOnce(context.Background()))
	require.Equal(t, 1, book.sweeps)
	require.Equal(t, 0, book.pending["USDC"].Sign())
	require.Len(t, obs.outcomes, 1)
	require.NoError(t, obs.outcomes[0])
}

func TestSweeperBacksOffAfterFailure(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	book := &fakeBook{pending: map[string]*big.Int{"USDC": big.NewInt(5)}, fail: errors.New("recipient frozen")}
	s := NewSweeper(book, lending.NewAdmin("sweeper"), time.Minute,
		WithClock(func() time.Time { return now }),
		WithRetry(2, 10*time.Second))

	require.NoError(t, s.RunOnce(context.Background()))
	require.Equal(t, 1, s.Attempts("USDC"))

	// Still inside the backoff window.
	require.NoError(t, s.RunOnce(context.Background()))
	require.Equal(t, 1, book.sweeps)

	now = now.Add(10 * time.Second)
	require.NoError(t, s.RunOnce(context.Background()))
	require.Equal(t, 2, book.sweeps)
	require.Equal(t, 2, s.Attempts("USDC"))

	// Attempt budget exhausted: wait is 4 * 20s.
	now = now.Add(40 * time.Second)
	require.NoError(t, s.RunOnce(context.Background()))
	require.Equal(t, 2, book.sweeps)

	book.fail = nil
	now = now.Add(40 * time.Second)
	require.NoError(t, s.RunOnce(context.Background()))
	require.Equal(t, 3, book.sweeps)
	require.Equal(t, 0, s.Attempts("USDC"))
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	book := &fakeBook{pending: map[string]*big.Int{}}
	s := NewSweeper(book, lending.NewAdmin("sweeper"), 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
