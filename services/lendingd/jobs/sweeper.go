package jobs

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"lendcore/native/lending"
	telemetry "lendcore/observability/otel"
)

var tracer = telemetry.Tracer("lendcore/services/lendingd/jobs")

// FeeBook is the part of the engine the sweeper drives.
type FeeBook interface {
	Pools() ([]*lending.Pool, error)
	FeeAccrual(asset string) (*lending.FeeAccrual, error)
	SweepFees(ctx context.Context, admin lending.Admin, asset string) (*big.Int, error)
}

// SweepObserver receives the outcome of every sweep attempt.
type SweepObserver interface {
	RecordSweep(asset string, err error)
	RecordPendingFees(asset string, pending *big.Int)
}

type sweepState struct {
	attempts    int
	availableAt time.Time
}

// Sweeper retries deferred protocol fee transfers. Each asset keeps its own
// attempt counter; once maxAttempts consecutive failures are reached the
// wait between attempts is four times the longest regular backoff.
type Sweeper struct {
	book         FeeBook
	admin        lending.Admin
	observer     SweepObserver
	logger       *slog.Logger
	interval     time.Duration
	maxAttempts  int
	now          func() time.Time
	retryBackoff func(attempt int) time.Duration

	mu    sync.Mutex
	state map[string]*sweepState
}

// SweeperOption customises a Sweeper.
type SweeperOption func(*Sweeper)

// WithObserver reports sweep outcomes, typically to prometheus.
func WithObserver(o SweepObserver) SweeperOption {
	return func(s *Sweeper) { s.observer = o }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetry sets the attempt budget and the base backoff between attempts.
func WithRetry(maxAttempts int, backoff time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			s.retryBackoff = func(attempt int) time.Duration {
				if attempt < 1 {
					attempt = 1
				}
				return time.Duration(attempt) * backoff
			}
		}
	}
}

// NewSweeper builds a sweeper acting with the supplied admin capability.
func NewSweeper(book FeeBook, admin lending.Admin, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Sweeper{
		book:        book,
		admin:       admin,
		logger:      slog.Default(),
		interval:    interval,
		maxAttempts: 5,
		now:         func() time.Time { return time.Now().UTC() },
		retryBackoff: func(attempt int) time.Duration {
			if attempt < 1 {
				attempt = 1
			}
			return time.Duration(attempt*15) * time.Second
		},
		state: make(map[string]*sweepState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("fee sweep pass failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnce visits every listed pool and sweeps the ones with pending fees
// whose retry window has opened. It only returns errors from reading the
// engine; individual sweep failures are rescheduled.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	pools, err := s.book.Pools()
	if err != nil {
		return err
	}
	for _, pool := range pools {
		if err := ctx.Err(); err != nil {
			return err
		}
		accrual, err := s.book.FeeAccrual(pool.Asset)
		if err != nil {
			return err
		}
		if s.observer != nil {
			s.observer.RecordPendingFees(pool.Asset, accrual.Pending)
		}
		if accrual.Pending == nil || accrual.Pending.Sign() == 0 {
			s.clear(pool.Asset)
			continue
		}
		if !s.due(pool.Asset) {
			continue
		}
		swept, err := s.sweep(ctx, pool.Asset, accrual.Pending)
		if s.observer != nil {
			s.observer.RecordSweep(pool.Asset, err)
		}
		if err != nil {
			s.reschedule(pool.Asset, err)
			continue
		}
		s.clear(pool.Asset)
		s.logger.Info("protocol fees swept", slog.String("asset", pool.Asset), slog.String("amount", swept.String()))
		if s.observer != nil {
			s.observer.RecordPendingFees(pool.Asset, big.NewInt(0))
		}
	}
	return nil
}

func (s *Sweeper) sweep(ctx context.Context, asset string, pending *big.Int) (*big.Int, error) {
	ctx, span := tracer.Start(ctx, "fees.sweep")
	defer span.End()
	span.SetAttributes(
		attribute.String("asset", asset),
		attribute.String("pending", pending.String()),
		attribute.Int("attempt", s.Attempts(asset)+1),
	)
	swept, err := s.book.SweepFees(ctx, s.admin, asset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
		return nil, err
	}
	return swept, nil
}

// Attempts reports the consecutive failed sweeps for an asset.
func (s *Sweeper) Attempts(asset string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[asset]; ok {
		return st.attempts
	}
	return 0
}

func (s *Sweeper) due(asset string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[asset]
	return !ok || !s.now().Before(st.availableAt)
}

func (s *Sweeper) clear(asset string) {
	s.mu.Lock()
	delete(s.state, asset)
	s.mu.Unlock()
}

func (s *Sweeper) reschedule(asset string, cause error) {
	s.mu.Lock()
	st, ok := s.state[asset]
	if !ok {
		st = &sweepState{}
		s.state[asset] = st
	}
	st.attempts++
	wait := s.retryBackoff(st.attempts)
	if st.attempts >= s.maxAttempts {
		wait = s.retryBackoff(s.maxAttempts) * 4
	}
	st.availableAt = s.now().Add(wait)
	attempts := st.attempts
	s.mu.Unlock()

	level := slog.LevelWarn
	if attempts >= s.maxAttempts {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "fee sweep failed",
		slog.String("asset", asset),
		slog.Int("attempts", attempts),
		slog.Any("error", cause))
}
