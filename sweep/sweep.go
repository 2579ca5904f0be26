// Package sweep periodically expires orders left open past their
// deadline.
package sweep

import (
	"context"
	"log/slog"
	"time"
)

// Expirer moves open orders past their deadline to expired.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time, limit int) (int, error)
}

// Locker elects a single sweeping instance when several share a store.
// TryLock returns false without error when another holder owns key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// LockKey is the key sweepers contend on.
const LockKey = "balance:sweep:expiry"

// Default sweep settings.
const (
	DefaultInterval = time.Minute
	DefaultBatch    = 100
)

// Sweeper runs an Expirer on a fixed interval.
type Sweeper struct {
	expirer  Expirer
	locker   Locker
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
	batch    int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatch caps how many orders one sweep expires.
func WithBatch(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithLocker makes sweeps run only while holding the shared lock.
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a Sweeper for e.
func New(e Expirer, opts ...Option) *Sweeper {
	s := &Sweeper{
		expirer:  e,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		interval: DefaultInterval,
		batch:    DefaultBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass. It returns 0 without error when another instance
// holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, LockKey, s.interval)
		if err != nil {
			return 0, err
		}
		if !ok {
			s.logger.Debug("expiry sweep skipped, lock held elsewhere")
			return 0, nil
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), LockKey); err != nil {
				s.logger.Warn("expiry sweep unlock failed", "error", err)
			}
		}()
	}

	n, err := s.expirer.ExpireStale(ctx, s.now(), s.batch)
	if n > 0 {
		s.logger.Info("expiry sweep finished", "expired", n)
	}
	return n, err
}
