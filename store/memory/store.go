// Package memory implements store.Store in process memory.
//
// Each account and order row has its own lock, so transactions touching
// different rows run in parallel while transactions on the same row queue
// behind each other, as they would on a relational backend. Writes are
// staged per transaction and published on commit.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/xraph/balance"
	"github.com/xraph/balance/account"
	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/store"
)

// DefaultLockTimeout bounds how long a transaction waits for a row lock.
const DefaultLockTimeout = 5 * time.Second

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is an in-memory store.Store.
type Store struct {
	// mu guards the maps below. It is held only for map access, never
	// across a transaction.
	mu sync.RWMutex

	accounts map[string]*account.Account
	byUser   map[string]string

	entries   map[string][]*entry.Entry // per account, in Seq order
	entryByID map[string]*entry.Entry

	orders map[string]*order.Order
	byRef  map[string]string

	rows        map[string]chan struct{}
	lockTimeout time.Duration
	closed      bool
}

// Option configures a memory Store.
type Option func(*Store)

// WithLockTimeout sets how long a transaction waits for a row lock before
// failing with balance.ErrConcurrencyConflict.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		accounts:    make(map[string]*account.Account),
		byUser:      make(map[string]string),
		entries:     make(map[string][]*entry.Entry),
		entryByID:   make(map[string]*entry.Entry),
		orders:      make(map[string]*order.Order),
		byRef:       make(map[string]string),
		rows:        make(map[string]chan struct{}),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Account reads
// ──────────────────────────────────────────────────

func (s *Store) GetAccount(_ context.Context, accountID id.AccountID) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID.String()]
	if !ok {
		return nil, balance.ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

func (s *Store) GetAccountByUser(ctx context.Context, userID string) (*account.Account, error) {
	s.mu.RLock()
	key, ok := s.byUser[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, balance.ErrAccountNotFound
	}
	return s.GetAccount(ctx, id.MustParse(key))
}

func (s *Store) ListAccounts(_ context.Context, opts account.ListOpts) ([]*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return page(out, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Entry reads
// ──────────────────────────────────────────────────

func (s *Store) GetEntry(_ context.Context, entryID id.EntryID) (*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entryByID[entryID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: entry", balance.ErrNotFound)
	}
	return cloneEntry(e), nil
}

func (s *Store) ListEntries(_ context.Context, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entry.Entry
	for _, e := range s.entries[accountID.String()] {
		if opts.Kind != "" && e.Kind != opts.Kind {
			continue
		}
		if !opts.Start.IsZero() && e.CreatedAt.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && !e.CreatedAt.Before(opts.End) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	return page(out, opts.Offset, opts.Limit), nil
}

func (s *Store) ListEntriesByOrder(_ context.Context, orderID id.OrderID) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entry.Entry
	for _, e := range s.entryByID {
		if e.OrderID == orderID {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CountEntries(_ context.Context, accountID id.AccountID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries[accountID.String()])), nil
}

// ──────────────────────────────────────────────────
// Order reads
// ──────────────────────────────────────────────────

func (s *Store) GetOrder(_ context.Context, orderID id.OrderID) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID.String()]
	if !ok {
		return nil, balance.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *Store) GetOrderByReference(ctx context.Context, reference string) (*order.Order, error) {
	s.mu.RLock()
	key, ok := s.byRef[reference]
	s.mu.RUnlock()
	if !ok || reference == "" {
		return nil, balance.ErrOrderNotFound
	}
	return s.GetOrder(ctx, id.MustParse(key))
}

func (s *Store) ListOrders(_ context.Context, accountID id.AccountID, opts order.ListOpts) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*order.Order
	for _, o := range s.orders {
		if o.AccountID != accountID {
			continue
		}
		if opts.State != "" && o.State != opts.State {
			continue
		}
		if opts.Type != "" && o.Type != opts.Type {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, opts.Offset, opts.Limit), nil
}

func (s *Store) ListExpirable(_ context.Context, now time.Time, limit int) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*order.Order
	for _, o := range s.orders {
		if o.Expired(now) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
	})
	return page(out, 0, limit), nil
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// RunInTx implements store.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return balance.ErrStoreClosed
	}

	tx := newTx(s)
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

// lockRow acquires the lock for key, waiting at most lockTimeout.
func (s *Store) lockRow(ctx context.Context, key string) (chan struct{}, error) {
	s.mu.Lock()
	ch, ok := s.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rows[key] = ch
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return ch, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: lock wait on %s exceeded %s", balance.ErrConcurrencyConflict, key, s.lockTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", balance.ErrConcurrencyConflict, ctx.Err())
	}
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is still open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return balance.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed; later transactions fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneAccount(a *account.Account) *account.Account {
	c := *a
	c.Metadata = maps.Clone(a.Metadata)
	return &c
}

func cloneEntry(e *entry.Entry) *entry.Entry {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

var errNotLocked = errors.New("memory: row not locked in this transaction")
