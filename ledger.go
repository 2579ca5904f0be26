package balance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/balance/account"
	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/plugin"
	"github.com/xraph/balance/store"
	"github.com/xraph/balance/sweep"
	"github.com/xraph/balance/types"
)

// Ledger owns every balance mutation and order settlement.
//
// It holds no per-account state between calls: each operation re-reads
// the authoritative rows inside a fresh transaction under a row lock.
type Ledger struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	now     func() time.Time

	skipMigrate bool

	// Settlement
	orderTTL time.Duration

	// Refunds
	refundMaxAttempts int
	refundBaseDelay   time.Duration

	// Expiry sweep
	sweepInterval time.Duration
	sweepBatch    int
	sweepLocker   sweep.Locker
	sweeper       *sweep.Sweeper

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Defaults used when no option overrides them.
const (
	DefaultRefundMaxAttempts = 3
	DefaultRefundBaseDelay   = 500 * time.Millisecond
	DefaultSweepBatch        = 100
)

// New creates a Ledger backed by s.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:             s,
		plugins:           plugin.NewRegistry(),
		logger:            slog.Default(),
		now:               func() time.Time { return time.Now().UTC() },
		refundMaxAttempts: DefaultRefundMaxAttempts,
		refundBaseDelay:   DefaultRefundBaseDelay,
		sweepBatch:        DefaultSweepBatch,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Option configures a Ledger instance.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
		l.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(l *Ledger) {
		_ = l.plugins.Register(p) //nolint:errcheck // duplicate names are logged by the registry caller
	}
}

// WithOrderTTL gives new orders an expiry deadline of creation time + ttl.
// Zero leaves orders without a deadline unless one is set explicitly.
func WithOrderTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.orderTTL = ttl }
}

// WithRefundRetry sets the default attempt budget and linear backoff base
// for RefundWithRetry.
func WithRefundRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(l *Ledger) {
		l.refundMaxAttempts = maxAttempts
		l.refundBaseDelay = baseDelay
	}
}

// WithExpirySweep runs ExpireStale every interval while the ledger is
// started. A non-nil locker makes only one instance sweep at a time.
func WithExpirySweep(interval time.Duration, batch int, locker sweep.Locker) Option {
	return func(l *Ledger) {
		l.sweepInterval = interval
		if batch > 0 {
			l.sweepBatch = batch
		}
		l.sweepLocker = locker
	}
}

// WithoutMigrate makes Start leave the schema alone.
func WithoutMigrate() Option {
	return func(l *Ledger) { l.skipMigrate = true }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Store returns the underlying store.
func (l *Ledger) Store() store.Store { return l.store }

// Plugins returns the plugin registry.
func (l *Ledger) Plugins() *plugin.Registry { return l.plugins }

// Start migrates the store unless WithoutMigrate was given, initializes
// plugins and starts the expiry sweeper when one is configured.
func (l *Ledger) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}

	if !l.skipMigrate {
		if err := l.store.Migrate(ctx); err != nil {
			return fmt.Errorf("balance: migrate: %w", err)
		}
	}

	l.plugins.EmitInit(ctx, l)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	if l.sweepInterval > 0 {
		l.sweeper = sweep.New(l,
			sweep.WithInterval(l.sweepInterval),
			sweep.WithBatch(l.sweepBatch),
			sweep.WithLocker(l.sweepLocker),
			sweep.WithLogger(l.logger),
			sweep.WithClock(l.now),
		)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.sweeper.Run(runCtx)
		}()
	}
	l.started = true

	l.logger.Info("balance ledger started",
		"order_ttl", l.orderTTL,
		"refund_max_attempts", l.refundMaxAttempts,
		"refund_base_delay", l.refundBaseDelay,
		"sweep_interval", l.sweepInterval,
	)
	return nil
}

// Stop halts background work, notifies plugins and closes the store.
func (l *Ledger) Stop() error {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.started = false
	l.mu.Unlock()

	l.wg.Wait()
	l.plugins.EmitShutdown(context.Background())

	return l.store.Close()
}

// ──────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────

// CreateAccount persists a new account. A positive opening balance is
// recorded as a topup entry in the same transaction, so the entry log
// always replays to the stored balance.
func (l *Ledger) CreateAccount(ctx context.Context, a *account.Account) error {
	if a.Balance.IsNegative() {
		return &ValidationError{Field: "balance", Message: "must not be negative"}
	}
	if a.ID.IsNil() {
		a.ID = id.NewAccountID()
	}
	a.Entity = types.NewEntity()

	opening := a.Balance
	a.Balance = types.Zero

	var created *entry.Entry
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertAccount(ctx, a); err != nil {
			return err
		}
		if opening.IsZero() {
			return nil
		}
		res, err := l.apply(ctx, tx, a.ID, entry.KindTopup, opening, func(cur types.Amount) types.Amount {
			return cur.Add(opening)
		}, []EntryOption{WithDescription("opening balance")})
		if err != nil {
			return err
		}
		created = res.Entry
		return nil
	})
	if err != nil {
		return err
	}

	a.Balance = opening
	if created != nil {
		l.plugins.EmitBalanceChanged(ctx, created)
	}
	l.logger.Info("account created", "account_id", a.ID, "user_id", a.UserID, "balance", a.Balance)
	return nil
}

// GetAccount returns the committed state of an account.
func (l *Ledger) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

// GetAccountByUser returns the account owned by userID.
func (l *Ledger) GetAccountByUser(ctx context.Context, userID string) (*account.Account, error) {
	return l.store.GetAccountByUser(ctx, userID)
}

// ListEntries returns an account statement ordered by Seq.
func (l *Ledger) ListEntries(ctx context.Context, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	return l.store.ListEntries(ctx, accountID, opts)
}

// ──────────────────────────────────────────────────
// Reconciliation
// ──────────────────────────────────────────────────

// Reconciliation is the outcome of replaying an account's entry log.
type Reconciliation struct {
	AccountID     id.AccountID `json:"account_id"`
	Balance       types.Amount `json:"balance"`
	Replayed      types.Amount `json:"replayed"`
	Entries       int          `json:"entries"`
	Discrepancies []string     `json:"discrepancies,omitempty"`
}

// OK reports whether the log replays to the stored balance without gaps.
func (r *Reconciliation) OK() bool { return len(r.Discrepancies) == 0 }

// Reconcile replays every entry of an account from zero and compares the
// result with the stored balance. It holds the account lock while reading
// so no mutation can interleave.
func (l *Ledger) Reconcile(ctx context.Context, accountID id.AccountID) (*Reconciliation, error) {
	var rec *Reconciliation
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		entries, err := l.store.ListEntries(ctx, accountID, entry.ListOpts{})
		if err != nil {
			return err
		}
		rec = replay(a, entries)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !rec.OK() {
		l.logger.Error("account reconciliation failed",
			"account_id", accountID,
			"balance", rec.Balance,
			"replayed", rec.Replayed,
			"discrepancies", rec.Discrepancies,
		)
	}
	return rec, nil
}

func replay(a *account.Account, entries []*entry.Entry) *Reconciliation {
	rec := &Reconciliation{AccountID: a.ID, Balance: a.Balance, Entries: len(entries)}
	running := types.Zero
	for i, e := range entries {
		if want := int64(i + 1); e.Seq != want {
			rec.Discrepancies = append(rec.Discrepancies, fmt.Sprintf("entry %s: seq %d, want %d", e.ID, e.Seq, want))
		}
		if !e.BalanceBefore.Equal(running) {
			rec.Discrepancies = append(rec.Discrepancies, fmt.Sprintf("entry %s: balance_before %s, want %s", e.ID, e.BalanceBefore, running))
		}
		if !e.Consistent() {
			rec.Discrepancies = append(rec.Discrepancies, fmt.Sprintf("entry %s: %s + %s != %s", e.ID, e.BalanceBefore, e.Amount, e.BalanceAfter))
		}
		running = running.Add(e.Amount)
	}
	rec.Replayed = running
	if !running.Equal(a.Balance) {
		rec.Discrepancies = append(rec.Discrepancies, fmt.Sprintf("replayed %s, stored %s", running, a.Balance))
	}
	return rec
}

// logFailure logs a failed operation at a level matching its kind.
func (l *Ledger) logFailure(op string, err error, attrs ...any) {
	attrs = append(attrs, "op", op, "error", err)
	_, insufficient := asInsufficient(err)
	switch {
	case IsValidation(err), insufficient, IsNotFound(err):
		l.logger.Info("balance operation rejected", attrs...)
	case IsRetryable(err):
		l.logger.Warn("balance operation conflicted", attrs...)
	default:
		l.logger.Error("balance operation failed", attrs...)
	}
}
