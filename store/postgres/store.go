package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/balance"
	"github.com/xraph/balance/account"
	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	balancestore "github.com/xraph/balance/store"
	"github.com/xraph/balance/types"
)

// compile-time interface check
var _ balancestore.Store = (*Store)(nil)

// DefaultLockTimeout bounds how long a transaction waits on a row lock.
const DefaultLockTimeout = 5 * time.Second

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db          *grove.DB
	pg          *pgdriver.PgDB
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets the per-transaction lock_timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		pg:          pgdriver.Unwrap(db),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("balance/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("balance/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", balance.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account reads ====================

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	m := new(accountModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", accountID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, balance.ErrAccountNotFound
		}
		return nil, mapError(err)
	}
	return fromAccountModel(m)
}

func (s *Store) GetAccountByUser(ctx context.Context, userID string) (*account.Account, error) {
	m := new(accountModel)
	err := s.pg.NewSelect(m).
		Where("user_id = $1", userID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, balance.ErrAccountNotFound
		}
		return nil, mapError(err)
	}
	return fromAccountModel(m)
}

func (s *Store) ListAccounts(ctx context.Context, opts account.ListOpts) ([]*account.Account, error) {
	var models []accountModel
	q := s.pg.NewSelect(&models).OrderExpr("id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapError(err)
	}

	result := make([]*account.Account, len(models))
	for i := range models {
		a, err := fromAccountModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = a
	}
	return result, nil
}

// ==================== Entry reads ====================

func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*entry.Entry, error) {
	m := new(entryModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", entryID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: entry", balance.ErrNotFound)
		}
		return nil, mapError(err)
	}
	return fromEntryModel(m)
}

func (s *Store) ListEntries(ctx context.Context, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	var models []entryModel
	q := s.pg.NewSelect(&models).Where("account_id = $1", accountID.String())

	argIdx := 1
	if opts.Kind != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("kind = $%d", argIdx), string(opts.Kind))
	}
	if !opts.Start.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at >= $%d", argIdx), opts.Start)
	}
	if !opts.End.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at < $%d", argIdx), opts.End)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("seq ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, mapError(err)
	}
	return fromEntryModels(models)
}

func (s *Store) ListEntriesByOrder(ctx context.Context, orderID id.OrderID) ([]*entry.Entry, error) {
	var models []entryModel
	err := s.pg.NewSelect(&models).
		Where("order_id = $1", orderID.String()).
		OrderExpr("created_at ASC, seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return fromEntryModels(models)
}

func (s *Store) CountEntries(ctx context.Context, accountID id.AccountID) (int64, error) {
	n, err := s.pg.NewSelect((*entryModel)(nil)).
		Where("account_id = $1", accountID.String()).
		Count(ctx)
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// ==================== Order reads ====================

func (s *Store) GetOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error) {
	m := new(orderModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", orderID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, balance.ErrOrderNotFound
		}
		return nil, mapError(err)
	}
	return fromOrderModel(m)
}

func (s *Store) GetOrderByReference(ctx context.Context, reference string) (*order.Order, error) {
	m := new(orderModel)
	err := s.pg.NewSelect(m).
		Where("reference = $1", reference).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, balance.ErrOrderNotFound
		}
		return nil, mapError(err)
	}
	return fromOrderModel(m)
}

func (s *Store) ListOrders(ctx context.Context, accountID id.AccountID, opts order.ListOpts) ([]*order.Order, error) {
	var models []orderModel
	q := s.pg.NewSelect(&models).Where("account_id = $1", accountID.String())

	argIdx := 1
	if opts.State != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("state = $%d", argIdx), string(opts.State))
	}
	if opts.Type != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("type = $%d", argIdx), string(opts.Type))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, mapError(err)
	}
	return fromOrderModels(models)
}

func (s *Store) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*order.Order, error) {
	var models []orderModel
	q := s.pg.NewSelect(&models).
		Where("state IN ('pending', 'processing')").
		Where("expires_at IS NOT NULL").
		Where("expires_at <= $1", now).
		OrderExpr("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapError(err)
	}
	return fromOrderModels(models)
}

// ==================== Transactions ====================

// RunInTx implements store.Store. The transaction runs at READ COMMITTED
// with lock_timeout set, so a blocked row lock surfaces as
// balance.ErrConcurrencyConflict instead of waiting indefinitely.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx balancestore.Tx) error) (err error) {
	ptx, err := s.pg.BeginTxQuery(ctx, &driver.TxOptions{IsolationLevel: driver.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			_ = ptx.Rollback() //nolint:errcheck // the original error wins
		}
	}()

	setTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err = ptx.NewRaw(setTimeout).Exec(ctx); err != nil {
		return mapError(err)
	}

	if err = fn(ctx, &tx{ptx: ptx}); err != nil {
		return mapError(err)
	}
	if err = ptx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

type tx struct {
	ptx *pgdriver.PgTx
}

func (t *tx) LockAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	m := new(accountModel)
	err := t.ptx.NewSelect(m).
		Where("id = $1", accountID.String()).
		ForUpdate().
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, balance.ErrAccountNotFound
		}
		return nil, mapError(err)
	}
	return fromAccountModel(m)
}

func (t *tx) LockOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error) {
	return t.lockOrderWhere(ctx, "id = $1", orderID.String())
}

func (t *tx) LockOrderByReference(ctx context.Context, reference string) (*order.Order, error) {
	if reference == "" {
		return nil, balance.ErrOrderNotFound
	}
	return t.lockOrderWhere(ctx, "reference = $1", reference)
}

func (t *tx) lockOrderWhere(ctx context.Context, where string, arg any) (*order.Order, error) {
	m := new(orderModel)
	err := t.ptx.NewSelect(m).
		Where(where, arg).
		ForUpdate().
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, balance.ErrOrderNotFound
		}
		return nil, mapError(err)
	}
	return fromOrderModel(m)
}

func (t *tx) InsertAccount(ctx context.Context, a *account.Account) error {
	_, err := t.ptx.NewInsert(toAccountModel(a)).Exec(ctx)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: account for user %q", balance.ErrAlreadyExists, a.UserID)
	}
	return mapError(err)
}

func (t *tx) UpdateBalance(ctx context.Context, accountID id.AccountID, bal types.Amount) error {
	res, err := t.ptx.NewUpdate((*accountModel)(nil)).
		Set("balance = $1", bal).
		Set("updated_at = $2", now()).
		Where("id = $3", accountID.String()).
		Exec(ctx)
	if err != nil {
		return mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return balance.ErrAccountNotFound
	}
	return nil
}

// InsertEntry assigns the next Seq for the account. The caller holds the
// account row lock, so no other transaction can append concurrently.
func (t *tx) InsertEntry(ctx context.Context, e *entry.Entry) error {
	var seq int64
	err := t.ptx.NewRaw(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM balance_entries WHERE account_id = $1`,
		e.AccountID.String(),
	).Scan(ctx, &seq)
	if err != nil {
		return mapError(err)
	}
	e.Seq = seq

	_, err = t.ptx.NewInsert(toEntryModel(e)).Exec(ctx)
	return mapError(err)
}

func (t *tx) InsertOrder(ctx context.Context, o *order.Order) error {
	_, err := t.ptx.NewInsert(toOrderModel(o)).Exec(ctx)
	if isUniqueViolation(err) {
		return balance.ErrReferenceInUse
	}
	return mapError(err)
}

func (t *tx) UpdateOrder(ctx context.Context, o *order.Order) error {
	o.Touch()
	m := toOrderModel(o)
	res, err := t.ptx.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return balance.ErrOrderNotFound
	}
	return nil
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// PostgreSQL error codes the store translates.
const (
	codeUniqueViolation      = "23505"
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeQueryCanceled        = "57014"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// mapError translates lock and connectivity failures into the balance
// error taxonomy. Errors already classified pass through unchanged.
func mapError(err error) error {
	if err == nil || balance.IsRetryable(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected, codeQueryCanceled:
			return fmt.Errorf("%w: %w", balance.ErrConcurrencyConflict, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", balance.ErrStoreUnavailable, err)
	}
	return err
}
