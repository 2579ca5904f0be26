package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
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

// DefaultBusyTimeout bounds how long a transaction waits for the write lock.
const DefaultBusyTimeout = 5 * time.Second

// Store implements store.Store using SQLite via Grove ORM.
//
// SQLite has no row-level locks. A transaction takes the database write
// lock with a no-op UPDATE on the row it is about to read, which
// serializes writers for the rest of the transaction.
type Store struct {
	db          *grove.DB
	sdb         *sqlitedriver.SqliteDB
	busyTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithBusyTimeout sets the SQLite busy_timeout used inside transactions.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		sdb:         sqlitedriver.Unwrap(db),
		busyTimeout: DefaultBusyTimeout,
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
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("balance/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("balance/sqlite: migration failed: %w", err)
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
	err := s.sdb.NewSelect(m).
		Where("id = ?", accountID.String()).
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
	err := s.sdb.NewSelect(m).
		Where("user_id = ?", userID).
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
	q := s.sdb.NewSelect(&models).OrderExpr("id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapError(err)
	}

	result := make([]*account.Account, 0, len(models))
	for i := range models {
		a, err := fromAccountModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}

// ==================== Entry reads ====================

func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*entry.Entry, error) {
	m := new(entryModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", entryID.String()).
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
	q := s.sdb.NewSelect(&models).Where("account_id = ?", accountID.String())
	if opts.Kind != "" {
		q = q.Where("kind = ?", string(opts.Kind))
	}
	if !opts.Start.IsZero() {
		q = q.Where("created_at >= ?", opts.Start)
	}
	if !opts.End.IsZero() {
		q = q.Where("created_at < ?", opts.End)
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
	err := s.sdb.NewSelect(&models).
		Where("order_id = ?", orderID.String()).
		OrderExpr("created_at ASC, seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return fromEntryModels(models)
}

func (s *Store) CountEntries(ctx context.Context, accountID id.AccountID) (int64, error) {
	n, err := s.sdb.NewSelect((*entryModel)(nil)).
		Where("account_id = ?", accountID.String()).
		Count(ctx)
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// ==================== Order reads ====================

func (s *Store) GetOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error) {
	m := new(orderModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", orderID.String()).
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
	err := s.sdb.NewSelect(m).
		Where("reference = ?", reference).
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
	q := s.sdb.NewSelect(&models).Where("account_id = ?", accountID.String())
	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}
	if opts.Type != "" {
		q = q.Where("type = ?", string(opts.Type))
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
	q := s.sdb.NewSelect(&models).
		Where("state IN ('pending', 'processing')").
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", now).
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

// RunInTx implements store.Store. A writer that cannot obtain the database
// lock within the busy timeout fails with balance.ErrConcurrencyConflict.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx balancestore.Tx) error) (err error) {
	stx, err := s.sdb.BeginTxQuery(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			_ = stx.Rollback() //nolint:errcheck // the original error wins
		}
	}()

	pragma := fmt.Sprintf("PRAGMA busy_timeout = %d", s.busyTimeout.Milliseconds())
	if _, err = stx.NewRaw(pragma).Exec(ctx); err != nil {
		return mapError(err)
	}

	if err = fn(ctx, &tx{stx: stx}); err != nil {
		return mapError(err)
	}
	if err = stx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

type tx struct {
	stx *sqlitedriver.SqliteTx
}

// lock claims the write lock through a no-op update of the row. It reports
// false when no row matched.
func (t *tx) lock(ctx context.Context, model any, where string, arg any) (bool, error) {
	res, err := t.stx.NewUpdate(model).
		Set("updated_at = updated_at").
		Where(where, arg).
		Exec(ctx)
	if err != nil {
		return false, mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (t *tx) LockAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	found, err := t.lock(ctx, (*accountModel)(nil), "id = ?", accountID.String())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, balance.ErrAccountNotFound
	}

	m := new(accountModel)
	if err := t.stx.NewSelect(m).Where("id = ?", accountID.String()).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, balance.ErrAccountNotFound
		}
		return nil, mapError(err)
	}
	return fromAccountModel(m)
}

func (t *tx) LockOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error) {
	return t.lockOrderWhere(ctx, "id = ?", orderID.String())
}

func (t *tx) LockOrderByReference(ctx context.Context, reference string) (*order.Order, error) {
	if reference == "" {
		return nil, balance.ErrOrderNotFound
	}
	return t.lockOrderWhere(ctx, "reference = ?", reference)
}

func (t *tx) lockOrderWhere(ctx context.Context, where string, arg any) (*order.Order, error) {
	found, err := t.lock(ctx, (*orderModel)(nil), where, arg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, balance.ErrOrderNotFound
	}

	m := new(orderModel)
	if err := t.stx.NewSelect(m).Where(where, arg).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, balance.ErrOrderNotFound
		}
		return nil, mapError(err)
	}
	return fromOrderModel(m)
}

func (t *tx) InsertAccount(ctx context.Context, a *account.Account) error {
	_, err := t.stx.NewInsert(toAccountModel(a)).Exec(ctx)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: account for user %q", balance.ErrAlreadyExists, a.UserID)
	}
	return mapError(err)
}

func (t *tx) UpdateBalance(ctx context.Context, accountID id.AccountID, bal types.Amount) error {
	res, err := t.stx.NewUpdate((*accountModel)(nil)).
		Set("balance = ?", bal).
		Set("updated_at = ?", now()).
		Where("id = ?", accountID.String()).
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

// InsertEntry assigns the next Seq for the account while the transaction
// holds the write lock.
func (t *tx) InsertEntry(ctx context.Context, e *entry.Entry) error {
	var seq int64
	err := t.stx.NewRaw(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM balance_entries WHERE account_id = ?`,
		e.AccountID.String(),
	).Scan(ctx, &seq)
	if err != nil {
		return mapError(err)
	}
	e.Seq = seq

	_, err = t.stx.NewInsert(toEntryModel(e)).Exec(ctx)
	return mapError(err)
}

func (t *tx) InsertOrder(ctx context.Context, o *order.Order) error {
	_, err := t.stx.NewInsert(toOrderModel(o)).Exec(ctx)
	if isUniqueViolation(err) {
		return balance.ErrReferenceInUse
	}
	return mapError(err)
}

func (t *tx) UpdateOrder(ctx context.Context, o *order.Order) error {
	o.Touch()
	res, err := t.stx.NewUpdate(toOrderModel(o)).WherePK().Exec(ctx)
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
	return errors.Is(err, sql.ErrNoRows)
}

// The driver surfaces SQLite result codes only in the error text.

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

func mapError(err error) error {
	if err == nil || balance.IsRetryable(err) {
		return err
	}
	if isBusy(err) {
		return fmt.Errorf("%w: %w", balance.ErrConcurrencyConflict, err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", balance.ErrStoreUnavailable, err)
	}
	return err
}
