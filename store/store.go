// Package store defines the persistence contract shared by every backend.
//
// Reads go straight through Store. Every mutation goes through RunInTx and
// the Tx it hands out, which is the only way to take a row lock, change a
// balance, append a ledger entry or move an order between states.
package store

import (
	"context"
	"time"

	"github.com/xraph/balance/account"
	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/types"
)

// Store is the unified storage interface for balance entities.
type Store interface {
	// Account reads
	GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error)
	GetAccountByUser(ctx context.Context, userID string) (*account.Account, error)
	ListAccounts(ctx context.Context, opts account.ListOpts) ([]*account.Account, error)

	// Entry reads
	GetEntry(ctx context.Context, entryID id.EntryID) (*entry.Entry, error)
	ListEntries(ctx context.Context, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error)
	ListEntriesByOrder(ctx context.Context, orderID id.OrderID) ([]*entry.Entry, error)
	CountEntries(ctx context.Context, accountID id.AccountID) (int64, error)

	// Order reads
	GetOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error)
	GetOrderByReference(ctx context.Context, reference string) (*order.Order, error)
	ListOrders(ctx context.Context, accountID id.AccountID, opts order.ListOpts) ([]*order.Order, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*order.Order, error)

	// RunInTx runs fn as one atomic unit. Writes made through tx are
	// committed only when fn returns nil; row locks taken through tx are
	// held until RunInTx returns. Lock waits longer than the backend's lock
	// timeout fail with balance.ErrConcurrencyConflict.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the mutation surface available inside RunInTx.
//
// Callers must lock an order before its account when they need both, so
// two transactions never wait on each other in opposite order.
type Tx interface {
	// LockAccount takes an exclusive lock on the account row and returns
	// its current committed state.
	LockAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error)
	// LockOrder takes an exclusive lock on the order row.
	LockOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error)
	// LockOrderByReference resolves the external reference and locks the row.
	LockOrderByReference(ctx context.Context, reference string) (*order.Order, error)

	InsertAccount(ctx context.Context, a *account.Account) error
	// UpdateBalance writes a new balance for an account locked in this tx.
	UpdateBalance(ctx context.Context, accountID id.AccountID, balance types.Amount) error
	// InsertEntry appends an entry for an account locked in this tx and
	// assigns its Seq.
	InsertEntry(ctx context.Context, e *entry.Entry) error

	InsertOrder(ctx context.Context, o *order.Order) error
	// UpdateOrder persists state, markers and metadata of a locked order.
	UpdateOrder(ctx context.Context, o *order.Order) error
}
