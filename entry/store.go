package entry

import (
	"context"
	"time"

	"github.com/xraph/balance/id"
)

// Store is the read side of the entry log. Entries are inserted only
// inside a store.Tx alongside the balance write they describe.
type Store interface {
	GetEntry(ctx context.Context, entryID id.EntryID) (*Entry, error)
	ListEntries(ctx context.Context, accountID id.AccountID, opts ListOpts) ([]*Entry, error)
	ListEntriesByOrder(ctx context.Context, orderID id.OrderID) ([]*Entry, error)
	CountEntries(ctx context.Context, accountID id.AccountID) (int64, error)
}

// ListOpts filters an account statement. Results are ordered by Seq
// ascending.
type ListOpts struct {
	Kind   Kind
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}
