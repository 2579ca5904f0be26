package order

import (
	"context"
	"time"

	"github.com/xraph/balance/id"
)

// Store is the read side of order persistence. State changes happen
// inside a store.Tx under the order's row lock.
type Store interface {
	GetOrder(ctx context.Context, orderID id.OrderID) (*Order, error)
	GetOrderByReference(ctx context.Context, reference string) (*Order, error)
	ListOrders(ctx context.Context, accountID id.AccountID, opts ListOpts) ([]*Order, error)
	// ListExpirable returns open orders whose deadline is at or before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Order, error)
}

// ListOpts filters orders for an account, newest first.
type ListOpts struct {
	State  State
	Type   Type
	Limit  int
	Offset int
}
