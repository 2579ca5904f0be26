package account

import (
	"context"

	"github.com/xraph/balance/id"
)

// Store is the read and create side of account persistence. Balance
// changes go through store.Tx so they are always row-locked.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, accountID id.AccountID) (*Account, error)
	GetAccountByUser(ctx context.Context, userID string) (*Account, error)
	ListAccounts(ctx context.Context, opts ListOpts) ([]*Account, error)
}

// ListOpts pages through accounts ordered by creation time.
type ListOpts struct {
	Limit  int
	Offset int
}
