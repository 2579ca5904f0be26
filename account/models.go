// Package account defines the per-user balance record.
package account

import (
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/types"
)

// Account holds one user's balance. Balance is never negative after a
// committed mutation and changes only through ledger operations.
type Account struct {
	types.Entity
	ID       id.AccountID      `json:"id"`
	UserID   string            `json:"user_id"`
	Balance  types.Amount      `json:"balance"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
