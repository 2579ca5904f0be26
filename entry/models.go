// Package entry defines the append-only ledger entry written once per
// committed balance mutation.
package entry

import (
	"time"

	"github.com/xraph/balance/id"
	"github.com/xraph/balance/types"
)

// Kind classifies why a balance changed.
type Kind string

const (
	KindTopup         Kind = "topup"
	KindCredit        Kind = "credit"
	KindAdjustment    Kind = "adjustment"
	KindRefund        Kind = "refund"
	KindPurchaseDebit Kind = "purchase_debit"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTopup, KindCredit, KindAdjustment, KindRefund, KindPurchaseDebit:
		return true
	}
	return false
}

// Entry is an immutable record of a single balance mutation.
//
// Amount is the signed delta, so BalanceAfter always equals
// BalanceBefore + Amount. Seq is assigned per account starting at 1 and
// gives entries a total order even when timestamps collide.
type Entry struct {
	ID            id.EntryID        `json:"id"`
	AccountID     id.AccountID      `json:"account_id"`
	OrderID       id.OrderID        `json:"order_id,omitzero"`
	Seq           int64             `json:"seq"`
	Kind          Kind              `json:"kind"`
	Amount        types.Amount      `json:"amount"`
	BalanceBefore types.Amount      `json:"balance_before"`
	BalanceAfter  types.Amount      `json:"balance_after"`
	Description   string            `json:"description,omitempty"`
	Note          string            `json:"note,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Consistent reports whether the entry's before/after pair matches its delta.
func (e *Entry) Consistent() bool {
	return e.BalanceBefore.Add(e.Amount).Equal(e.BalanceAfter)
}
