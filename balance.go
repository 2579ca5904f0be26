package balance

import (
	"context"
	"fmt"
	"maps"

	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/store"
	"github.com/xraph/balance/types"
)

// Result describes a committed balance mutation.
type Result struct {
	PreviousBalance types.Amount `json:"previous_balance"`
	NewBalance      types.Amount `json:"new_balance"`
	Entry           *entry.Entry `json:"entry"`
}

// Action selects how Adjust combines the amount with the current balance.
type Action string

const (
	ActionAdd      Action = "add"
	ActionSubtract Action = "subtract"
	ActionSet      Action = "set"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionAdd || a == ActionSubtract || a == ActionSet
}

// EntryOption decorates the entry written by a mutation.
type EntryOption func(*entry.Entry)

// WithOrder links the entry to an order.
func WithOrder(orderID id.OrderID) EntryOption {
	return func(e *entry.Entry) { e.OrderID = orderID }
}

// WithDescription sets a human readable description.
func WithDescription(desc string) EntryOption {
	return func(e *entry.Entry) { e.Description = desc }
}

// WithNote records an operator note.
func WithNote(note string) EntryOption {
	return func(e *entry.Entry) { e.Note = note }
}

// WithKind overrides the entry kind chosen by the operation.
func WithKind(kind entry.Kind) EntryOption {
	return func(e *entry.Entry) {
		if kind.Valid() {
			e.Kind = kind
		}
	}
}

// WithEntryMetadata attaches metadata to the entry.
func WithEntryMetadata(md map[string]string) EntryOption {
	return func(e *entry.Entry) { e.Metadata = maps.Clone(md) }
}

// ──────────────────────────────────────────────────
// Mutations
// ──────────────────────────────────────────────────

// Debit subtracts a positive amount from the account. It fails with an
// *InsufficientBalanceError, writing nothing, when the balance would go
// below zero.
func (l *Ledger) Debit(ctx context.Context, accountID id.AccountID, amount types.Amount, opts ...EntryOption) (*Result, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	return l.mutate(ctx, "debit", accountID, entry.KindPurchaseDebit, amount, func(cur types.Amount) types.Amount {
		return cur.Sub(amount)
	}, opts)
}

// Credit adds a positive amount to the account.
func (l *Ledger) Credit(ctx context.Context, accountID id.AccountID, amount types.Amount, opts ...EntryOption) (*Result, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	return l.mutate(ctx, "credit", accountID, entry.KindCredit, amount, func(cur types.Amount) types.Amount {
		return cur.Add(amount)
	}, opts)
}

// Adjust applies an operator correction. Add and subtract need a positive
// amount; set accepts zero. The entry records the resulting delta, so a
// set to the current balance still leaves an audit trail.
func (l *Ledger) Adjust(ctx context.Context, accountID id.AccountID, action Action, amount types.Amount, opts ...EntryOption) (*Result, error) {
	if !action.Valid() {
		return nil, &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", action)}
	}
	if amount.IsNegative() {
		return nil, &ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if amount.IsZero() && action != ActionSet {
		return nil, &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}

	compute := func(cur types.Amount) types.Amount {
		switch action {
		case ActionAdd:
			return cur.Add(amount)
		case ActionSubtract:
			return cur.Sub(amount)
		default:
			return amount
		}
	}
	return l.mutate(ctx, "adjust", accountID, entry.KindAdjustment, amount, compute, opts)
}

// mutate runs a single-account mutation in its own transaction and emits
// events once it has committed.
func (l *Ledger) mutate(
	ctx context.Context,
	op string,
	accountID id.AccountID,
	kind entry.Kind,
	requested types.Amount,
	compute func(types.Amount) types.Amount,
	opts []EntryOption,
) (*Result, error) {
	var res *Result
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := l.apply(ctx, tx, accountID, kind, requested, compute, opts)
		res = r
		return err
	})
	if err != nil {
		l.rejected(ctx, op, accountID, err)
		return nil, err
	}

	l.plugins.EmitBalanceChanged(ctx, res.Entry)
	l.logger.Debug("balance changed",
		"op", op,
		"account_id", accountID,
		"kind", res.Entry.Kind,
		"amount", res.Entry.Amount,
		"balance", res.NewBalance,
		"seq", res.Entry.Seq,
	)
	return res, nil
}

// apply locks the account, computes the new balance from the locked value
// and writes the balance together with its entry. It must run inside a
// transaction; callers that also touch an order lock it first.
func (l *Ledger) apply(
	ctx context.Context,
	tx store.Tx,
	accountID id.AccountID,
	kind entry.Kind,
	requested types.Amount,
	compute func(types.Amount) types.Amount,
	opts []EntryOption,
) (*Result, error) {
	a, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	next := compute(a.Balance)
	if next.IsNegative() {
		return nil, &InsufficientBalanceError{
			AccountID: accountID,
			Balance:   a.Balance,
			Requested: requested,
		}
	}

	e := &entry.Entry{
		ID:            id.NewEntryID(),
		AccountID:     accountID,
		Kind:          kind,
		Amount:        next.Sub(a.Balance),
		BalanceBefore: a.Balance,
		BalanceAfter:  next,
		CreatedAt:     l.now(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := tx.UpdateBalance(ctx, accountID, next); err != nil {
		return nil, err
	}
	if err := tx.InsertEntry(ctx, e); err != nil {
		return nil, err
	}

	return &Result{PreviousBalance: a.Balance, NewBalance: next, Entry: e}, nil
}

// rejected logs a failed mutation and announces insufficient balance.
func (l *Ledger) rejected(ctx context.Context, op string, accountID id.AccountID, err error) {
	l.logFailure(op, err, "account_id", accountID)
	if ib, ok := asInsufficient(err); ok {
		l.plugins.EmitInsufficientBalance(ctx, ib.AccountID, ib.Balance, ib.Requested)
	}
}
