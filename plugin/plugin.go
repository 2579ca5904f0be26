// Package plugin lets extensions observe ledger and settlement events.
//
// A plugin implements Plugin plus any of the hook interfaces below. Hooks
// run after the transaction that produced the event has committed, so a
// failing hook never rolls back money movement; failures are logged.
package plugin

import (
	"context"

	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/types"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the ledger starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, l any) error
}

// OnShutdown is called when the ledger stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Balance hooks
// ──────────────────────────────────────────────────

// OnBalanceChanged is called once per committed ledger entry.
type OnBalanceChanged interface {
	Plugin
	OnBalanceChanged(ctx context.Context, e *entry.Entry) error
}

// OnInsufficientBalance is called when a debit or adjustment is rejected
// because it would take the account below zero.
type OnInsufficientBalance interface {
	Plugin
	OnInsufficientBalance(ctx context.Context, accountID id.AccountID, balance, requested types.Amount) error
}

// ──────────────────────────────────────────────────
// Order hooks
// ──────────────────────────────────────────────────

// OnOrderCreated is called when a new order is persisted.
type OnOrderCreated interface {
	Plugin
	OnOrderCreated(ctx context.Context, o *order.Order) error
}

// OnOrderTransitioned is called after an order changes state.
type OnOrderTransitioned interface {
	Plugin
	OnOrderTransitioned(ctx context.Context, o *order.Order, from order.State) error
}

// OnDuplicateCallback is called when a redelivered callback is
// acknowledged without being reapplied.
type OnDuplicateCallback interface {
	Plugin
	OnDuplicateCallback(ctx context.Context, o *order.Order, reference string) error
}

// OnCallbackConflict is called when a callback targets an order that was
// settled by something else. The order is left untouched and needs
// investigation.
type OnCallbackConflict interface {
	Plugin
	OnCallbackConflict(ctx context.Context, o *order.Order, reference string, outcome order.Outcome) error
}

// OnCallbackFailed is called when applying a callback failed internally.
// The provider has still been acknowledged, so this hook is the alerting
// path for settlement failures.
type OnCallbackFailed interface {
	Plugin
	OnCallbackFailed(ctx context.Context, reference string, outcome order.Outcome, err error) error
}

// ──────────────────────────────────────────────────
// Refund hooks
// ──────────────────────────────────────────────────

// OnRefunded is called after a refund commits. o is nil for refunds not
// tied to an order.
type OnRefunded interface {
	Plugin
	OnRefunded(ctx context.Context, e *entry.Entry, o *order.Order) error
}

// OnRefundFailed is called when a refund exhausts its retries. The money
// has not moved and must be reconciled by an operator.
type OnRefundFailed interface {
	Plugin
	OnRefundFailed(ctx context.Context, accountID id.AccountID, orderID id.OrderID, amount types.Amount, attempts int, err error) error
}
