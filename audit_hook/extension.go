// Package audithook bridges balance and settlement events to an audit
// trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/plugin"
	"github.com/xraph/balance/types"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnBalanceChanged      = (*Extension)(nil)
	_ plugin.OnInsufficientBalance = (*Extension)(nil)
	_ plugin.OnOrderCreated        = (*Extension)(nil)
	_ plugin.OnOrderTransitioned   = (*Extension)(nil)
	_ plugin.OnDuplicateCallback   = (*Extension)(nil)
	_ plugin.OnCallbackConflict    = (*Extension)(nil)
	_ plugin.OnCallbackFailed      = (*Extension)(nil)
	_ plugin.OnRefunded            = (*Extension)(nil)
	_ plugin.OnRefundFailed        = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a backend-neutral audit record.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges ledger events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Balance hooks
// ──────────────────────────────────────────────────

// OnBalanceChanged implements plugin.OnBalanceChanged.
func (e *Extension) OnBalanceChanged(ctx context.Context, en *entry.Entry) error {
	return e.record(ctx, ActionBalanceChanged, SeverityInfo, OutcomeSuccess,
		ResourceAccount, en.AccountID.String(), CategoryBalance, nil,
		"entry_id", en.ID.String(),
		"kind", string(en.Kind),
		"amount", en.Amount.String(),
		"balance_before", en.BalanceBefore.String(),
		"balance_after", en.BalanceAfter.String(),
		"seq", en.Seq,
		"order_id", en.OrderID.String(),
		"note", en.Note,
	)
}

// OnInsufficientBalance implements plugin.OnInsufficientBalance.
func (e *Extension) OnInsufficientBalance(ctx context.Context, accountID id.AccountID, balance, requested types.Amount) error {
	return e.record(ctx, ActionInsufficientBalance, SeverityWarning, OutcomeFailure,
		ResourceAccount, accountID.String(), CategoryBalance, nil,
		"balance", balance.String(),
		"requested", requested.String(),
	)
}

// ──────────────────────────────────────────────────
// Order hooks
// ──────────────────────────────────────────────────

// OnOrderCreated implements plugin.OnOrderCreated.
func (e *Extension) OnOrderCreated(ctx context.Context, o *order.Order) error {
	return e.record(ctx, ActionOrderCreated, SeverityInfo, OutcomeSuccess,
		ResourceOrder, o.ID.String(), CategorySettlement, nil,
		"account_id", o.AccountID.String(),
		"type", string(o.Type),
		"reference", o.Reference,
		"price", o.Price.String(),
	)
}

// OnOrderTransitioned implements plugin.OnOrderTransitioned.
func (e *Extension) OnOrderTransitioned(ctx context.Context, o *order.Order, from order.State) error {
	action, severity, outcome := ActionOrderSettled, SeverityInfo, OutcomeSuccess
	switch o.State {
	case order.StateExpired:
		action, severity, outcome = ActionOrderExpired, SeverityWarning, OutcomeFailure
	case order.StateCancelled:
		action, outcome = ActionOrderCancelled, OutcomeFailure
	case order.StateFailed:
		outcome = OutcomeFailure
	}
	return e.record(ctx, action, severity, outcome,
		ResourceOrder, o.ID.String(), CategorySettlement, nil,
		"account_id", o.AccountID.String(),
		"reference", o.Reference,
		"from", string(from),
		"to", string(o.State),
		"price", o.Price.String(),
	)
}

// ──────────────────────────────────────────────────
// Callback hooks
// ──────────────────────────────────────────────────

// OnDuplicateCallback implements plugin.OnDuplicateCallback.
func (e *Extension) OnDuplicateCallback(ctx context.Context, o *order.Order, reference string) error {
	return e.record(ctx, ActionCallbackDuplicate, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, o.ID.String(), CategoryIntegration, nil,
		"reference", reference,
		"state", string(o.State),
	)
}

// OnCallbackConflict implements plugin.OnCallbackConflict.
func (e *Extension) OnCallbackConflict(ctx context.Context, o *order.Order, reference string, outcome order.Outcome) error {
	return e.record(ctx, ActionCallbackConflict, SeverityError, OutcomeFailure,
		ResourceWebhook, o.ID.String(), CategoryIntegration, nil,
		"reference", reference,
		"outcome", string(outcome),
		"state", string(o.State),
		"settled_by", o.LastCallbackReference,
	)
}

// OnCallbackFailed implements plugin.OnCallbackFailed.
func (e *Extension) OnCallbackFailed(ctx context.Context, reference string, outcome order.Outcome, err error) error {
	return e.record(ctx, ActionCallbackFailed, SeverityCritical, OutcomeFailure,
		ResourceWebhook, reference, CategoryIntegration, err,
		"reference", reference,
		"outcome", string(outcome),
	)
}

// ──────────────────────────────────────────────────
// Refund hooks
// ──────────────────────────────────────────────────

// OnRefunded implements plugin.OnRefunded.
func (e *Extension) OnRefunded(ctx context.Context, en *entry.Entry, o *order.Order) error {
	kv := []any{
		"entry_id", en.ID.String(),
		"amount", en.Amount.String(),
		"balance_after", en.BalanceAfter.String(),
	}
	if o != nil {
		kv = append(kv, "order_id", o.ID.String(), "reference", o.Reference)
	}
	return e.record(ctx, ActionRefundApplied, SeverityInfo, OutcomeSuccess,
		ResourceAccount, en.AccountID.String(), CategoryRefund, nil, kv...)
}

// OnRefundFailed implements plugin.OnRefundFailed.
func (e *Extension) OnRefundFailed(ctx context.Context, accountID id.AccountID, orderID id.OrderID, amount types.Amount, attempts int, err error) error {
	return e.record(ctx, ActionRefundFailed, SeverityCritical, OutcomeFailure,
		ResourceAccount, accountID.String(), CategoryRefund, err,
		"order_id", orderID.String(),
		"amount", amount.String(),
		"attempts", attempts,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
