// Package observability provides a metrics extension for the balance ledger
// that records money movement and settlement events via a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/plugin"
	"github.com/xraph/balance/types"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnBalanceChanged      = (*MetricsExtension)(nil)
	_ plugin.OnInsufficientBalance = (*MetricsExtension)(nil)
	_ plugin.OnOrderCreated        = (*MetricsExtension)(nil)
	_ plugin.OnOrderTransitioned   = (*MetricsExtension)(nil)
	_ plugin.OnDuplicateCallback   = (*MetricsExtension)(nil)
	_ plugin.OnCallbackConflict    = (*MetricsExtension)(nil)
	_ plugin.OnCallbackFailed      = (*MetricsExtension)(nil)
	_ plugin.OnRefunded            = (*MetricsExtension)(nil)
	_ plugin.OnRefundFailed        = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records ledger and settlement metrics.
// Register it as a ledger plugin.
type MetricsExtension struct {
	// Balance metrics
	EntriesWritten       Counter
	Credited             Counter
	Debited              Counter
	EntryAmount          Histogram
	InsufficientBalances Counter

	// Order metrics
	OrdersCreated   Counter
	OrdersCompleted Counter
	OrdersFailed    Counter
	OrdersCancelled Counter
	OrdersExpired   Counter
	OrdersRefunded  Counter

	// Callback metrics
	CallbacksDuplicate Counter
	CallbacksConflict  Counter
	CallbacksFailed    Counter

	// Refund metrics
	Refunds       Counter
	RefundsFailed Counter
	RefundAmount  Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		EntriesWritten:       factory.Counter("balance.entries.written"),
		Credited:             factory.Counter("balance.credited.total"),
		Debited:              factory.Counter("balance.debited.total"),
		EntryAmount:          factory.Histogram("balance.entry.amount"),
		InsufficientBalances: factory.Counter("balance.insufficient"),

		OrdersCreated:   factory.Counter("balance.order.created"),
		OrdersCompleted: factory.Counter("balance.order.completed"),
		OrdersFailed:    factory.Counter("balance.order.failed"),
		OrdersCancelled: factory.Counter("balance.order.cancelled"),
		OrdersExpired:   factory.Counter("balance.order.expired"),
		OrdersRefunded:  factory.Counter("balance.order.refunded"),

		CallbacksDuplicate: factory.Counter("balance.callback.duplicate"),
		CallbacksConflict:  factory.Counter("balance.callback.conflict"),
		CallbacksFailed:    factory.Counter("balance.callback.failed"),

		Refunds:       factory.Counter("balance.refund.applied"),
		RefundsFailed: factory.Counter("balance.refund.failed"),
		RefundAmount:  factory.Histogram("balance.refund.amount"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnBalanceChanged implements plugin.OnBalanceChanged.
func (m *MetricsExtension) OnBalanceChanged(_ context.Context, e *entry.Entry) error {
	m.EntriesWritten.Inc()
	amount := e.Amount.Abs().Float64()
	m.EntryAmount.Observe(amount)
	if e.Amount.IsNegative() {
		m.Debited.Add(amount)
	} else {
		m.Credited.Add(amount)
	}
	return nil
}

// OnInsufficientBalance implements plugin.OnInsufficientBalance.
func (m *MetricsExtension) OnInsufficientBalance(_ context.Context, _ id.AccountID, _, _ types.Amount) error {
	m.InsufficientBalances.Inc()
	return nil
}

// OnOrderCreated implements plugin.OnOrderCreated.
func (m *MetricsExtension) OnOrderCreated(_ context.Context, _ *order.Order) error {
	m.OrdersCreated.Inc()
	return nil
}

// OnOrderTransitioned implements plugin.OnOrderTransitioned.
func (m *MetricsExtension) OnOrderTransitioned(_ context.Context, o *order.Order, _ order.State) error {
	switch o.State {
	case order.StateCompleted:
		m.OrdersCompleted.Inc()
	case order.StateFailed:
		m.OrdersFailed.Inc()
	case order.StateCancelled:
		m.OrdersCancelled.Inc()
	case order.StateExpired:
		m.OrdersExpired.Inc()
	case order.StateRefunded:
		m.OrdersRefunded.Inc()
	}
	return nil
}

// OnDuplicateCallback implements plugin.OnDuplicateCallback.
func (m *MetricsExtension) OnDuplicateCallback(_ context.Context, _ *order.Order, _ string) error {
	m.CallbacksDuplicate.Inc()
	return nil
}

// OnCallbackConflict implements plugin.OnCallbackConflict.
func (m *MetricsExtension) OnCallbackConflict(_ context.Context, _ *order.Order, _ string, _ order.Outcome) error {
	m.CallbacksConflict.Inc()
	return nil
}

// OnCallbackFailed implements plugin.OnCallbackFailed.
func (m *MetricsExtension) OnCallbackFailed(_ context.Context, _ string, _ order.Outcome, _ error) error {
	m.CallbacksFailed.Inc()
	return nil
}

// OnRefunded implements plugin.OnRefunded.
func (m *MetricsExtension) OnRefunded(_ context.Context, e *entry.Entry, _ *order.Order) error {
	m.Refunds.Inc()
	m.RefundAmount.Observe(e.Amount.Float64())
	return nil
}

// OnRefundFailed implements plugin.OnRefundFailed.
func (m *MetricsExtension) OnRefundFailed(_ context.Context, _ id.AccountID, _ id.OrderID, _ types.Amount, _ int, _ error) error {
	m.RefundsFailed.Inc()
	return nil
}
