package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/types"
)

// DefaultHookTimeout bounds a single hook invocation.
const DefaultHookTimeout = 5 * time.Second

// Registry holds registered plugins with their hook interfaces resolved
// once at registration time.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                []OnInit
	onShutdown            []OnShutdown
	onBalanceChanged      []OnBalanceChanged
	onInsufficientBalance []OnInsufficientBalance
	onOrderCreated        []OnOrderCreated
	onOrderTransitioned   []OnOrderTransitioned
	onDuplicateCallback   []OnDuplicateCallback
	onCallbackConflict    []OnCallbackConflict
	onCallbackFailed      []OnCallbackFailed
	onRefunded            []OnRefunded
	onRefundFailed        []OnRefundFailed
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a plugin and caches the hooks it implements.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}
	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnBalanceChanged); ok {
		r.onBalanceChanged = append(r.onBalanceChanged, v)
	}
	if v, ok := p.(OnInsufficientBalance); ok {
		r.onInsufficientBalance = append(r.onInsufficientBalance, v)
	}
	if v, ok := p.(OnOrderCreated); ok {
		r.onOrderCreated = append(r.onOrderCreated, v)
	}
	if v, ok := p.(OnOrderTransitioned); ok {
		r.onOrderTransitioned = append(r.onOrderTransitioned, v)
	}
	if v, ok := p.(OnDuplicateCallback); ok {
		r.onDuplicateCallback = append(r.onDuplicateCallback, v)
	}
	if v, ok := p.(OnCallbackConflict); ok {
		r.onCallbackConflict = append(r.onCallbackConflict, v)
	}
	if v, ok := p.(OnCallbackFailed); ok {
		r.onCallbackFailed = append(r.onCallbackFailed, v)
	}
	if v, ok := p.(OnRefunded); ok {
		r.onRefunded = append(r.onRefunded, v)
	}
	if v, ok := p.(OnRefundFailed); ok {
		r.onRefundFailed = append(r.onRefundFailed, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implemented(p),
	)
	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnBalanceChanged", reflect.TypeFor[OnBalanceChanged]()},
	{"OnInsufficientBalance", reflect.TypeFor[OnInsufficientBalance]()},
	{"OnOrderCreated", reflect.TypeFor[OnOrderCreated]()},
	{"OnOrderTransitioned", reflect.TypeFor[OnOrderTransitioned]()},
	{"OnDuplicateCallback", reflect.TypeFor[OnDuplicateCallback]()},
	{"OnCallbackConflict", reflect.TypeFor[OnCallbackConflict]()},
	{"OnCallbackFailed", reflect.TypeFor[OnCallbackFailed]()},
	{"OnRefunded", reflect.TypeFor[OnRefunded]()},
	{"OnRefundFailed", reflect.TypeFor[OnRefundFailed]()},
}

func implemented(p Plugin) []string {
	t := reflect.TypeOf(p)
	var names []string
	for _, h := range hookTypes {
		if t.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name, or nil.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins in registration order.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// ──────────────────────────────────────────────────
// Event emission
// ──────────────────────────────────────────────────

func snapshot[T any](r *Registry, list *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *list
}

func emit[T Plugin](ctx context.Context, r *Registry, hook string, plugins []T, call func(T) error) {
	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return call(p) }); err != nil {
			r.logger.Warn("plugin hook failed",
				"hook", hook,
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, l any) {
	emit(ctx, r, "OnInit", snapshot(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, l)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", snapshot(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitBalanceChanged announces a committed ledger entry.
func (r *Registry) EmitBalanceChanged(ctx context.Context, e *entry.Entry) {
	emit(ctx, r, "OnBalanceChanged", snapshot(r, &r.onBalanceChanged), func(p OnBalanceChanged) error {
		return p.OnBalanceChanged(ctx, e)
	})
}

// EmitInsufficientBalance announces a rejected mutation.
func (r *Registry) EmitInsufficientBalance(ctx context.Context, accountID id.AccountID, balance, requested types.Amount) {
	emit(ctx, r, "OnInsufficientBalance", snapshot(r, &r.onInsufficientBalance), func(p OnInsufficientBalance) error {
		return p.OnInsufficientBalance(ctx, accountID, balance, requested)
	})
}

// EmitOrderCreated announces a new order.
func (r *Registry) EmitOrderCreated(ctx context.Context, o *order.Order) {
	emit(ctx, r, "OnOrderCreated", snapshot(r, &r.onOrderCreated), func(p OnOrderCreated) error {
		return p.OnOrderCreated(ctx, o)
	})
}

// EmitOrderTransitioned announces a committed state change.
func (r *Registry) EmitOrderTransitioned(ctx context.Context, o *order.Order, from order.State) {
	emit(ctx, r, "OnOrderTransitioned", snapshot(r, &r.onOrderTransitioned), func(p OnOrderTransitioned) error {
		return p.OnOrderTransitioned(ctx, o, from)
	})
}

// EmitDuplicateCallback announces an acknowledged redelivery.
func (r *Registry) EmitDuplicateCallback(ctx context.Context, o *order.Order, reference string) {
	emit(ctx, r, "OnDuplicateCallback", snapshot(r, &r.onDuplicateCallback), func(p OnDuplicateCallback) error {
		return p.OnDuplicateCallback(ctx, o, reference)
	})
}

// EmitCallbackConflict announces a callback against an order settled by
// something else.
func (r *Registry) EmitCallbackConflict(ctx context.Context, o *order.Order, reference string, outcome order.Outcome) {
	emit(ctx, r, "OnCallbackConflict", snapshot(r, &r.onCallbackConflict), func(p OnCallbackConflict) error {
		return p.OnCallbackConflict(ctx, o, reference, outcome)
	})
}

// EmitCallbackFailed announces a callback that could not be applied.
func (r *Registry) EmitCallbackFailed(ctx context.Context, reference string, outcome order.Outcome, err error) {
	emit(ctx, r, "OnCallbackFailed", snapshot(r, &r.onCallbackFailed), func(p OnCallbackFailed) error {
		return p.OnCallbackFailed(ctx, reference, outcome, err)
	})
}

// EmitRefunded announces a committed refund.
func (r *Registry) EmitRefunded(ctx context.Context, e *entry.Entry, o *order.Order) {
	emit(ctx, r, "OnRefunded", snapshot(r, &r.onRefunded), func(p OnRefunded) error {
		return p.OnRefunded(ctx, e, o)
	})
}

// EmitRefundFailed announces a refund that exhausted its retries.
func (r *Registry) EmitRefundFailed(ctx context.Context, accountID id.AccountID, orderID id.OrderID, amount types.Amount, attempts int, err error) {
	emit(ctx, r, "OnRefundFailed", snapshot(r, &r.onRefundFailed), func(p OnRefundFailed) error {
		return p.OnRefundFailed(ctx, accountID, orderID, amount, attempts, err)
	})
}

// callWithTimeout runs fn, giving up after the registry timeout or when
// ctx is done. A hook that times out keeps running in the background.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
