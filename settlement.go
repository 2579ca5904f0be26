package balance

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/store"
	"github.com/xraph/balance/types"
)

// ──────────────────────────────────────────────────
// Order creation
// ──────────────────────────────────────────────────

// CreateOrder persists a new pending order.
//
// Purchase orders are prepaid: the price is debited in the same
// transaction that inserts the order, and the call fails with an
// *InsufficientBalanceError when the account cannot cover it. Topup
// orders move no money until they complete.
func (l *Ledger) CreateOrder(ctx context.Context, o *order.Order) error {
	if err := l.validateOrder(o); err != nil {
		return err
	}

	now := l.now()
	if o.ID.IsNil() {
		o.ID = id.NewOrderID()
	}
	o.Entity = types.Entity{CreatedAt: now, UpdatedAt: now}
	o.State = order.StatePending
	o.LastCallbackReference = ""
	o.SettledAt = nil
	if o.ExpiresAt == nil && l.orderTTL > 0 {
		deadline := now.Add(l.orderTTL)
		o.ExpiresAt = &deadline
	}

	var debit *Result
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		if o.Type != order.TypePurchase || o.Price.IsZero() {
			return nil
		}
		res, err := l.apply(ctx, tx, o.AccountID, entry.KindPurchaseDebit, o.Price, func(cur types.Amount) types.Amount {
			return cur.Sub(o.Price)
		}, []EntryOption{WithOrder(o.ID), WithDescription("purchase " + o.Reference)})
		debit = res
		return err
	})
	if err != nil {
		l.rejected(ctx, "create_order", o.AccountID, err)
		return err
	}

	if debit != nil {
		l.plugins.EmitBalanceChanged(ctx, debit.Entry)
	}
	l.plugins.EmitOrderCreated(ctx, o)
	l.logger.Info("order created",
		"order_id", o.ID,
		"account_id", o.AccountID,
		"type", o.Type,
		"reference", o.Reference,
		"price", o.Price,
	)
	return nil
}

// PlaceOrder is shorthand for creating a prepaid purchase order.
func (l *Ledger) PlaceOrder(ctx context.Context, accountID id.AccountID, reference string, price types.Amount, md map[string]string) (*order.Order, error) {
	o := &order.Order{
		AccountID: accountID,
		Type:      order.TypePurchase,
		Reference: reference,
		Price:     price,
		Metadata:  maps.Clone(md),
	}
	if err := l.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (l *Ledger) validateOrder(o *order.Order) error {
	switch {
	case o.AccountID.IsNil():
		return &ValidationError{Field: "account_id", Message: "is required"}
	case !o.Type.Valid():
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown order type %q", o.Type)}
	case o.Reference == "":
		return &ValidationError{Field: "reference", Message: "is required"}
	case o.Price.IsNegative():
		return &ValidationError{Field: "price", Message: "must not be negative"}
	}
	return nil
}

// GetOrder returns an order by ID.
func (l *Ledger) GetOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error) {
	return l.store.GetOrder(ctx, orderID)
}

// GetOrderByReference returns an order by its external reference.
func (l *Ledger) GetOrderByReference(ctx context.Context, reference string) (*order.Order, error) {
	return l.store.GetOrderByReference(ctx, reference)
}

// ListOrders returns orders for an account, newest first.
func (l *Ledger) ListOrders(ctx context.Context, accountID id.AccountID, opts order.ListOpts) ([]*order.Order, error) {
	return l.store.ListOrders(ctx, accountID, opts)
}

// ──────────────────────────────────────────────────
// Callbacks
// ──────────────────────────────────────────────────

// Callback is a provider notification about the outcome of an order.
type Callback struct {
	Reference string            `json:"reference"`
	Outcome   order.Outcome     `json:"outcome"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AckStatus tells what ApplyCallback did with a callback.
type AckStatus string

const (
	// AckApplied: the order settled and its balance effect committed.
	AckApplied AckStatus = "applied"
	// AckDuplicate: the same callback already settled the order.
	AckDuplicate AckStatus = "duplicate"
	// AckConflict: the order was already settled by something else.
	AckConflict AckStatus = "conflict"
	// AckUnknownReference: no order carries the reference.
	AckUnknownReference AckStatus = "unknown_reference"
	// AckFailed: applying the callback failed and was rolled back.
	AckFailed AckStatus = "failed"
)

// Ack is the outcome of ApplyCallback. Every status is acknowledged to
// the provider; Err is set only for AckFailed.
type Ack struct {
	Status AckStatus
	Order  *order.Order
	Entry  *entry.Entry
	Err    error
}

// ApplyCallback settles the order identified by cb.Reference.
//
// The order row is locked for the whole decision, so of any number of
// concurrent deliveries exactly one applies and the rest observe the
// settled order. A terminal order is never changed: a redelivery of the
// callback that settled it, with the same outcome, is a duplicate, and
// anything else is a conflict.
func (l *Ledger) ApplyCallback(ctx context.Context, cb Callback) Ack {
	if cb.Reference == "" {
		l.logger.Warn("callback without reference ignored", "outcome", cb.Outcome)
		return Ack{Status: AckUnknownReference}
	}

	var (
		status AckStatus
		from   order.State
		o      *order.Order
		effect *entry.Entry
	)
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockOrderByReference(ctx, cb.Reference)
		if err != nil {
			return err
		}
		o, from = locked, locked.State

		if o.State.IsTerminal() {
			if o.SettledBy(cb.Reference, cb.Outcome) {
				status = AckDuplicate
			} else {
				status = AckConflict
			}
			return nil
		}

		now := l.now()
		o.LastCallbackReference = cb.Reference
		o.SettledAt = &now
		if len(cb.Metadata) > 0 {
			if o.Metadata == nil {
				o.Metadata = make(map[string]string, len(cb.Metadata))
			}
			maps.Copy(o.Metadata, cb.Metadata)
		}
		effect, err = l.settle(ctx, tx, o, cb.Outcome.Target())
		if err != nil {
			return err
		}
		status = AckApplied
		return nil
	})

	switch {
	case errors.Is(err, ErrOrderNotFound):
		l.logger.Warn("callback for unknown reference", "reference", cb.Reference, "outcome", cb.Outcome)
		return Ack{Status: AckUnknownReference}
	case err != nil:
		l.logger.Error("callback failed",
			"reference", cb.Reference,
			"outcome", cb.Outcome,
			"error", err,
		)
		l.plugins.EmitCallbackFailed(ctx, cb.Reference, cb.Outcome, err)
		return Ack{Status: AckFailed, Err: err}
	}

	switch status {
	case AckDuplicate:
		l.logger.Info("duplicate callback acknowledged", "order_id", o.ID, "reference", cb.Reference, "state", o.State)
		l.plugins.EmitDuplicateCallback(ctx, o, cb.Reference)
	case AckConflict:
		l.logger.Warn("callback for order settled elsewhere",
			"order_id", o.ID,
			"reference", cb.Reference,
			"outcome", cb.Outcome,
			"state", o.State,
		)
		l.plugins.EmitCallbackConflict(ctx, o, cb.Reference, cb.Outcome)
	default:
		l.settled(ctx, o, from, effect)
	}
	return Ack{Status: status, Order: o, Entry: effect}
}

// ──────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────

// Transition moves an order to another state outside the callback path,
// applying the same balance effect a callback would. Refunded is reached
// only through Refund.
//
// A terminal order is left unchanged and reported with changed=false. A
// non-terminal order asked to make an illegal move fails with
// ErrInvalidTransition.
func (l *Ledger) Transition(ctx context.Context, orderID id.OrderID, to order.State) (o *order.Order, changed bool, err error) {
	if !to.Valid() || to == order.StatePending {
		return nil, false, &ValidationError{Field: "state", Message: fmt.Sprintf("cannot transition to %q", to)}
	}
	if to == order.StateRefunded {
		return nil, false, &ValidationError{Field: "state", Message: "refunds go through Refund"}
	}

	var (
		from   order.State
		effect *entry.Entry
	)
	err = l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		o, from = locked, locked.State

		if o.State.IsTerminal() || o.State == to {
			return nil
		}
		if !order.CanTransition(o.State, to) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, o.State, to)
		}
		if to.IsTerminal() {
			now := l.now()
			o.SettledAt = &now
		}
		effect, err = l.settle(ctx, tx, o, to)
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		l.logFailure("transition", err, "order_id", orderID, "to", to)
		return nil, false, err
	}

	if !changed {
		l.logger.Info("order transition skipped", "order_id", o.ID, "state", o.State, "requested", to)
		return o, false, nil
	}
	l.settled(ctx, o, from, effect)
	return o, true, nil
}

// ExpireStale moves up to limit open orders past their deadline to
// expired. Each order settles in its own transaction; one failure does
// not stop the batch.
func (l *Ledger) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	candidates, err := l.store.ListExpirable(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, c := range candidates {
		var (
			o      *order.Order
			from   order.State
			effect *entry.Entry
			moved  bool
		)
		err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			locked, err := tx.LockOrder(ctx, c.ID)
			if err != nil {
				return err
			}
			o, from = locked, locked.State
			// Re-check under the lock: a callback may have won the race.
			if !o.Expired(now) {
				return nil
			}
			settledAt := l.now()
			o.SettledAt = &settledAt
			effect, err = l.settle(ctx, tx, o, order.StateExpired)
			moved = err == nil
			return err
		})
		if err != nil {
			l.logger.Error("order expiry failed", "order_id", c.ID, "error", err)
			errs = append(errs, fmt.Errorf("expire %s: %w", c.ID, err))
			continue
		}
		if moved {
			expired++
			l.settled(ctx, o, from, effect)
		}
	}

	if expired > 0 {
		l.logger.Info("expired stale orders", "count", expired)
	}
	return expired, errors.Join(errs...)
}

// settle moves a locked order to a new state and applies the balance
// effect of that state:
//
//	topup    → completed               credit the price
//	purchase → failed/cancelled/expired return the price
//
// Everything else leaves the balance alone.
func (l *Ledger) settle(ctx context.Context, tx store.Tx, o *order.Order, to order.State) (*entry.Entry, error) {
	if !order.CanTransition(o.State, to) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, o.State, to)
	}
	o.State = to

	var kind entry.Kind
	switch {
	case o.Type == order.TypeTopup && to == order.StateCompleted:
		kind = entry.KindTopup
	case o.Type == order.TypePurchase &&
		(to == order.StateFailed || to == order.StateCancelled || to == order.StateExpired):
		kind = entry.KindRefund
	}

	var effect *entry.Entry
	if kind != "" && o.Price.IsPositive() {
		res, err := l.apply(ctx, tx, o.AccountID, kind, o.Price, func(cur types.Amount) types.Amount {
			return cur.Add(o.Price)
		}, []EntryOption{WithOrder(o.ID), WithDescription(fmt.Sprintf("order %s %s", o.Reference, to))})
		if err != nil {
			return nil, err
		}
		effect = res.Entry
	}

	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}
	return effect, nil
}

// settled logs and announces a committed transition.
func (l *Ledger) settled(ctx context.Context, o *order.Order, from order.State, effect *entry.Entry) {
	attrs := []any{
		"order_id", o.ID,
		"reference", o.Reference,
		"from", from,
		"to", o.State,
	}
	if effect != nil {
		attrs = append(attrs, "amount", effect.Amount, "balance", effect.BalanceAfter)
		l.plugins.EmitBalanceChanged(ctx, effect)
	}
	l.logger.Info("order settled", attrs...)
	l.plugins.EmitOrderTransitioned(ctx, o, from)
}
