package balance

import (
	"context"
	"errors"

	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/retry"
	"github.com/xraph/balance/store"
	"github.com/xraph/balance/types"
)

// RefundRequest returns money to an account, optionally against an order.
//
// Against an order, Amount may be zero to return the full price and must
// never exceed it. Only purchase orders can be refunded.
type RefundRequest struct {
	AccountID id.AccountID
	OrderID   id.OrderID
	Amount    types.Amount
	Reason    string
}

// RefundResult reports what a refund did. Applied is false when the order
// was already refunded or otherwise settled, in which case no money moved.
type RefundResult struct {
	Applied         bool
	PreviousBalance types.Amount
	NewBalance      types.Amount
	Entry           *entry.Entry
	Order           *order.Order
}

// Refund credits the account and, when an order is given, moves it to
// refunded in the same transaction. Refunding an order twice is a no-op.
func (l *Ledger) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := validateRefund(req); err != nil {
		return nil, err
	}

	var (
		out  RefundResult
		from order.State
	)
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out = RefundResult{}
		amount := req.Amount
		opts := []EntryOption{WithDescription(req.Reason)}

		if !req.OrderID.IsNil() {
			o, err := tx.LockOrder(ctx, req.OrderID)
			if err != nil {
				return err
			}
			if o.AccountID != req.AccountID {
				return &ValidationError{Field: "order_id", Message: "belongs to another account"}
			}
			out.Order, from = o, o.State
			if o.State.IsTerminal() {
				return nil
			}
			if o.Type != order.TypePurchase {
				return &ValidationError{Field: "order_id", Message: "only purchase orders can be refunded"}
			}
			if amount.IsZero() {
				amount = o.Price
			}
			if !amount.IsPositive() {
				return &ValidationError{Field: "amount", Message: "order has nothing to refund"}
			}
			if o.Price.LessThan(amount) {
				return &ValidationError{Field: "amount", Message: "exceeds the order price " + o.Price.String()}
			}
			opts = append(opts, WithOrder(o.ID))
		}

		res, err := l.apply(ctx, tx, req.AccountID, entry.KindRefund, amount, func(cur types.Amount) types.Amount {
			return cur.Add(amount)
		}, opts)
		if err != nil {
			return err
		}
		out.Applied = true
		out.PreviousBalance, out.NewBalance, out.Entry = res.PreviousBalance, res.NewBalance, res.Entry

		if o := out.Order; o != nil {
			now := l.now()
			o.State = order.StateRefunded
			o.SettledAt = &now
			return tx.UpdateOrder(ctx, o)
		}
		return nil
	})
	if err != nil {
		l.logFailure("refund", err, "account_id", req.AccountID, "order_id", req.OrderID, "amount", req.Amount)
		return nil, err
	}

	if !out.Applied {
		if out.Order.State == order.StateRefunded {
			l.logger.Info("refund skipped: order already refunded", "order_id", out.Order.ID)
		} else {
			l.logger.Warn("refund skipped: order already settled",
				"order_id", out.Order.ID,
				"state", out.Order.State,
			)
		}
		return &out, nil
	}

	l.plugins.EmitBalanceChanged(ctx, out.Entry)
	l.plugins.EmitRefunded(ctx, out.Entry, out.Order)
	if out.Order != nil {
		l.plugins.EmitOrderTransitioned(ctx, out.Order, from)
	}
	l.logger.Info("refund applied",
		"account_id", req.AccountID,
		"order_id", req.OrderID,
		"amount", out.Entry.Amount,
		"balance", out.NewBalance,
	)
	return &out, nil
}

// RefundWithRetry runs Refund, retrying conflicts and store outages with
// linear backoff. maxAttempts <= 0 uses the ledger default.
//
// Exhausting the attempts yields a *FatalRefundError: the money has not
// been returned and the failure is logged and announced so an operator
// can reconcile it. Errors that cannot succeed on retry, such as a
// missing account, are returned after the first attempt.
func (l *Ledger) RefundWithRetry(ctx context.Context, req RefundRequest, maxAttempts int) (*RefundResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = l.refundMaxAttempts
	}
	policy := retry.Policy{
		MaxAttempts: maxAttempts,
		Backoff:     retry.Linear(l.refundBaseDelay),
		Retryable:   IsRetryable,
	}

	res, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (*RefundResult, error) {
		res, err := l.Refund(ctx, req)
		if err != nil && IsRetryable(err) {
			l.logger.Warn("refund attempt failed",
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"account_id", req.AccountID,
				"error", err,
			)
		}
		return res, err
	})
	if err == nil {
		return res, nil
	}

	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) {
		return nil, err
	}

	fatal := &FatalRefundError{
		AccountID: req.AccountID,
		OrderID:   req.OrderID,
		Amount:    req.Amount,
		Attempts:  exhausted.Attempts,
		Err:       exhausted.Last,
	}
	l.logger.Error("refund failed permanently",
		"account_id", req.AccountID,
		"order_id", req.OrderID,
		"amount", req.Amount,
		"attempts", exhausted.Attempts,
		"error", exhausted.Last,
	)
	l.plugins.EmitRefundFailed(ctx, req.AccountID, req.OrderID, req.Amount, exhausted.Attempts, exhausted.Last)
	return nil, fatal
}

func validateRefund(req RefundRequest) error {
	switch {
	case req.AccountID.IsNil():
		return &ValidationError{Field: "account_id", Message: "is required"}
	case req.Amount.IsNegative():
		return &ValidationError{Field: "amount", Message: "must not be negative"}
	case req.Amount.IsZero() && req.OrderID.IsNil():
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	return nil
}
