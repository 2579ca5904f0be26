// Package balance provides a transactional balance ledger with order
// settlement for Go applications.
//
// Balance is designed as a library, not a service. Import it directly into
// your Go application, or mount it into a Forge app through the extension
// package. It provides:
//
//   - Debit, credit and operator adjustments that can never take an
//     account below zero
//   - An append-only entry log that always replays to the stored balance
//   - Purchase and topup orders settled by idempotent provider callbacks
//   - Refunds with bounded retry and an alerting path when they give up
//   - Expiry of orders left open past their deadline
//   - Postgres, SQLite, MongoDB and in-memory stores
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/balance"
//	    "github.com/xraph/balance/store/memory"
//	)
//
//	l := balance.New(memory.New(), balance.WithOrderTTL(30*time.Minute))
//	if err := l.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Stop()
//
//	acct := &account.Account{UserID: "u1", Balance: balance.MustParse("1000")}
//	if err := l.CreateAccount(ctx, acct); err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := l.Debit(ctx, acct.ID, balance.MustParse("30"))
//
// # Concurrency
//
// Every mutation runs in one store transaction that locks the account row
// before reading its balance, so concurrent mutations on one account
// serialize while different accounts proceed in parallel. When both an
// order and its account are touched, the order is locked first. Lock
// waits are bounded; exceeding the bound fails with
// ErrConcurrencyConflict, which IsRetryable reports as safe to retry.
//
// # Settlement
//
// Purchase orders are prepaid when created. A callback moves an order to
// completed or failed exactly once:
//
//	ack := l.ApplyCallback(ctx, balance.Callback{
//	    Reference: "R1",
//	    Outcome:   order.OutcomeSuccess,
//	})
//
// A successful topup credits the price and a failed purchase returns it,
// in the same transaction as the state change. Redelivered callbacks are
// acknowledged as duplicates; callbacks for orders settled some other way
// are acknowledged as conflicts and never change the order.
//
// # Amounts
//
// Amounts are exact decimals with at most two fractional digits. Parse
// untrusted input with ParseAmount, which rejects NaN, infinities, excess
// precision and out of range values.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	acct_01h2xcejqtf2nbrexx3vqjhp41  // Account ID
//	lent_01h2xcejqtf2nbrexx3vqjhp41  // Entry ID
//	ord_01h455vb4pex5vsknk084sn02q   // Order ID
package balance
