package balance_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/balance"
	"github.com/xraph/balance/account"
	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/store"
	"github.com/xraph/balance/store/memory"
	"github.com/xraph/balance/types"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func amt(s string) types.Amount { return types.MustParse(s) }

func newLedger(t *testing.T, opts ...balance.Option) (*balance.Ledger, *memory.Store) {
	t.Helper()
	s := memory.New(memory.WithLockTimeout(2 * time.Second))
	opts = append([]balance.Option{balance.WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return balance.New(s, opts...), s
}

func newAccount(t *testing.T, l *balance.Ledger, userID, opening string) *account.Account {
	t.Helper()
	a := &account.Account{UserID: userID, Balance: amt(opening)}
	if err := l.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount(%s): %v", userID, err)
	}
	return a
}

func balanceOf(t *testing.T, l *balance.Ledger, accountID id.AccountID) types.Amount {
	t.Helper()
	a, err := l.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return a.Balance
}

func assertBalance(t *testing.T, l *balance.Ledger, accountID id.AccountID, want string) {
	t.Helper()
	if got := balanceOf(t, l, accountID); !got.Equal(amt(want)) {
		t.Errorf("balance = %s, want %s", got, want)
	}
}

func assertReconciled(t *testing.T, l *balance.Ledger, accountID id.AccountID) {
	t.Helper()
	rec, err := l.Reconcile(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !rec.OK() {
		t.Errorf("reconciliation discrepancies: %v", rec.Discrepancies)
	}
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore fails the next n transactions with a conflict.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
	f.calls = 0
}

func (f *flakyStore) RunInTx(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return fmt.Errorf("%w: injected lock timeout", balance.ErrConcurrencyConflict)
	}
	f.mu.Unlock()
	return f.Store.RunInTx(ctx, fn)
}

// recorder counts plugin events.
type recorder struct {
	mu           sync.Mutex
	changed      []*entry.Entry
	insufficient int
	transitions  []order.State
	duplicates   int
	conflicts    int
	refunded     int
	refundFailed []int
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnBalanceChanged(_ context.Context, e *entry.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, e)
	return nil
}

func (r *recorder) OnInsufficientBalance(context.Context, id.AccountID, types.Amount, types.Amount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insufficient++
	return nil
}

func (r *recorder) OnOrderTransitioned(_ context.Context, o *order.Order, _ order.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, o.State)
	return nil
}

func (r *recorder) OnDuplicateCallback(context.Context, *order.Order, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicates++
	return nil
}

func (r *recorder) OnCallbackConflict(context.Context, *order.Order, string, order.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts++
	return nil
}

func (r *recorder) OnRefunded(context.Context, *entry.Entry, *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refunded++
	return nil
}

func (r *recorder) OnRefundFailed(_ context.Context, _ id.AccountID, _ id.OrderID, _ types.Amount, attempts int, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refundFailed = append(r.refundFailed, attempts)
	return nil
}

// ──────────────────────────────────────────────────
// Accounts and mutations
// ──────────────────────────────────────────────────

func TestCreateAccount(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	a := newAccount(t, l, "u1", "1000")
	if a.ID.IsNil() || a.ID.Prefix() != id.PrefixAccount {
		t.Fatalf("account id = %q", a.ID)
	}
	assertBalance(t, l, a.ID, "1000")

	entries, err := l.ListEntries(ctx, a.ID, entry.ListOpts{})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != entry.KindTopup || entries[0].Seq != 1 {
		t.Fatalf("opening entries = %+v", entries)
	}

	t.Run("duplicate user", func(t *testing.T) {
		err := l.CreateAccount(ctx, &account.Account{UserID: "u1"})
		if !errors.Is(err, balance.ErrAlreadyExists) {
			t.Errorf("err = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("negative opening", func(t *testing.T) {
		err := l.CreateAccount(ctx, &account.Account{UserID: "u2", Balance: amt("-1")})
		if !balance.IsValidation(err) {
			t.Errorf("err = %v, want validation error", err)
		}
	})

	t.Run("zero opening writes no entry", func(t *testing.T) {
		b := newAccount(t, l, "u3", "0")
		n, err := l.Store().CountEntries(ctx, b.ID)
		if err != nil || n != 0 {
			t.Errorf("CountEntries = %d, %v; want 0", n, err)
		}
	})
}

func TestConcurrentCreditAndDebit(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	a := newAccount(t, l, "u1", "1000")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := l.Credit(ctx, a.ID, amt("50"))
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := l.Debit(ctx, a.ID, amt("30"))
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("mutation failed: %v", err)
		}
	}

	assertBalance(t, l, a.ID, "1020")

	entries, err := l.ListEntries(ctx, a.ID, entry.ListOpts{})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	// Opening topup plus one entry per mutation, each chained to the last.
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if !entries[i].BalanceBefore.Equal(entries[i-1].BalanceAfter) {
			t.Errorf("entry %d before = %s, previous after = %s",
				i, entries[i].BalanceBefore, entries[i-1].BalanceAfter)
		}
	}
	assertReconciled(t, l, a.ID)
}

func TestDebitNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	a := newAccount(t, l, "u1", "100")

	const workers = 50
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, a.ID, amt("3"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, balance.ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 33 || rejected != workers-33 {
		t.Errorf("ok = %d rejected = %d, want 33 and %d", ok, rejected, workers-33)
	}
	assertBalance(t, l, a.ID, "1")
	assertReconciled(t, l, a.ID)
}

func TestDebit(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	l, _ := newLedger(t, balance.WithPlugin(rec))
	a := newAccount(t, l, "u1", "10")

	t.Run("insufficient balance writes nothing", func(t *testing.T) {
		_, err := l.Debit(ctx, a.ID, amt("20"))
		var ib *balance.InsufficientBalanceError
		if !errors.As(err, &ib) {
			t.Fatalf("err = %v, want InsufficientBalanceError", err)
		}
		if !ib.Balance.Equal(amt("10")) || !ib.Requested.Equal(amt("20")) {
			t.Errorf("error = %+v", ib)
		}
		assertBalance(t, l, a.ID, "10")
		if n, _ := l.Store().CountEntries(ctx, a.ID); n != 1 {
			t.Errorf("entries = %d, want 1", n)
		}
		if rec.insufficient != 1 {
			t.Errorf("insufficient events = %d, want 1", rec.insufficient)
		}
	})

	t.Run("exact balance reaches zero", func(t *testing.T) {
		res, err := l.Debit(ctx, a.ID, amt("10"), balance.WithDescription("all in"))
		if err != nil {
			t.Fatalf("Debit: %v", err)
		}
		if !res.NewBalance.IsZero() || !res.Entry.Amount.Equal(amt("-10")) {
			t.Errorf("result = %+v", res)
		}
		if res.Entry.Kind != entry.KindPurchaseDebit || res.Entry.Description != "all in" {
			t.Errorf("entry = %+v", res.Entry)
		}
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		for _, s := range []string{"0", "-5"} {
			if _, err := l.Debit(ctx, a.ID, amt(s)); !balance.IsValidation(err) {
				t.Errorf("Debit(%s) err = %v, want validation", s, err)
			}
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := l.Debit(ctx, id.NewAccountID(), amt("1"))
		if !errors.Is(err, balance.ErrAccountNotFound) {
			t.Errorf("err = %v, want ErrAccountNotFound", err)
		}
	})
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		action  balance.Action
		amount  string
		want    string
		delta   string
		wantErr error
		invalid bool
	}{
		{name: "add", action: balance.ActionAdd, amount: "25.50", want: "125.50", delta: "25.50"},
		{name: "subtract", action: balance.ActionSubtract, amount: "40", want: "60", delta: "-40"},
		{name: "set lower", action: balance.ActionSet, amount: "7", want: "7", delta: "-93"},
		{name: "set zero", action: balance.ActionSet, amount: "0", want: "0", delta: "-100"},
		{name: "subtract too much", action: balance.ActionSubtract, amount: "100.01", want: "100", wantErr: balance.ErrInsufficientBalance},
		{name: "zero add", action: balance.ActionAdd, amount: "0", want: "100", invalid: true},
		{name: "negative", action: balance.ActionSet, amount: "-1", want: "100", invalid: true},
		{name: "unknown action", action: "multiply", amount: "2", want: "100", invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newLedger(t)
			a := newAccount(t, l, "u1", "100")

			res, err := l.Adjust(ctx, a.ID, tt.action, amt(tt.amount), balance.WithNote("ticket 42"))
			switch {
			case tt.invalid:
				if !balance.IsValidation(err) {
					t.Fatalf("err = %v, want validation", err)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			default:
				if err != nil {
					t.Fatalf("Adjust: %v", err)
				}
				if res.Entry.Kind != entry.KindAdjustment || res.Entry.Note != "ticket 42" {
					t.Errorf("entry = %+v", res.Entry)
				}
				if !res.Entry.Amount.Equal(amt(tt.delta)) {
					t.Errorf("delta = %s, want %s", res.Entry.Amount, tt.delta)
				}
				if !res.PreviousBalance.Equal(amt("100")) {
					t.Errorf("previous = %s", res.PreviousBalance)
				}
			}
			assertBalance(t, l, a.ID, tt.want)
			assertReconciled(t, l, a.ID)
		})
	}
}

// ──────────────────────────────────────────────────
// Orders and callbacks
// ──────────────────────────────────────────────────

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, balance.WithOrderTTL(time.Hour))
	a := newAccount(t, l, "u1", "100")

	t.Run("purchase is prepaid", func(t *testing.T) {
		o, err := l.PlaceOrder(ctx, a.ID, "R1", amt("30"), map[string]string{"sku": "gem"})
		if err != nil {
			t.Fatalf("PlaceOrder: %v", err)
		}
		if o.State != order.StatePending || o.ExpiresAt == nil {
			t.Errorf("order = %+v", o)
		}
		assertBalance(t, l, a.ID, "70")

		linked, err := l.Store().ListEntriesByOrder(ctx, o.ID)
		if err != nil || len(linked) != 1 || linked[0].Kind != entry.KindPurchaseDebit {
			t.Errorf("order entries = %+v, %v", linked, err)
		}
	})

	t.Run("insufficient balance persists nothing", func(t *testing.T) {
		_, err := l.PlaceOrder(ctx, a.ID, "R2", amt("500"), nil)
		if !errors.Is(err, balance.ErrInsufficientBalance) {
			t.Fatalf("err = %v, want ErrInsufficientBalance", err)
		}
		if _, err := l.GetOrderByReference(ctx, "R2"); !errors.Is(err, balance.ErrOrderNotFound) {
			t.Errorf("order persisted despite failed debit: %v", err)
		}
		assertBalance(t, l, a.ID, "70")
	})

	t.Run("reference is unique", func(t *testing.T) {
		err := l.CreateOrder(ctx, &order.Order{AccountID: a.ID, Type: order.TypeTopup, Reference: "R1", Price: amt("5")})
		if !errors.Is(err, balance.ErrReferenceInUse) {
			t.Errorf("err = %v, want ErrReferenceInUse", err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		bad := []*order.Order{
			{Type: order.TypeTopup, Reference: "x", Price: amt("1")},
			{AccountID: a.ID, Type: "gift", Reference: "x", Price: amt("1")},
			{AccountID: a.ID, Type: order.TypeTopup, Price: amt("1")},
			{AccountID: a.ID, Type: order.TypeTopup, Reference: "x", Price: amt("-1")},
		}
		for i, o := range bad {
			if err := l.CreateOrder(ctx, o); !balance.IsValidation(err) {
				t.Errorf("case %d: err = %v, want validation", i, err)
			}
		}
	})
}

func TestApplyCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("topup success credits once", func(t *testing.T) {
		rec := &recorder{}
		l, _ := newLedger(t, balance.WithPlugin(rec))
		a := newAccount(t, l, "u1", "0")
		if err := l.CreateOrder(ctx, &order.Order{AccountID: a.ID, Type: order.TypeTopup, Reference: "R1", Price: amt("50")}); err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}

		ack := l.ApplyCallback(ctx, balance.Callback{Reference: "R1", Outcome: order.OutcomeSuccess})
		if ack.Status != balance.AckApplied || ack.Order.State != order.StateCompleted {
			t.Fatalf("ack = %+v", ack)
		}
		if ack.Entry == nil || ack.Entry.Kind != entry.KindTopup {
			t.Errorf("entry = %+v", ack.Entry)
		}
		assertBalance(t, l, a.ID, "50")

		again := l.ApplyCallback(ctx, balance.Callback{Reference: "R1", Outcome: order.OutcomeSuccess})
		if again.Status != balance.AckDuplicate {
			t.Errorf("redelivery status = %s, want duplicate", again.Status)
		}
		assertBalance(t, l, a.ID, "50")
		if rec.duplicates != 1 {
			t.Errorf("duplicate events = %d, want 1", rec.duplicates)
		}
	})

	t.Run("purchase failure returns price", func(t *testing.T) {
		l, _ := newLedger(t)
		a := newAccount(t, l, "u1", "100")
		if _, err := l.PlaceOrder(ctx, a.ID, "R1", amt("30"), nil); err != nil {
			t.Fatalf("PlaceOrder: %v", err)
		}

		ack := l.ApplyCallback(ctx, balance.Callback{
			Reference: "R1",
			Outcome:   order.OutcomeFailure,
			Metadata:  map[string]string{"provider_code": "E42"},
		})
		if ack.Status != balance.AckApplied || ack.Order.State != order.StateFailed {
			t.Fatalf("ack = %+v", ack)
		}
		if ack.Order.Metadata["provider_code"] != "E42" {
			t.Errorf("metadata = %v", ack.Order.Metadata)
		}
		assertBalance(t, l, a.ID, "100")
		assertReconciled(t, l, a.ID)
	})

	t.Run("purchase success keeps debit", func(t *testing.T) {
		l, _ := newLedger(t)
		a := newAccount(t, l, "u1", "100")
		if _, err := l.PlaceOrder(ctx, a.ID, "R1", amt("30"), nil); err != nil {
			t.Fatalf("PlaceOrder: %v", err)
		}
		ack := l.ApplyCallback(ctx, balance.Callback{Reference: "R1", Outcome: order.OutcomeSuccess})
		if ack.Status != balance.AckApplied || ack.Entry != nil {
			t.Fatalf("ack = %+v", ack)
		}
		assertBalance(t, l, a.ID, "70")
	})

	t.Run("unknown reference", func(t *testing.T) {
		l, _ := newLedger(t)
		for _, ref := range []string{"nope", ""} {
			ack := l.ApplyCallback(ctx, balance.Callback{Reference: ref, Outcome: order.OutcomeSuccess})
			if ack.Status != balance.AckUnknownReference {
				t.Errorf("ref %q status = %s, want unknown_reference", ref, ack.Status)
			}
		}
	})

	t.Run("order settled elsewhere is a conflict", func(t *testing.T) {
		rec := &recorder{}
		l, _ := newLedger(t, balance.WithPlugin(rec))
		a := newAccount(t, l, "u1", "100")
		o, err := l.PlaceOrder(ctx, a.ID, "R1", amt("30"), nil)
		if err != nil {
			t.Fatalf("PlaceOrder: %v", err)
		}
		if _, _, err := l.Transition(ctx, o.ID, order.StateCancelled); err != nil {
			t.Fatalf("Transition: %v", err)
		}
		assertBalance(t, l, a.ID, "100")

		ack := l.ApplyCallback(ctx, balance.Callback{Reference: "R1", Outcome: order.OutcomeSuccess})
		if ack.Status != balance.AckConflict || ack.Order.State != order.StateCancelled {
			t.Fatalf("ack = %+v", ack)
		}
		if rec.conflicts != 1 {
			t.Errorf("conflict events = %d, want 1", rec.conflicts)
		}
		assertBalance(t, l, a.ID, "100")
	})

	t.Run("contradicting redelivery is a conflict", func(t *testing.T) {
		rec := &recorder{}
		l, _ := newLedger(t, balance.WithPlugin(rec))
		a := newAccount(t, l, "u1", "0")
		if err := l.CreateOrder(ctx, &order.Order{AccountID: a.ID, Type: order.TypeTopup, Reference: "R1", Price: amt("20")}); err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
		l.ApplyCallback(ctx, balance.Callback{Reference: "R1", Outcome: order.OutcomeSuccess})

		ack := l.ApplyCallback(ctx, balance.Callback{Reference: "R1", Outcome: order.OutcomeFailure})
		if ack.Status != balance.AckConflict || ack.Order.State != order.StateCompleted {
			t.Fatalf("ack = %+v", ack)
		}
		if rec.conflicts != 1 || rec.duplicates != 0 {
			t.Errorf("conflicts = %d, duplicates = %d", rec.conflicts, rec.duplicates)
		}
		assertBalance(t, l, a.ID, "20")
	})

	t.Run("concurrent deliveries apply once", func(t *testing.T) {
		l, _ := newLedger(t)
		a := newAccount(t, l, "u1", "0")
		if err := l.CreateOrder(ctx, &order.Order{AccountID: a.ID, Type: order.TypeTopup, Reference: "R1", Price: amt("10")}); err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}

		const deliveries = 20
		statuses := make(chan balance.AckStatus, deliveries)
		var wg sync.WaitGroup
		for range deliveries {
			wg.Add(1)
			go func() {
				defer wg.Done()
				statuses <- l.ApplyCallback(ctx, balance.Callback{Reference: "R1", Outcome: order.OutcomeSuccess}).Status
			}()
		}
		wg.Wait()
		close(statuses)

		counts := map[balance.AckStatus]int{}
		for s := range statuses {
			counts[s]++
		}
		if counts[balance.AckApplied] != 1 || counts[balance.AckDuplicate] != deliveries-1 {
			t.Errorf("statuses = %v", counts)
		}
		assertBalance(t, l, a.ID, "10")
	})
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	l, _ := newLedger(t, balance.WithPlugin(rec))
	a := newAccount(t, l, "u1", "100")
	o, err := l.PlaceOrder(ctx, a.ID, "R1", amt("40"), nil)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	got, changed, err := l.Transition(ctx, o.ID, order.StateProcessing)
	if err != nil || !changed || got.State != order.StateProcessing {
		t.Fatalf("to processing = %+v, %v, %v", got, changed, err)
	}

	if _, _, err := l.Transition(ctx, o.ID, order.StatePending); !balance.IsValidation(err) {
		t.Errorf("to pending err = %v, want validation", err)
	}
	if _, _, err := l.Transition(ctx, o.ID, order.StateRefunded); !balance.IsValidation(err) {
		t.Errorf("to refunded err = %v, want validation", err)
	}

	got, changed, err = l.Transition(ctx, o.ID, order.StateCompleted)
	if err != nil || !changed || got.State != order.StateCompleted {
		t.Fatalf("to completed = %+v, %v, %v", got, changed, err)
	}
	assertBalance(t, l, a.ID, "60")

	got, changed, err = l.Transition(ctx, o.ID, order.StateFailed)
	if err != nil || changed || got.State != order.StateCompleted {
		t.Errorf("terminal order moved: %+v, %v, %v", got, changed, err)
	}
	assertBalance(t, l, a.ID, "60")

	if _, _, err := l.Transition(ctx, id.NewOrderID(), order.StateCancelled); !errors.Is(err, balance.ErrOrderNotFound) {
		t.Errorf("unknown order err = %v", err)
	}

	if len(rec.transitions) != 2 {
		t.Errorf("transition events = %v, want 2", rec.transitions)
	}
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l, _ := newLedger(t, balance.WithOrderTTL(10*time.Minute), balance.WithClock(clk.Now))
	a := newAccount(t, l, "u1", "100")

	stale, err := l.PlaceOrder(ctx, a.ID, "R1", amt("25"), nil)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	clk.Advance(8 * time.Minute)
	fresh, err := l.PlaceOrder(ctx, a.ID, "R2", amt("5"), nil)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	assertBalance(t, l, a.ID, "70")

	clk.Advance(5 * time.Minute)
	n, err := l.ExpireStale(ctx, clk.Now(), 10)
	if err != nil || n != 1 {
		t.Fatalf("ExpireStale = %d, %v; want 1", n, err)
	}

	got, _ := l.GetOrder(ctx, stale.ID)
	if got.State != order.StateExpired {
		t.Errorf("stale state = %s, want expired", got.State)
	}
	got, _ = l.GetOrder(ctx, fresh.ID)
	if got.State != order.StatePending {
		t.Errorf("fresh state = %s, want pending", got.State)
	}
	assertBalance(t, l, a.ID, "95")

	ack := l.ApplyCallback(ctx, balance.Callback{Reference: "R1", Outcome: order.OutcomeSuccess})
	if ack.Status != balance.AckConflict {
		t.Errorf("late callback status = %s, want conflict", ack.Status)
	}

	n, err = l.ExpireStale(ctx, clk.Now(), 10)
	if err != nil || n != 0 {
		t.Errorf("second sweep = %d, %v; want 0", n, err)
	}
	assertReconciled(t, l, a.ID)
}

// ──────────────────────────────────────────────────
// Refunds
// ──────────────────────────────────────────────────

func TestRefund(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	l, _ := newLedger(t, balance.WithPlugin(rec))
	a := newAccount(t, l, "u1", "100")
	o, err := l.PlaceOrder(ctx, a.ID, "R1", amt("30"), nil)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	req := balance.RefundRequest{AccountID: a.ID, OrderID: o.ID, Amount: amt("30"), Reason: "customer request"}
	res, err := l.Refund(ctx, req)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if !res.Applied || res.Order.State != order.StateRefunded || res.Entry.Kind != entry.KindRefund {
		t.Fatalf("result = %+v", res)
	}
	assertBalance(t, l, a.ID, "100")

	again, err := l.Refund(ctx, req)
	if err != nil || again.Applied {
		t.Fatalf("second refund = %+v, %v; want no-op", again, err)
	}
	assertBalance(t, l, a.ID, "100")
	if rec.refunded != 1 {
		t.Errorf("refund events = %d, want 1", rec.refunded)
	}

	t.Run("settled order is left alone", func(t *testing.T) {
		done, err := l.PlaceOrder(ctx, a.ID, "R2", amt("10"), nil)
		if err != nil {
			t.Fatalf("PlaceOrder: %v", err)
		}
		l.ApplyCallback(ctx, balance.Callback{Reference: "R2", Outcome: order.OutcomeSuccess})

		res, err := l.Refund(ctx, balance.RefundRequest{AccountID: a.ID, OrderID: done.ID, Amount: amt("10")})
		if err != nil || res.Applied || res.Order.State != order.StateCompleted {
			t.Errorf("refund of completed order = %+v, %v", res, err)
		}
		assertBalance(t, l, a.ID, "90")
	})

	t.Run("without order", func(t *testing.T) {
		res, err := l.Refund(ctx, balance.RefundRequest{AccountID: a.ID, Amount: amt("2.50")})
		if err != nil || !res.Applied || res.Order != nil {
			t.Fatalf("refund = %+v, %v", res, err)
		}
		assertBalance(t, l, a.ID, "92.50")
	})

	t.Run("order of another account", func(t *testing.T) {
		b := newAccount(t, l, "u2", "0")
		_, err := l.Refund(ctx, balance.RefundRequest{AccountID: b.ID, OrderID: o.ID, Amount: amt("1")})
		if !balance.IsValidation(err) {
			t.Errorf("err = %v, want validation", err)
		}
	})

	assertReconciled(t, l, a.ID)
}

func TestRefundIsBoundedByOrder(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	a := newAccount(t, l, "u1", "20")

	topup := &order.Order{AccountID: a.ID, Type: order.TypeTopup, Reference: "T1", Price: amt("100")}
	if err := l.CreateOrder(ctx, topup); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	p1, err := l.PlaceOrder(ctx, a.ID, "P1", amt("10"), nil)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	assertBalance(t, l, a.ID, "10")

	rejected := []struct {
		name string
		req  balance.RefundRequest
	}{
		{"pending topup", balance.RefundRequest{AccountID: a.ID, OrderID: topup.ID, Amount: amt("500")}},
		{"topup at its price", balance.RefundRequest{AccountID: a.ID, OrderID: topup.ID}},
		{"more than the price", balance.RefundRequest{AccountID: a.ID, OrderID: p1.ID, Amount: amt("400")}},
		{"negative amount", balance.RefundRequest{AccountID: a.ID, OrderID: p1.ID, Amount: amt("-1")}},
		{"zero without order", balance.RefundRequest{AccountID: a.ID}},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			res, err := l.Refund(ctx, tt.req)
			if !balance.IsValidation(err) {
				t.Fatalf("Refund = %+v, %v; want validation error", res, err)
			}
			assertBalance(t, l, a.ID, "10")
		})
	}

	got, err := l.GetOrder(ctx, p1.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.State != order.StatePending {
		t.Fatalf("P1 state = %s, want pending", got.State)
	}

	t.Run("partial refund", func(t *testing.T) {
		res, err := l.Refund(ctx, balance.RefundRequest{AccountID: a.ID, OrderID: p1.ID, Amount: amt("4")})
		if err != nil || !res.Applied || res.Order.State != order.StateRefunded {
			t.Fatalf("Refund = %+v, %v", res, err)
		}
		assertBalance(t, l, a.ID, "14")
	})

	t.Run("zero amount returns the price", func(t *testing.T) {
		p2, err := l.PlaceOrder(ctx, a.ID, "P2", amt("5"), nil)
		if err != nil {
			t.Fatalf("PlaceOrder: %v", err)
		}
		res, err := l.Refund(ctx, balance.RefundRequest{AccountID: a.ID, OrderID: p2.ID})
		if err != nil || !res.Applied || res.Entry.Amount.String() != "5.00" {
			t.Fatalf("Refund = %+v, %v", res, err)
		}
		assertBalance(t, l, a.ID, "14")
	})

	assertReconciled(t, l, a.ID)
}

func TestRefundWithRetry(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*balance.Ledger, *flakyStore, *recorder, *account.Account) {
		t.Helper()
		fs := &flakyStore{Store: memory.New()}
		rec := &recorder{}
		l := balance.New(fs,
			balance.WithLogger(slog.New(slog.DiscardHandler)),
			balance.WithPlugin(rec),
			balance.WithRefundRetry(3, time.Millisecond),
		)
		return l, fs, rec, newAccount(t, l, "u1", "10")
	}

	t.Run("succeeds after transient conflicts", func(t *testing.T) {
		l, fs, rec, a := setup(t)
		fs.FailNext(2)

		res, err := l.RefundWithRetry(ctx, balance.RefundRequest{AccountID: a.ID, Amount: amt("5")}, 0)
		if err != nil || !res.Applied {
			t.Fatalf("RefundWithRetry = %+v, %v", res, err)
		}
		if fs.calls != 3 {
			t.Errorf("transactions = %d, want 3", fs.calls)
		}
		assertBalance(t, l, a.ID, "15")
		if len(rec.refundFailed) != 0 {
			t.Errorf("refund failed events = %v", rec.refundFailed)
		}
	})

	t.Run("exhaustion is fatal", func(t *testing.T) {
		l, fs, rec, a := setup(t)
		fs.FailNext(10)

		_, err := l.RefundWithRetry(ctx, balance.RefundRequest{AccountID: a.ID, Amount: amt("5")}, 4)
		var fatal *balance.FatalRefundError
		if !errors.As(err, &fatal) {
			t.Fatalf("err = %v, want FatalRefundError", err)
		}
		if fatal.Attempts != 4 || !errors.Is(err, balance.ErrConcurrencyConflict) {
			t.Errorf("fatal = %+v", fatal)
		}
		if balance.IsRetryable(err) {
			t.Error("fatal refund reported as retryable")
		}
		if len(rec.refundFailed) != 1 || rec.refundFailed[0] != 4 {
			t.Errorf("refund failed events = %v, want [4]", rec.refundFailed)
		}
		fs.FailNext(0)
		assertBalance(t, l, a.ID, "10")
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		l, fs, rec, _ := setup(t)
		fs.FailNext(0)

		_, err := l.RefundWithRetry(ctx, balance.RefundRequest{AccountID: id.NewAccountID(), Amount: amt("5")}, 3)
		if !errors.Is(err, balance.ErrAccountNotFound) {
			t.Fatalf("err = %v, want ErrAccountNotFound", err)
		}
		var fatal *balance.FatalRefundError
		if errors.As(err, &fatal) {
			t.Error("permanent error wrapped as fatal")
		}
		if fs.calls != 1 || len(rec.refundFailed) != 0 {
			t.Errorf("calls = %d failed events = %v", fs.calls, rec.refundFailed)
		}
	})
}

// ──────────────────────────────────────────────────
// Conservation
// ──────────────────────────────────────────────────

func TestMixedWorkloadReconciles(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	a := newAccount(t, l, "u1", "500")

	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref := fmt.Sprintf("R%d", i)
			switch i % 3 {
			case 0:
				_, _ = l.Credit(ctx, a.ID, amt("1.25"))
			case 1:
				if _, err := l.PlaceOrder(ctx, a.ID, ref, amt("7"), nil); err == nil {
					l.ApplyCallback(ctx, balance.Callback{Reference: ref, Outcome: order.OutcomeFailure})
				}
			default:
				_, _ = l.Debit(ctx, a.ID, amt("3.10"))
			}
		}()
	}
	wg.Wait()

	// 10 credits of 1.25, 10 net-zero purchases, 10 debits of 3.10.
	assertBalance(t, l, a.ID, "481.50")
	assertReconciled(t, l, a.ID)
}

func TestStartStop(t *testing.T) {
	l, s := newLedger(t, balance.WithExpirySweep(time.Hour, 10, nil))
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, balance.ErrStoreClosed) {
		t.Errorf("Ping after Stop = %v, want ErrStoreClosed", err)
	}
}
