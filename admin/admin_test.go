package admin_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/balance"
	"github.com/xraph/balance/account"
	"github.com/xraph/balance/admin"
	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/store/memory"
	"github.com/xraph/balance/types"
)

func setup(t *testing.T, userID, opening string) (*admin.Service, *balance.Ledger, *account.Account) {
	t.Helper()
	discard := slog.New(slog.DiscardHandler)
	l := balance.New(memory.New(), balance.WithLogger(discard))
	a := &account.Account{UserID: userID, Balance: types.MustParse(opening)}
	if err := l.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return admin.NewService(l, admin.WithLogger(discard)), l, a
}

func TestAdjust(t *testing.T) {
	tests := []struct {
		name     string
		req      admin.Request
		wantPrev string
		wantNew  string
	}{
		{
			name:     "add",
			req:      admin.Request{UserID: "u1", Amount: "50.00", Action: balance.ActionAdd, Note: "goodwill"},
			wantPrev: "100.00",
			wantNew:  "150.00",
		},
		{
			name:     "subtract",
			req:      admin.Request{UserID: "u1", Amount: "25.5", Action: balance.ActionSubtract, Note: "chargeback"},
			wantPrev: "100.00",
			wantNew:  "74.50",
		},
		{
			name:     "set to zero",
			req:      admin.Request{UserID: "u1", Amount: "0", Action: balance.ActionSet, Note: "account closed"},
			wantPrev: "100.00",
			wantNew:  "0.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, l, a := setup(t, "u1", "100.00")

			resp, err := svc.Adjust(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Adjust: %v", err)
			}
			if !resp.PreviousBalance.Equal(types.MustParse(tt.wantPrev)) {
				t.Errorf("PreviousBalance = %s, want %s", resp.PreviousBalance, tt.wantPrev)
			}
			if !resp.NewBalance.Equal(types.MustParse(tt.wantNew)) {
				t.Errorf("NewBalance = %s, want %s", resp.NewBalance, tt.wantNew)
			}
			if resp.Note != tt.req.Note || resp.Action != tt.req.Action {
				t.Errorf("response echoes %q/%q, want %q/%q", resp.Action, resp.Note, tt.req.Action, tt.req.Note)
			}

			entries, err := l.ListEntries(context.Background(), a.ID, entry.ListOpts{Kind: entry.KindAdjustment})
			if err != nil {
				t.Fatalf("ListEntries: %v", err)
			}
			if len(entries) != 1 {
				t.Fatalf("adjustment entries = %d, want 1", len(entries))
			}
			if entries[0].Note != tt.req.Note {
				t.Errorf("entry note = %q, want %q", entries[0].Note, tt.req.Note)
			}
		})
	}
}

func TestAdjustRecordsOperator(t *testing.T) {
	svc, l, a := setup(t, "u1", "10.00")

	_, err := svc.Adjust(context.Background(), admin.Request{
		UserID: "u1", Amount: "1", Action: balance.ActionAdd, Note: "n", Operator: "ops@example.com",
	})
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}

	entries, err := l.ListEntries(context.Background(), a.ID, entry.ListOpts{Kind: entry.KindAdjustment})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if got := entries[0].Metadata["operator"]; got != "ops@example.com" {
		t.Errorf("operator metadata = %q", got)
	}
}

func TestAdjustErrors(t *testing.T) {
	tests := []struct {
		name string
		req  admin.Request
		want admin.Kind
	}{
		{"missing note", admin.Request{UserID: "u1", Amount: "1", Action: balance.ActionAdd}, admin.KindValidation},
		{"blank note", admin.Request{UserID: "u1", Amount: "1", Action: balance.ActionAdd, Note: "   "}, admin.KindValidation},
		{"missing user", admin.Request{Amount: "1", Action: balance.ActionAdd, Note: "n"}, admin.KindValidation},
		{"unknown action", admin.Request{UserID: "u1", Amount: "1", Action: "multiply", Note: "n"}, admin.KindValidation},
		{"negative amount", admin.Request{UserID: "u1", Amount: "-5", Action: balance.ActionAdd, Note: "n"}, admin.KindValidation},
		{"zero add", admin.Request{UserID: "u1", Amount: "0", Action: balance.ActionAdd, Note: "n"}, admin.KindValidation},
		{"not a number", admin.Request{UserID: "u1", Amount: "ten", Action: balance.ActionAdd, Note: "n"}, admin.KindValidation},
		{"unknown user", admin.Request{UserID: "nobody", Amount: "1", Action: balance.ActionAdd, Note: "n"}, admin.KindNotFound},
		{"overdraw", admin.Request{UserID: "u1", Amount: "500", Action: balance.ActionSubtract, Note: "n"}, admin.KindInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, l, a := setup(t, "u1", "300.00")

			_, err := svc.Adjust(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := admin.ErrorKind(err); got != tt.want {
				t.Errorf("ErrorKind = %q, want %q (err: %v)", got, tt.want, err)
			}

			got, err := l.GetAccount(context.Background(), a.ID)
			if err != nil {
				t.Fatalf("GetAccount: %v", err)
			}
			if !got.Balance.Equal(types.MustParse("300.00")) {
				t.Errorf("balance changed to %s", got.Balance)
			}
		})
	}
}

// conflictingLedger fails Adjust with a lock conflict a fixed number of times.
type conflictingLedger struct {
	acct      *account.Account
	conflicts int
	calls     int
}

func (c *conflictingLedger) GetAccountByUser(_ context.Context, userID string) (*account.Account, error) {
	if userID != c.acct.UserID {
		return nil, balance.ErrAccountNotFound
	}
	return c.acct, nil
}

func (c *conflictingLedger) Adjust(_ context.Context, _ id.AccountID, _ balance.Action, amount types.Amount, _ ...balance.EntryOption) (*balance.Result, error) {
	c.calls++
	if c.calls <= c.conflicts {
		return nil, fmt.Errorf("%w: lock timeout", balance.ErrConcurrencyConflict)
	}
	next := c.acct.Balance.Add(amount)
	return &balance.Result{
		PreviousBalance: c.acct.Balance,
		NewBalance:      next,
		Entry:           &entry.Entry{ID: id.NewEntryID(), Amount: amount},
	}, nil
}

func TestAdjustRetriesConflicts(t *testing.T) {
	req := admin.Request{UserID: "u1", Amount: "5", Action: balance.ActionAdd, Note: "n"}

	t.Run("recovers", func(t *testing.T) {
		fake := &conflictingLedger{acct: &account.Account{ID: id.NewAccountID(), UserID: "u1"}, conflicts: 2}
		svc := admin.NewService(fake, admin.WithConflictRetry(3, 0), admin.WithLogger(slog.New(slog.DiscardHandler)))

		resp, err := svc.Adjust(context.Background(), req)
		if err != nil {
			t.Fatalf("Adjust: %v", err)
		}
		if fake.calls != 3 {
			t.Errorf("calls = %d, want 3", fake.calls)
		}
		if !resp.NewBalance.Equal(types.MustParse("5")) {
			t.Errorf("NewBalance = %s", resp.NewBalance)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		fake := &conflictingLedger{acct: &account.Account{ID: id.NewAccountID(), UserID: "u1"}, conflicts: 10}
		svc := admin.NewService(fake, admin.WithConflictRetry(2, time.Millisecond), admin.WithLogger(slog.New(slog.DiscardHandler)))

		_, err := svc.Adjust(context.Background(), req)
		if !errors.Is(err, balance.ErrConcurrencyConflict) {
			t.Fatalf("err = %v, want ErrConcurrencyConflict", err)
		}
		if got := admin.ErrorKind(err); got != admin.KindConflict {
			t.Errorf("ErrorKind = %q, want Conflict", got)
		}
		if fake.calls != 2 {
			t.Errorf("calls = %d, want 2", fake.calls)
		}
	})
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want admin.Kind
	}{
		{nil, ""},
		{&balance.ValidationError{Field: "x", Message: "y"}, admin.KindValidation},
		{balance.ErrOrderNotFound, admin.KindNotFound},
		{&balance.InsufficientBalanceError{}, admin.KindInsufficientBalance},
		{balance.ErrStoreUnavailable, admin.KindConflict},
		{errors.New("boom"), admin.KindInternal},
	}
	for _, tt := range tests {
		if got := admin.ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
