package audithook_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/xraph/balance"
	"github.com/xraph/balance/account"
	audithook "github.com/xraph/balance/audit_hook"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/store/memory"
	"github.com/xraph/balance/types"
)

type sink struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (s *sink) Record(_ context.Context, evt *audithook.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *sink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Action
	}
	return out
}

func (s *sink) find(action string) *audithook.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Action == action {
			return e
		}
	}
	return nil
}

func newLedger(t *testing.T, ext *audithook.Extension) (*balance.Ledger, *account.Account) {
	t.Helper()
	l := balance.New(memory.New(),
		balance.WithLogger(slog.New(slog.DiscardHandler)),
		balance.WithPlugin(ext),
	)
	a := &account.Account{UserID: "u1", Balance: types.MustParse("100.00")}
	if err := l.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return l, a
}

func TestSettlementTrail(t *testing.T) {
	s := &sink{}
	l, a := newLedger(t, audithook.New(s, audithook.WithLogger(slog.New(slog.DiscardHandler))))
	ctx := context.Background()

	if _, err := l.PlaceOrder(ctx, a.ID, "R1", types.MustParse("30.00"), nil); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	cb := balance.Callback{Reference: "R1", Outcome: order.OutcomeSuccess}
	l.ApplyCallback(ctx, cb)
	l.ApplyCallback(ctx, cb)

	for _, want := range []string{
		audithook.ActionBalanceChanged,
		audithook.ActionOrderCreated,
		audithook.ActionOrderSettled,
		audithook.ActionCallbackDuplicate,
	} {
		if s.find(want) == nil {
			t.Errorf("missing %s in %v", want, s.actions())
		}
	}

	settled := s.find(audithook.ActionOrderSettled)
	if settled.Metadata["from"] != string(order.StatePending) || settled.Metadata["to"] != string(order.StateCompleted) {
		t.Errorf("settled metadata = %v", settled.Metadata)
	}
}

func TestInsufficientBalanceAudited(t *testing.T) {
	s := &sink{}
	l, a := newLedger(t, audithook.New(s))

	_, err := l.Debit(context.Background(), a.ID, types.MustParse("500.00"))
	if !errors.Is(err, balance.ErrInsufficientBalance) {
		t.Fatalf("Debit err = %v", err)
	}

	evt := s.find(audithook.ActionInsufficientBalance)
	if evt == nil {
		t.Fatalf("no insufficient balance event in %v", s.actions())
	}
	if evt.Severity != audithook.SeverityWarning || evt.ResourceID != a.ID.String() {
		t.Errorf("event = %+v", evt)
	}
	if evt.Metadata["requested"] != "500.00" {
		t.Errorf("requested = %v", evt.Metadata["requested"])
	}
}

func TestEnabledActionsFilter(t *testing.T) {
	s := &sink{}
	l, a := newLedger(t, audithook.New(s, audithook.WithEnabledActions(audithook.ActionRefundApplied)))

	if _, err := l.Credit(context.Background(), a.ID, types.MustParse("1.00")); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if got := s.actions(); len(got) != 0 {
		t.Errorf("recorded %v, want nothing", got)
	}

	if _, err := l.Refund(context.Background(), balance.RefundRequest{AccountID: a.ID, Amount: types.MustParse("2.00"), Reason: "sorry"}); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got := s.actions(); len(got) != 1 || got[0] != audithook.ActionRefundApplied {
		t.Errorf("recorded %v, want only refund.applied", got)
	}
}

func TestDisabledActions(t *testing.T) {
	s := &sink{}
	ext := audithook.New(s, audithook.WithDisabledActions(audithook.ActionBalanceChanged))
	l, a := newLedger(t, ext)

	if _, err := l.Credit(context.Background(), a.ID, types.MustParse("1.00")); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if s.find(audithook.ActionBalanceChanged) != nil {
		t.Errorf("balance.changed recorded despite being disabled")
	}
}

func TestRecorderErrorsAreSwallowed(t *testing.T) {
	failing := audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	})
	ext := audithook.New(failing, audithook.WithLogger(slog.New(slog.DiscardHandler)))

	if err := ext.OnCallbackFailed(context.Background(), "R9", order.OutcomeSuccess, errors.New("boom")); err != nil {
		t.Errorf("OnCallbackFailed returned %v", err)
	}
}
