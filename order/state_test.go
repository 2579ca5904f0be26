package order

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateProcessing, true},
		{StatePending, StateCompleted, true},
		{StatePending, StateExpired, true},
		{StateProcessing, StateFailed, true},
		{StateProcessing, StateRefunded, true},
		{StateProcessing, StatePending, false},
		{StatePending, StatePending, false},
		{StateCompleted, StateRefunded, false},
		{StateFailed, StateCompleted, false},
		{StateExpired, StatePending, false},
		{StateCancelled, StateProcessing, false},
		{StateRefunded, StateRefunded, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"→"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateRefunded, StateCancelled, StateExpired}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal %s can move to %s", from, to)
			}
		}
	}
}

func TestOutcomeTarget(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    State
	}{
		{OutcomeSuccess, StateCompleted},
		{OutcomeFailure, StateFailed},
		{"timeout", StateFailed},
		{"", StateFailed},
	}
	for _, tt := range tests {
		if got := tt.outcome.Target(); got != tt.want {
			t.Errorf("Outcome(%q).Target() = %s, want %s", tt.outcome, got, tt.want)
		}
	}
}

func TestOrderMarkers(t *testing.T) {
	now := time.Now()
	deadline := now.Add(time.Minute)

	o := &Order{State: StatePending, ExpiresAt: &deadline, Metadata: map[string]string{"k": "v"}}
	if o.Expired(now) {
		t.Error("order expired before deadline")
	}
	if !o.Expired(deadline) {
		t.Error("order not expired at deadline")
	}
	if o.SettledBy("R1", OutcomeSuccess) {
		t.Error("pending order reported as settled")
	}

	o.State = StateCompleted
	o.LastCallbackReference = "R1"
	o.SettledAt = &now
	if !o.SettledBy("R1", OutcomeSuccess) || o.SettledBy("R2", OutcomeSuccess) || o.SettledBy("", OutcomeSuccess) {
		t.Error("SettledBy mismatch")
	}
	if o.SettledBy("R1", OutcomeFailure) {
		t.Error("contradicting outcome reported as a redelivery")
	}
	if o.Expired(deadline.Add(time.Hour)) {
		t.Error("terminal order reported as expired")
	}

	c := o.Clone()
	c.Metadata["k"] = "changed"
	*c.ExpiresAt = now
	if o.Metadata["k"] != "v" || !o.ExpiresAt.Equal(deadline) {
		t.Error("Clone shares state with original")
	}
}
