package order

// State is the lifecycle position of an order.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRefunded   State = "refunded"
	StateCancelled  State = "cancelled"
	StateExpired    State = "expired"
)

// IsTerminal reports whether no further transition is permitted.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRefunded, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == StatePending || s == StateProcessing || s.IsTerminal()
}

var transitions = map[State][]State{
	StatePending: {
		StateProcessing, StateCompleted, StateFailed,
		StateRefunded, StateCancelled, StateExpired,
	},
	StateProcessing: {
		StateCompleted, StateFailed, StateRefunded,
		StateCancelled, StateExpired,
	},
}

// CanTransition reports whether from → to is allowed. Terminal states
// have no outgoing edges and self-transitions are never allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome is the result a provider reports for an order.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Target maps a callback outcome to the terminal state it settles into.
// Anything other than success is treated as failure.
func (o Outcome) Target() State {
	if o == OutcomeSuccess {
		return StateCompleted
	}
	return StateFailed
}
