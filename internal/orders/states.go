package orders

import "fmt"

// State is an order lifecycle state
type State string

const (
	StateIdle           State = "IDLE"
	StateSignalReceived State = "SIGNAL_RECEIVED"
	StateValidating     State = "VALIDATING"
	StateOrderPending   State = "ORDER_PENDING"
	StateOrderSent      State = "ORDER_SENT"
	StatePartialFilled  State = "PARTIAL_FILLED"
	StateFullyFilled    State = "FULLY_FILLED"
	StateCancelled      State = "CANCELLED"
	StateRejected       State = "REJECTED"
	StateFailed         State = "FAILED"
)

// transitions is the full lifecycle graph. Terminal states have no
// outbound edges; REJECTED is reachable both from validation and from a
// broker-side rejection of a sent order.
var transitions = map[State][]State{
	StateIdle:           {StateSignalReceived, StateCancelled},
	StateSignalReceived: {StateValidating, StateCancelled, StateFailed},
	StateValidating:     {StateOrderPending, StateRejected, StateCancelled, StateFailed},
	StateOrderPending:   {StateOrderSent, StateCancelled, StateFailed},
	StateOrderSent:      {StatePartialFilled, StateFullyFilled, StateCancelled, StateRejected, StateFailed},
	StatePartialFilled:  {StateFullyFilled, StateCancelled, StateFailed},
	StateFullyFilled:    {},
	StateCancelled:      {},
	StateRejected:       {},
	StateFailed:         {},
}

// terminalStates have no outbound edges
var terminalStates = map[State]struct{}{
	StateFullyFilled: {},
	StateCancelled:   {},
	StateRejected:    {},
	StateFailed:      {},
}

// TransitionError reports a transition attempt outside the lifecycle graph
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid order state transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is in the lifecycle graph
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionsFrom returns the states reachable in one step from s. The
// returned slice is a copy.
func TransitionsFrom(s State) []State {
	next := transitions[s]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// ValidateTransition returns a *TransitionError when from -> to is not in
// the lifecycle graph, nil otherwise.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// IsTerminal reports whether s has no outbound edges
func IsTerminal(s State) bool {
	_, ok := terminalStates[s]
	return ok
}

// ValidStates returns all lifecycle states
func ValidStates() []State {
	return []State{
		StateIdle, StateSignalReceived, StateValidating, StateOrderPending,
		StateOrderSent, StatePartialFilled, StateFullyFilled, StateCancelled,
		StateRejected, StateFailed,
	}
}

// IsValidState checks if a state string is a valid State
func IsValidState(state string) bool {
	_, ok := transitions[State(state)]
	return ok
}
