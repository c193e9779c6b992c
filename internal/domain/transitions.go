package domain

import "fmt"

var forward = map[State][]State{
	StateReceived:         {StateEnriching},
	StateEnriching:        {StateReasoning},
	StateReasoning:        {StateAwaitingApproval},
	StateAwaitingApproval: {StateApproved, StateRejected, StateTimedOut},
	StateApproved:         {StateExecuting},
	StateExecuting:        {StateCompleted},
}

// redriveFrom lists terminal states an operator may explicitly re-drive.
var redriveFrom = map[State]bool{
	StateFailed:   true,
	StateTimedOut: true,
	StateRejected: true,
}

// EnsureTransition validates a state change. Any non-terminal state may fail.
// Re-drive is the only way out of a terminal state and always lands on Received.
func EnsureTransition(from, to State, redrive bool) error {
	if redrive {
		if redriveFrom[from] && to == StateReceived {
			return nil
		}
		return NewError(CodeInvalidTransition, false, "cannot re-drive from %s to %s", from, to).
			With("from", string(from)).With("to", string(to))
	}
	if from.Terminal() {
		return NewError(CodeInvalidTransition, false, "transaction is terminal (%s)", from).
			With("from", string(from)).With("to", string(to))
	}
	if to == StateFailed {
		return nil
	}
	for _, allowed := range forward[from] {
		if allowed == to {
			return nil
		}
	}
	return NewError(CodeInvalidTransition, false, "invalid transition %s -> %s", from, to).
		With("from", string(from)).With("to", string(to))
}

func (s State) String() string { return string(s) }

// ParseState accepts the wire form of a state.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid state %q", v)
	}
	return s, nil
}
