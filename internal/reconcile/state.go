package reconcile

import "fmt"

// State is the phase of one (Task, Source Unit) reconciliation run.
type State string

const (
	StateNotStarted    State = "not_started"
	StatePreMarked     State = "pre_marked"
	StateUpserting     State = "upserting"
	StateSweepClearing State = "sweep_clearing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s State) bool {
	return s == StateCompleted || s == StateFailed
}

func isAllowedTransition(from, to State) bool {
	if IsTerminal(from) {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch from {
	case StateNotStarted:
		return to == StatePreMarked || to == StateUpserting || to == StateCompleted
	case StatePreMarked:
		return to == StateUpserting || to == StateCompleted
	case StateUpserting:
		// Append-only runs stay in Upserting across batches.
		return to == StateSweepClearing || to == StateUpserting || to == StateCompleted
	case StateSweepClearing:
		return to == StateUpserting || to == StateCompleted
	default:
		return false
	}
}

// machine tracks the state of a single run. It is owned by one goroutine.
type machine struct {
	state State
}

func newMachine() *machine {
	return &machine{state: StateNotStarted}
}

// to performs a validated transition.
func (m *machine) to(next State) error {
	if !isAllowedTransition(m.state, next) {
		return fmt.Errorf("reconcile: disallowed transition %s -> %s", m.state, next)
	}
	m.state = next
	return nil
}

// fail moves a non-terminal run to Failed.
func (m *machine) fail() {
	if !IsTerminal(m.state) {
		m.state = StateFailed
	}
}
