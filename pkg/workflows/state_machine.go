package workflows

// StateMachine enforces status transitions for any string-backed status type
type StateMachine[S ~string] struct {
	allowedTransitions map[S][]S
}

// NewStateMachine creates a state machine from an allowed-transition table.
// A status mapped to an empty list is terminal.
func NewStateMachine[S ~string](transitions map[S][]S) *StateMachine[S] {
	table := make(map[S][]S, len(transitions))
	for from, to := range transitions {
		table[from] = append([]S(nil), to...)
	}
	return &StateMachine[S]{allowedTransitions: table}
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine[S]) CanTransition(from, to S) bool {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return false
	}
	for _, allowedTo := range allowed {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// GetAllowedTransitions returns the allowed next statuses for a given status
func (sm *StateMachine[S]) GetAllowedTransitions(from S) []S {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return []S{}
	}
	return append([]S(nil), allowed...)
}

// IsTerminal reports whether a known status has no exits
func (sm *StateMachine[S]) IsTerminal(status S) bool {
	allowed, exists := sm.allowedTransitions[status]
	return exists && len(allowed) == 0
}
