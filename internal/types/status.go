package types

// Status is the lifecycle state of a plan.
//
// State flow:
//
//	proposed → pending_approval → approved → executing → completed | failed
//	                            ↘ rejected
//	                            ↘ expired
//
// Transitions are monotonic: no state is re-entered once exited. A new
// occurrence of the same condition produces a new plan.
type Status string

const (
	// StatusProposed is a freshly generated plan not yet surfaced to a human.
	StatusProposed Status = "proposed"
	// StatusPendingApproval has been surfaced and awaits a decision before its deadline.
	StatusPendingApproval Status = "pending_approval"
	// StatusApproved plans are eligible for execution.
	StatusApproved Status = "approved"
	// StatusRejected is a terminal human decision.
	StatusRejected Status = "rejected"
	// StatusExecuting means the execution engine holds the plan exclusively.
	StatusExecuting Status = "executing"
	// StatusCompleted: every step succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed: at least one step failed.
	StatusFailed Status = "failed"
	// StatusExpired: the approval deadline passed without a decision.
	StatusExpired Status = "expired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusProposed,
	StatusPendingApproval,
	StatusApproved,
	StatusRejected,
	StatusExecuting,
	StatusCompleted,
	StatusFailed,
	StatusExpired,
}

var validTransitions = map[Status][]Status{
	StatusProposed:        {StatusPendingApproval},
	StatusPendingApproval: {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved:        {StatusExecuting},
	StatusExecuting:       {StatusCompleted, StatusFailed},
	StatusRejected:        {},
	StatusCompleted:       {},
	StatusFailed:          {},
	StatusExpired:         {},
}

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	next, ok := validTransitions[s]
	return ok && len(next) == 0
}

// IsUndecided reports whether a plan in this state still represents an open
// occurrence of its signature (used for cool-down duplicate detection).
func (s Status) IsUndecided() bool {
	switch s {
	case StatusProposed, StatusPendingApproval, StatusApproved, StatusExecuting:
		return true
	}
	return false
}

// CanTransition validates an edge of the plan state machine.
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether a recorded sequence of states is a walk through
// the state machine starting at proposed.
func ValidPath(states []Status) bool {
	if len(states) == 0 || states[0] != StatusProposed {
		return false
	}
	for i := 1; i < len(states); i++ {
		if !CanTransition(states[i-1], states[i]) {
			return false
		}
	}
	return true
}
