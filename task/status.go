package task

// Status enumerates task lifecycle states. The status header field and the
// containing stage directory jointly encode state; code outside this module
// must not introduce new variants.
type Status string

const (
	StatusReceived        Status = "received"
	StatusNeedsAction     Status = "needs_action"
	StatusClassified      Status = "classified"
	StatusPlanned         Status = "planned"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusInProgress      Status = "in_progress"
	StatusRetry           Status = "retry"
	StatusDone            Status = "done"
	StatusFailed          Status = "failed"
)

// statusRank orders the forward lifecycle. The approval round-trip
// (planned -> pending_approval -> approved) and the explicit retry re-entry
// are the only permitted regressions.
var statusRank = map[Status]int{
	StatusReceived:        0,
	StatusNeedsAction:     0,
	StatusClassified:      1,
	StatusPlanned:         2,
	StatusPendingApproval: 3,
	StatusApproved:        3,
	StatusInProgress:      4,
	StatusRetry:           4,
	StatusDone:            5,
	StatusFailed:          5,
}

// IsTerminal reports whether the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Known reports whether the status is one of the closed lifecycle set.
func (s Status) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransition reports whether moving from s to next respects the monotonic
// lifecycle. Unknown states are rejected. The controlled exceptions:
// pending_approval may return to approved/planned (the approval round-trip)
// and retry may re-enter in_progress.
func (s Status) CanTransition(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if s == StatusPendingApproval && (next == StatusApproved || next == StatusPlanned) {
		return true
	}
	if s == StatusRetry && next == StatusInProgress {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return to >= from
}
