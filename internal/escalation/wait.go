package escalation

import (
	"fmt"

	"phaseline/internal/domain"
)

// WaitState is the lifecycle of one escalation.
type WaitState string

const (
	Active   WaitState = "ACTIVE"
	Waiting  WaitState = "WAITING"
	Resolved WaitState = "RESOLVED"
	TimedOut WaitState = "TIMED_OUT"
)

var transitions = map[WaitState][]WaitState{
	Active:  {Waiting},
	Waiting: {Resolved, TimedOut},
}

// InvalidTransitionError reports a lifecycle step that is not allowed.
type InvalidTransitionError struct {
	From WaitState
	To   WaitState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("escalation cannot move from %s to %s", e.From, e.To)
}

// Wait tracks one escalation of an issue.
type Wait struct {
	IssueID    string
	Escalation domain.Escalation
	// Version is the version of the EscalationRequested event.
	Version int64
	state   WaitState
}

func newWait(issueID string, esc domain.Escalation) *Wait {
	return &Wait{IssueID: issueID, Escalation: esc, state: Active}
}

func (w *Wait) State() WaitState { return w.state }

// Done reports whether the wait reached a final state.
func (w *Wait) Done() bool {
	return w.state == Resolved || w.state == TimedOut
}

func (w *Wait) transition(to WaitState) error {
	for _, allowed := range transitions[w.state] {
		if allowed == to {
			w.state = to
			return nil
		}
	}
	return &InvalidTransitionError{From: w.state, To: to}
}
