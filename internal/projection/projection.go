// Package projection folds an issue's events into its WorkflowState.
package projection

import (
	"context"

	"phaseline/internal/domain"
)

// EventReader is the read half of the event store.
type EventReader interface {
	Events(ctx context.Context, issueID string, fromVersion int64, kinds ...domain.EventKind) ([]domain.Event, error)
}

// Initial is the state of an issue with no events.
func Initial(issueID string) domain.WorkflowState {
	return domain.WorkflowState{
		IssueID:         issueID,
		Status:          domain.StatusPending,
		PhasesCompleted: []string{},
	}
}

// Load replays every event of the issue.
func Load(ctx context.Context, r EventReader, issueID string) (domain.WorkflowState, error) {
	evts, err := r.Events(ctx, issueID, 0)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	return Fold(issueID, evts), nil
}

// Fold applies evts in order to the initial state. It is pure.
func Fold(issueID string, evts []domain.Event) domain.WorkflowState {
	st := Initial(issueID)
	for _, evt := range evts {
		st = Apply(st, evt)
	}
	return st
}

// Apply returns st with evt applied. Payloads that fail to decode leave the
// state untouched apart from the version, as do unknown kinds.
func Apply(st domain.WorkflowState, evt domain.Event) domain.WorkflowState {
	st = clone(st)
	st.Version = evt.Version
	if st.CreatedAt.IsZero() {
		st.CreatedAt = evt.TS
	}
	st.UpdatedAt = evt.TS

	switch evt.Kind {
	case domain.KindWorkflowCreated:
		var p domain.WorkflowCreated
		if evt.Decode(&p) != nil {
			return st
		}
		st.Definition = append([]string(nil), p.Phases...)
		st.DefinitionDigest = p.Digest

	case domain.KindWorkflowDefinitionUpdated:
		var p domain.WorkflowDefinitionUpdated
		if evt.Decode(&p) != nil {
			return st
		}
		st.Definition = append([]string(nil), p.Phases...)
		st.DefinitionDigest = p.Digest

	case domain.KindPhaseStarted:
		var p domain.PhaseStarted
		if evt.Decode(&p) != nil {
			return st
		}
		if st.CurrentPhase != p.Phase {
			st.RetryCount = 0
		}
		st.Status = domain.StatusRunning
		st.CurrentPhase = p.Phase
		st.InFlight = p.Phase
		st.InFlightVersion = evt.Version
		st.InFlightAttempt = p.Attempt
		st.Interrupted = ""

	case domain.KindPhaseCompleted:
		var p domain.PhaseCompleted
		if evt.Decode(&p) != nil {
			return st
		}
		st.Usage = st.Usage.Add(p.Usage)
		if st.InFlight == p.Phase {
			st.InFlight = ""
			st.InFlightVersion = 0
			st.InFlightAttempt = 0
		}
		if p.Outcome != domain.OutcomePass || p.Feedback {
			st.LastRejection = p.Reason
			if st.LastRejection == "" && p.Trigger != "" {
				st.LastRejection = "feedback trigger " + p.Trigger
			}
			// the rewind (or the halt at the ceiling) is still owed
			st.PendingFeedback = p.Phase
			return st
		}
		if !st.Completed(p.Phase) {
			st.PhasesCompleted = append(st.PhasesCompleted, p.Phase)
		}
		if p.Artifact != "" {
			st.LastArtifact = p.Artifact
		}
		if st.PendingRewind == p.Phase {
			st.PendingRewind = ""
		}
		if st.PendingEscalation != nil && st.PendingEscalation.Phase == p.Phase {
			st.PendingEscalation = nil
		}
		st.LastResolution = nil
		st.RetryCount = 0

	case domain.KindPhaseFailed:
		var p domain.PhaseFailed
		if evt.Decode(&p) != nil {
			return st
		}
		st.InFlight = ""
		st.InFlightVersion = 0
		st.InFlightAttempt = 0
		if p.Retryable {
			st.RetryCount++
		}

	case domain.KindPhaseInterrupted:
		var p domain.PhaseInterrupted
		if evt.Decode(&p) != nil {
			return st
		}
		st.InFlight = ""
		st.InFlightVersion = 0
		st.InFlightAttempt = 0
		st.Interrupted = p.Phase

	case domain.KindEscalationRequested:
		var p domain.EscalationRequested
		if evt.Decode(&p) != nil {
			return st
		}
		esc := p.Escalation
		st.Status = domain.StatusPaused
		st.PendingEscalation = &esc
		if esc.Type == domain.EscalationHalt {
			st.NeedsHuman = true
			st.PendingFeedback = ""
		}
		st.InFlight = ""
		st.InFlightVersion = 0
		st.InFlightAttempt = 0

	case domain.KindEscalationResolved:
		var p domain.EscalationResolved
		if evt.Decode(&p) != nil {
			return st
		}
		res := domain.Resolution{EscalationID: p.EscalationID, Phase: p.Phase, Response: p.Response}
		if st.PendingEscalation != nil {
			res.Question = st.PendingEscalation.Question
		}
		st.PendingEscalation = nil
		st.LastResolution = &res
		if !st.Status.Terminal() {
			st.Status = domain.StatusRunning
		}

	case domain.KindFeedbackRequested:
		var p domain.FeedbackRequested
		if evt.Decode(&p) != nil {
			return st
		}
		st.PendingRewind = p.To
		st.PendingFeedback = ""
		st.RewindAttempts++
		st.PhasesCompleted = truncateAt(st.PhasesCompleted, p.To)
		st.Status = domain.StatusRunning

	case domain.KindWorkflowCompleted:
		var p domain.WorkflowCompleted
		if evt.Decode(&p) != nil {
			return st
		}
		if p.Artifact != "" {
			st.LastArtifact = p.Artifact
		}
		st.Status = domain.StatusCompleted
		st.CurrentPhase = ""

	case domain.KindWorkflowFailed:
		var p domain.WorkflowFailed
		if evt.Decode(&p) != nil {
			return st
		}
		st.Status = domain.StatusFailed
		st.TerminalError = p.Reason
		st.NeedsHuman = p.NeedsHuman
		st.InFlight = ""
		st.InFlightVersion = 0
		st.InFlightAttempt = 0

	case domain.KindWorkflowRestarted:
		st.Status = domain.StatusRunning
		st.TerminalError = ""
		st.NeedsHuman = false
		st.PendingEscalation = nil
		st.PendingRewind = ""
		st.PendingFeedback = ""
		st.RewindAttempts = 0
		st.RetryCount = 0
		st.InFlight = ""
		st.InFlightVersion = 0
		st.InFlightAttempt = 0

	case domain.KindAgentConsulted:
		st.Consultations++
	}
	return st
}

// truncateAt drops target and every phase completed after it.
func truncateAt(completed []string, target string) []string {
	for i, p := range completed {
		if p == target {
			return completed[:i]
		}
	}
	return completed
}

func clone(st domain.WorkflowState) domain.WorkflowState {
	st.PhasesCompleted = append(make([]string, 0, len(st.PhasesCompleted)+1), st.PhasesCompleted...)
	st.Definition = append([]string(nil), st.Definition...)
	if st.PendingEscalation != nil {
		esc := *st.PendingEscalation
		st.PendingEscalation = &esc
	}
	if st.LastResolution != nil {
		res := *st.LastResolution
		st.LastResolution = &res
	}
	return st
}
