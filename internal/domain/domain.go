package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind tags an event in an issue's history.
type EventKind string

const (
	KindWorkflowCreated           EventKind = "workflow.created"
	KindWorkflowDefinitionUpdated EventKind = "workflow.definition_updated"
	KindPhaseStarted              EventKind = "phase.started"
	KindPhaseCompleted            EventKind = "phase.completed"
	KindPhaseFailed               EventKind = "phase.failed"
	KindPhaseInterrupted          EventKind = "phase.interrupted"
	KindEscalationRequested       EventKind = "escalation.requested"
	KindEscalationResolved        EventKind = "escalation.resolved"
	KindFeedbackRequested         EventKind = "feedback.requested"
	KindWorkflowCompleted         EventKind = "workflow.completed"
	KindWorkflowFailed            EventKind = "workflow.failed"
	KindWorkflowRestarted         EventKind = "workflow.restarted"
	KindAgentConsulted            EventKind = "agent.consulted"
)

// Event is an immutable fact about one issue. Version is assigned by the store.
type Event struct {
	ID      string          `json:"id"`
	IssueID string          `json:"issue_id"`
	Version int64           `json:"version"`
	TS      time.Time       `json:"ts" format:"date-time"`
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent marshals payload into an unversioned event for issueID.
func NewEvent(issueID string, kind EventKind, payload any) (Event, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{IssueID: issueID, Kind: kind, Payload: data}, nil
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s v%d: %w", e.Kind, e.Version, err)
	}
	return nil
}

// Outcome is the business result an agent reports for a completed job.
type Outcome string

const (
	OutcomePass               Outcome = "pass"
	OutcomeReject             Outcome = "reject"
	OutcomeWaitingForExternal Outcome = "waiting_for_external"
	OutcomeInputRequired      Outcome = "input_required"
)

// Usage is resource consumption reported by agents.
type Usage struct {
	Tokens   int64         `json:"tokens"`
	Duration time.Duration `json:"duration"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{Tokens: u.Tokens + o.Tokens, Duration: u.Duration + o.Duration}
}

// Payloads, one per event kind.

type WorkflowCreated struct {
	Phases []string `json:"phases"`
	Digest string   `json:"digest"`
}

type WorkflowDefinitionUpdated struct {
	Phases     []string `json:"phases"`
	Digest     string   `json:"digest"`
	PrevDigest string   `json:"prev_digest,omitempty"`
}

type PhaseStarted struct {
	Phase   string `json:"phase"`
	Actor   string `json:"actor"`
	Attempt int    `json:"attempt"`
}

// PhaseCompleted is a finished phase attempt. Feedback marks a completion
// that rewinds the workflow: a reject, or a pass carrying one of the phase's
// feedback triggers.
type PhaseCompleted struct {
	Phase      string   `json:"phase"`
	Outcome    Outcome  `json:"outcome"`
	Reason     string   `json:"reason,omitempty"`
	Trigger    string   `json:"trigger,omitempty"`
	Feedback   bool     `json:"feedback,omitempty"`
	Artifact   string   `json:"artifact,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Usage      Usage    `json:"usage"`
	JobID      string   `json:"job_id,omitempty"`
}

type PhaseFailed struct {
	Phase     string `json:"phase"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
	Attempt   int    `json:"attempt"`
}

type PhaseInterrupted struct {
	Phase  string `json:"phase"`
	Reason string `json:"reason"`
	JobID  string `json:"job_id,omitempty"`
}

type EscalationRequested struct {
	Escalation Escalation `json:"escalation"`
}

type EscalationResolved struct {
	EscalationID string `json:"escalation_id"`
	Phase        string `json:"phase"`
	Response     string `json:"response"`
	ResolvedBy   string `json:"resolved_by,omitempty"`
	Source       string `json:"source,omitempty"`
}

type FeedbackRequested struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
	Trigger string `json:"trigger,omitempty"`
	Attempt int    `json:"attempt"`
}

type WorkflowCompleted struct {
	Artifact string `json:"artifact,omitempty"`
}

// Failure causes recorded on WorkflowFailed.
const (
	CauseNonRetryable      = "non_retryable"
	CauseRetriesExhausted  = "retries_exhausted"
	CauseEscalationTimeout = "escalation_timeout"
	CauseStoreConflict     = "store_conflict"
)

type WorkflowFailed struct {
	Phase      string `json:"phase,omitempty"`
	Reason     string `json:"reason"`
	Cause      string `json:"cause"`
	NeedsHuman bool   `json:"needs_human"`
}

type WorkflowRestarted struct {
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

type AgentConsulted struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Question string `json:"question,omitempty"`
	Depth    int    `json:"depth"`
}
