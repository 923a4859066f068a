package domain

import "time"

// Status is the overall workflow status of an issue.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further phase will run without operator action.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EscalationType distinguishes what an escalation is waiting on.
type EscalationType string

const (
	// EscalationHuman waits for a human answer, polled until a deadline.
	EscalationHuman EscalationType = "human"
	// EscalationExternal is a hibernation wait ended by a wake signal.
	EscalationExternal EscalationType = "external"
	// EscalationHalt stops the workflow until an operator restarts it.
	EscalationHalt EscalationType = "halt"
)

// Escalation is a suspended wait for input from outside the orchestrator.
type Escalation struct {
	ID          string         `json:"id"`
	Phase       string         `json:"phase"`
	Type        EscalationType `json:"type"`
	Question    string         `json:"question,omitempty"`
	Confidence  *float64       `json:"confidence,omitempty"`
	Condition   string         `json:"condition,omitempty"`
	RequestedAt time.Time      `json:"requested_at" format:"date-time"`
	Deadline    *time.Time     `json:"deadline,omitempty" format:"date-time"`
	Resolution  *string        `json:"resolution,omitempty"`
}

// Resolution is the answer that ended an escalation, kept as context for the re-attempt.
type Resolution struct {
	EscalationID string `json:"escalation_id"`
	Phase        string `json:"phase"`
	Question     string `json:"question,omitempty"`
	Response     string `json:"response"`
}

// WorkflowState is the projection of an issue's events. Only event application sets it.
type WorkflowState struct {
	IssueID           string      `json:"issue_id"`
	Version           int64       `json:"version"`
	Status            Status      `json:"status" enum:"pending,running,paused,completed,failed"`
	CurrentPhase      string      `json:"current_phase,omitempty"`
	PhasesCompleted   []string    `json:"phases_completed"`
	LastArtifact      string      `json:"last_artifact,omitempty"`
	PendingEscalation *Escalation `json:"pending_escalation,omitempty"`
	PendingRewind     string      `json:"pending_rewind,omitempty"`
	PendingFeedback   string      `json:"pending_feedback,omitempty"`
	RewindAttempts    int         `json:"rewind_attempts"`
	Usage             Usage       `json:"usage"`
	TerminalError     string      `json:"terminal_error,omitempty"`
	NeedsHuman        bool        `json:"needs_human"`
	InFlight          string      `json:"in_flight,omitempty"`
	InFlightVersion   int64       `json:"in_flight_version,omitempty"`
	InFlightAttempt   int         `json:"in_flight_attempt,omitempty"`
	Interrupted       string      `json:"interrupted,omitempty"`
	RetryCount        int         `json:"retry_count"`
	LastRejection     string      `json:"last_rejection,omitempty"`
	LastResolution    *Resolution `json:"last_resolution,omitempty"`
	Consultations     int         `json:"consultations"`
	Definition        []string    `json:"definition,omitempty"`
	DefinitionDigest  string      `json:"definition_digest,omitempty"`
	CreatedAt         time.Time   `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time   `json:"updated_at" format:"date-time"`
}

// Completed reports whether phase is in the completed list.
func (s WorkflowState) Completed(phase string) bool {
	for _, p := range s.PhasesCompleted {
		if p == phase {
			return true
		}
	}
	return false
}

// Exists reports whether at least one event has been applied.
func (s WorkflowState) Exists() bool {
	return s.Version > 0
}
