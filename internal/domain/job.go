package domain

// JobStatus is the lifecycle status of a dispatched job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobWorking   JobStatus = "working"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// JobContext is the input handed to an agent for one phase attempt.
type JobContext struct {
	// ExpectedArtifact is the prior artifact the agent must find in its workspace.
	ExpectedArtifact string `json:"expected_artifact,omitempty"`
	// IdempotencyKey dedupes job creation for a single attempt.
	IdempotencyKey string `json:"idempotency_key"`
	// SideEffectKey is stable across resumes of the same phase pass; agents tag commits with it.
	SideEffectKey   string            `json:"side_effect_key"`
	RewindReason    string            `json:"rewind_reason,omitempty"`
	Resolution      *Resolution       `json:"resolution,omitempty"`
	CompletedPhases []string          `json:"completed_phases,omitempty"`
	Attempt         int               `json:"attempt"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// JobRequest is what the orchestrator sends to the agent job interface.
type JobRequest struct {
	IssueID string     `json:"issue_id"`
	Phase   string     `json:"phase"`
	Actor   string     `json:"actor"`
	Context JobContext `json:"context"`
}

// Job is one dispatched attempt at a phase, as reported by the agent side.
type Job struct {
	ID         string    `json:"id"`
	IssueID    string    `json:"issue_id"`
	Phase      string    `json:"phase"`
	Actor      string    `json:"actor"`
	Status     JobStatus `json:"status"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Trigger    string    `json:"trigger,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Artifact   string    `json:"artifact,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	Question   string    `json:"question,omitempty"`
	Condition  string    `json:"condition,omitempty"`
	Usage      Usage     `json:"usage"`
}
