package projection_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/domain"
	"phaseline/internal/projection"
)

var catalog = []string{"specify", "plan", "tasks", "test-design", "implement", "verify", "review", "merge", "rollout", "retro"}

type log struct {
	t    *testing.T
	evts []domain.Event
}

func (l *log) add(kind domain.EventKind, payload any) {
	l.t.Helper()
	evt, err := domain.NewEvent("ISSUE-1", kind, payload)
	require.NoError(l.t, err)
	evt.Version = int64(len(l.evts) + 1)
	evt.ID = evt.IssueID + "-" + string(rune('a'+len(l.evts)%26))
	evt.TS = time.Date(2024, 1, 1, 0, len(l.evts), 0, 0, time.UTC)
	l.evts = append(l.evts, evt)
}

func (l *log) pass(phase string) {
	l.add(domain.KindPhaseStarted, domain.PhaseStarted{Phase: phase, Actor: "agent", Attempt: 1})
	l.add(domain.KindPhaseCompleted, domain.PhaseCompleted{
		Phase: phase, Outcome: domain.OutcomePass, Artifact: "commit-" + phase,
		Usage: domain.Usage{Tokens: 10, Duration: time.Second},
	})
}

func TestHappyPathCompletesFullCatalog(t *testing.T) {
	l := &log{t: t}
	l.add(domain.KindWorkflowCreated, domain.WorkflowCreated{Phases: catalog, Digest: "d1"})
	for _, p := range catalog {
		l.pass(p)
	}
	l.add(domain.KindWorkflowCompleted, domain.WorkflowCompleted{Artifact: "commit-retro"})

	st := projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, domain.StatusCompleted, st.Status)
	assert.Equal(t, catalog, st.PhasesCompleted)
	assert.Equal(t, "commit-retro", st.LastArtifact)
	assert.Equal(t, int64(len(catalog))*10, st.Usage.Tokens)
	assert.Equal(t, time.Duration(len(catalog))*time.Second, st.Usage.Duration)
	assert.Equal(t, int64(len(l.evts)), st.Version)
	assert.Equal(t, "d1", st.DefinitionDigest)
	assert.Empty(t, st.InFlight)
}

func TestFoldIsDeterministic(t *testing.T) {
	l := &log{t: t}
	l.add(domain.KindWorkflowCreated, domain.WorkflowCreated{Phases: catalog})
	l.pass("specify")
	l.add(domain.KindEscalationRequested, domain.EscalationRequested{Escalation: domain.Escalation{ID: "e1", Phase: "plan", Type: domain.EscalationHuman, Question: "JWT or sessions?"}})
	l.add(domain.KindEscalationResolved, domain.EscalationResolved{EscalationID: "e1", Phase: "plan", Response: "Use JWT"})

	a := projection.Fold("ISSUE-1", l.evts)
	b := projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, a, b)

	ja, err := json.Marshal(a)
	require.NoError(t, err)
	jb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, string(ja), string(jb))
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	l := &log{t: t}
	l.pass("specify")
	before := projection.Fold("ISSUE-1", l.evts)
	snapshot := append([]string(nil), before.PhasesCompleted...)

	l.add(domain.KindFeedbackRequested, domain.FeedbackRequested{From: "plan", To: "specify"})
	_ = projection.Apply(before, l.evts[len(l.evts)-1])
	assert.Equal(t, snapshot, before.PhasesCompleted)
}

func TestRejectionAndRewind(t *testing.T) {
	l := &log{t: t}
	l.add(domain.KindWorkflowCreated, domain.WorkflowCreated{Phases: catalog})
	for _, p := range catalog[:6] {
		l.pass(p)
	}
	l.add(domain.KindPhaseStarted, domain.PhaseStarted{Phase: "review", Attempt: 1})
	l.add(domain.KindPhaseCompleted, domain.PhaseCompleted{Phase: "review", Outcome: domain.OutcomeReject, Reason: "security issue", Usage: domain.Usage{Tokens: 5}})

	st := projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, "security issue", st.LastRejection)
	assert.Equal(t, catalog[:6], st.PhasesCompleted)
	assert.Equal(t, int64(65), st.Usage.Tokens)
	assert.Equal(t, "review", st.PendingFeedback)

	l.add(domain.KindFeedbackRequested, domain.FeedbackRequested{From: "review", To: "specify", Reason: "security issue", Attempt: 1})
	st = projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, "specify", st.PendingRewind)
	assert.Equal(t, 1, st.RewindAttempts)
	assert.Empty(t, st.PhasesCompleted)
	assert.Empty(t, st.PendingFeedback)

	for _, p := range catalog {
		l.pass(p)
	}
	l.add(domain.KindWorkflowCompleted, nil)
	st = projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, domain.StatusCompleted, st.Status)
	assert.Equal(t, 1, st.RewindAttempts)
	assert.Empty(t, st.PendingRewind)
	assert.Equal(t, catalog, st.PhasesCompleted)
}

func TestTriggeredPassDoesNotCompleteThePhase(t *testing.T) {
	l := &log{t: t}
	for _, p := range catalog[:6] {
		l.pass(p)
	}
	l.add(domain.KindPhaseStarted, domain.PhaseStarted{Phase: "review", Attempt: 1})
	l.add(domain.KindPhaseCompleted, domain.PhaseCompleted{
		Phase: "review", Outcome: domain.OutcomePass, Trigger: "security_issue", Feedback: true, Artifact: "commit-review",
	})

	st := projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, catalog[:6], st.PhasesCompleted)
	assert.Equal(t, "commit-verify", st.LastArtifact)
	assert.Equal(t, "review", st.PendingFeedback)
	assert.Equal(t, "feedback trigger security_issue", st.LastRejection)
	assert.Empty(t, st.InFlight)
}

func TestHaltNeedsHumanUntilRestart(t *testing.T) {
	l := &log{t: t}
	l.pass("specify")
	l.add(domain.KindPhaseStarted, domain.PhaseStarted{Phase: "plan", Attempt: 1})
	l.add(domain.KindPhaseCompleted, domain.PhaseCompleted{Phase: "plan", Outcome: domain.OutcomeReject, Reason: "still vague", Feedback: true})
	l.add(domain.KindEscalationRequested, domain.EscalationRequested{Escalation: domain.Escalation{
		ID: "h1", Phase: "plan", Type: domain.EscalationHalt, Question: "rewind ceiling reached",
	}})

	st := projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, domain.StatusPaused, st.Status)
	assert.True(t, st.NeedsHuman)
	assert.Empty(t, st.PendingFeedback)
	assert.NotContains(t, st.PhasesCompleted, "plan")

	l.add(domain.KindWorkflowRestarted, domain.WorkflowRestarted{By: "ops"})
	st = projection.Fold("ISSUE-1", l.evts)
	assert.False(t, st.NeedsHuman)
	assert.Nil(t, st.PendingEscalation)
	assert.Equal(t, []string{"specify"}, st.PhasesCompleted)
}

func TestEscalationLifecycle(t *testing.T) {
	l := &log{t: t}
	l.pass("specify")
	conf := 0.65
	l.add(domain.KindPhaseStarted, domain.PhaseStarted{Phase: "plan", Attempt: 1})
	l.add(domain.KindEscalationRequested, domain.EscalationRequested{Escalation: domain.Escalation{
		ID: "e1", Phase: "plan", Type: domain.EscalationHuman, Question: "JWT or sessions?", Confidence: &conf,
	}})

	st := projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, domain.StatusPaused, st.Status)
	require.NotNil(t, st.PendingEscalation)
	assert.Equal(t, "JWT or sessions?", st.PendingEscalation.Question)
	assert.Empty(t, st.InFlight)

	l.add(domain.KindEscalationResolved, domain.EscalationResolved{EscalationID: "e1", Phase: "plan", Response: "Use JWT"})
	st = projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, domain.StatusRunning, st.Status)
	assert.Nil(t, st.PendingEscalation)
	require.NotNil(t, st.LastResolution)
	assert.Equal(t, "Use JWT", st.LastResolution.Response)
	assert.Equal(t, "JWT or sessions?", st.LastResolution.Question)

	l.pass("plan")
	st = projection.Fold("ISSUE-1", l.evts)
	assert.Nil(t, st.LastResolution)
	assert.Equal(t, []string{"specify", "plan"}, st.PhasesCompleted)
}

func TestInterruptedAndFailedPhases(t *testing.T) {
	l := &log{t: t}
	l.pass("specify")
	l.add(domain.KindPhaseStarted, domain.PhaseStarted{Phase: "plan", Attempt: 1})

	st := projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, "plan", st.InFlight)
	assert.Equal(t, int64(3), st.InFlightVersion)

	l.add(domain.KindPhaseInterrupted, domain.PhaseInterrupted{Phase: "plan", Reason: "shutdown"})
	st = projection.Fold("ISSUE-1", l.evts)
	assert.Empty(t, st.InFlight)
	assert.Equal(t, "plan", st.Interrupted)
	assert.NotContains(t, st.PhasesCompleted, "plan")

	l.add(domain.KindPhaseStarted, domain.PhaseStarted{Phase: "plan", Attempt: 1})
	l.add(domain.KindPhaseFailed, domain.PhaseFailed{Phase: "plan", Error: "timeout", Retryable: true})
	l.add(domain.KindPhaseStarted, domain.PhaseStarted{Phase: "plan", Attempt: 2})
	l.add(domain.KindPhaseFailed, domain.PhaseFailed{Phase: "plan", Error: "timeout", Retryable: true})
	st = projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, 2, st.RetryCount)
	assert.Empty(t, st.Interrupted)

	l.add(domain.KindWorkflowFailed, domain.WorkflowFailed{Phase: "plan", Reason: "retries exhausted", Cause: domain.CauseRetriesExhausted})
	st = projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, domain.StatusFailed, st.Status)
	assert.Equal(t, "retries exhausted", st.TerminalError)
	assert.False(t, st.NeedsHuman)
}

func TestRestartClearsTerminalStateButKeepsProgress(t *testing.T) {
	l := &log{t: t}
	l.pass("specify")
	for i := 0; i < 3; i++ {
		l.add(domain.KindFeedbackRequested, domain.FeedbackRequested{From: "plan", To: "specify"})
	}
	l.pass("specify")
	l.add(domain.KindWorkflowFailed, domain.WorkflowFailed{Reason: "no answer", Cause: domain.CauseEscalationTimeout, NeedsHuman: true})
	st := projection.Fold("ISSUE-1", l.evts)
	require.True(t, st.NeedsHuman)
	require.Equal(t, 3, st.RewindAttempts)

	l.add(domain.KindWorkflowRestarted, domain.WorkflowRestarted{By: "ops"})
	st = projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, domain.StatusRunning, st.Status)
	assert.False(t, st.NeedsHuman)
	assert.Empty(t, st.TerminalError)
	assert.Zero(t, st.RewindAttempts)
	assert.Equal(t, []string{"specify"}, st.PhasesCompleted)
}

func TestUnknownKindsAreIgnored(t *testing.T) {
	l := &log{t: t}
	l.pass("specify")
	known := projection.Fold("ISSUE-1", l.evts)

	l.add(domain.EventKind("artifact.archived"), map[string]string{"where": "s3"})
	st := projection.Fold("ISSUE-1", l.evts)
	assert.Equal(t, known.PhasesCompleted, st.PhasesCompleted)
	assert.Equal(t, known.Status, st.Status)
	assert.Equal(t, int64(3), st.Version)
}

func TestConsultationsCounted(t *testing.T) {
	l := &log{t: t}
	l.add(domain.KindAgentConsulted, domain.AgentConsulted{From: "implementer", To: "architect"})
	l.add(domain.KindAgentConsulted, domain.AgentConsulted{From: "architect", To: "implementer"})
	assert.Equal(t, 2, projection.Fold("ISSUE-1", l.evts).Consultations)
}

func TestInitialState(t *testing.T) {
	st := projection.Fold("ISSUE-9", nil)
	assert.Equal(t, "ISSUE-9", st.IssueID)
	assert.Equal(t, domain.StatusPending, st.Status)
	assert.False(t, st.Exists())
	assert.Empty(t, st.PhasesCompleted)
}
