package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/agent"
	"phaseline/internal/agent/agenttest"
	"phaseline/internal/catalog"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/escalation"
	"phaseline/internal/events"
	"phaseline/internal/migrate"
	"phaseline/internal/notify"
	"phaseline/internal/repo"
	"phaseline/internal/resilience"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Send(_ context.Context, msg notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type testEnv struct {
	Ctx    context.Context
	Store  events.Store
	Repo   repo.Repo
	Fake   *agenttest.Fake
	Ledger *resilience.Ledger
	Orch   *engine.Orchestrator
	Clock  *clock
	Sent   *recorder
	Delays []time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	env := &testEnv{Ctx: context.Background(), Clock: &clock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}, Sent: &recorder{}}
	env.Store = events.New(conn, nil)
	env.Store.Now = env.Clock.Now
	env.Repo = repo.Repo{DB: conn, Now: env.Clock.Now}
	env.Fake = agenttest.New()
	env.Ledger = &resilience.Ledger{DB: conn, Now: env.Clock.Now}

	env.Orch = &engine.Orchestrator{
		Store:   env.Store,
		Catalog: catalog.Default(),
		Agents: &agent.Client{
			API:          env.Fake,
			Breakers:     resilience.NewBreakerSet(3, time.Minute, nil, nil),
			Ledger:       env.Ledger,
			PollInterval: time.Millisecond,
		},
		Escalations: &escalation.Controller{
			Store:        env.Store,
			Responses:    escalation.StoreResponses{Repo: env.Repo},
			Wakes:        escalation.StoreWakes{Repo: env.Repo},
			Notify:       env.Sent,
			PollInterval: 2 * time.Millisecond,
			Timeout:      time.Hour,
			Now:          env.Clock.Now,
		},
		Notify:     env.Sent,
		Limiter:    resilience.NewPairLimiter(6, 1, 3),
		MaxRetries: 3,
		Backoff:    resilience.Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2},
		Now:        env.Clock.Now,
	}
	env.Orch.Sleep = func(_ context.Context, d time.Duration) error {
		env.Delays = append(env.Delays, d)
		return nil
	}
	return env
}

func (env *testEnv) state(t *testing.T, issue string) domain.WorkflowState {
	t.Helper()
	st, err := env.Orch.State(env.Ctx, issue)
	require.NoError(t, err)
	return st
}

func (env *testEnv) count(t *testing.T, issue string, kind domain.EventKind) int {
	t.Helper()
	n, err := env.Store.Count(env.Ctx, issue, kind)
	require.NoError(t, err)
	return n
}

func (env *testEnv) version(t *testing.T, issue string) int64 {
	t.Helper()
	v, err := env.Store.MaxVersion(env.Ctx, issue)
	require.NoError(t, err)
	return v
}

func (env *testEnv) requestsFor(phase string) []domain.JobRequest {
	var out []domain.JobRequest
	for _, r := range env.Fake.Requests() {
		if r.Phase == phase {
			out = append(out, r)
		}
	}
	return out
}

var allPhases = []string{"specify", "plan", "tasks", "test-design", "implement", "verify", "review", "merge", "rollout", "retro"}

func TestHappyPathCompletesEveryPhase(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.Orch.Run(env.Ctx, "ISS-1")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)

	st := env.state(t, "ISS-1")
	assert.Equal(t, domain.StatusCompleted, st.Status)
	assert.Equal(t, allPhases, st.PhasesCompleted)
	assert.Equal(t, "commit-12", st.LastArtifact)
	assert.Equal(t, 0, st.RewindAttempts)

	// implement fans out to its three sub-actors
	assert.Len(t, env.Fake.Requests(), 12)
	var implActors []string
	for _, r := range env.requestsFor("implement") {
		implActors = append(implActors, r.Actor)
	}
	assert.Equal(t, []string{"backend", "frontend", "infra"}, implActors)

	evts, err := env.Store.Events(env.Ctx, "ISS-1", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.KindWorkflowCreated, evts[0].Kind)
	assert.Equal(t, domain.KindWorkflowCompleted, evts[len(evts)-1].Kind)
	assert.Equal(t, 10, env.count(t, "ISS-1", domain.KindPhaseStarted))
	assert.Equal(t, 10, env.count(t, "ISS-1", domain.KindPhaseCompleted))
	assert.Equal(t, 1, env.Sent.count(notify.KindCompleted))
}

func TestExpectedArtifactIsThePreviousPhaseOutput(t *testing.T) {
	env := newTestEnv(t)
	env.Fake.StrictArtifacts = true

	res, err := env.Orch.Run(env.Ctx, "ISS-2")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)

	reqs := env.Fake.Requests()
	assert.Equal(t, "", reqs[0].Context.ExpectedArtifact)
	assert.Equal(t, "commit-1", reqs[1].Context.ExpectedArtifact)
}

func TestRunIsIdempotentOnceFinished(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Orch.Run(env.Ctx, "ISS-3")
	require.NoError(t, err)
	before := env.version(t, "ISS-3")
	jobs := len(env.Fake.Requests())

	res, err := env.Orch.Run(env.Ctx, "ISS-3")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)
	assert.Equal(t, before, env.version(t, "ISS-3"))
	assert.Len(t, env.Fake.Requests(), jobs)
}

func TestSingleRejectionRewindsAndRecovers(t *testing.T) {
	env := newTestEnv(t)
	env.Fake.Script("review", agenttest.Result{Outcome: domain.OutcomeReject, Reason: "missing tests"})

	res, err := env.Orch.Run(env.Ctx, "ISS-4")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)

	st := env.state(t, "ISS-4")
	assert.Equal(t, 1, st.RewindAttempts)
	assert.Equal(t, allPhases, st.PhasesCompleted)
	assert.Equal(t, 1, env.count(t, "ISS-4", domain.KindFeedbackRequested))

	specs := env.requestsFor("specify")
	require.Len(t, specs, 2)
	assert.Empty(t, specs[0].Context.RewindReason)
	assert.Equal(t, "missing tests", specs[1].Context.RewindReason)
	assert.NotEqual(t, specs[0].Context.SideEffectKey, specs[1].Context.SideEffectKey)
	assert.Equal(t, 1, env.Sent.count(notify.KindRewind))
}

func TestFeedbackTriggerOnPassRewinds(t *testing.T) {
	env := newTestEnv(t)
	env.Fake.Script("rollout", agenttest.Result{Outcome: domain.OutcomePass, Trigger: "rollback", Reason: "error budget burned"})

	res, err := env.Orch.Run(env.Ctx, "ISS-5")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)
	assert.Equal(t, 1, env.state(t, "ISS-5").RewindAttempts)
	assert.Len(t, env.requestsFor("rollout"), 2)
}

func TestRewindCeilingHaltsThenRestartContinues(t *testing.T) {
	env := newTestEnv(t)
	rejects := make([]agenttest.Result, 6)
	for i := range rejects {
		rejects[i] = agenttest.Result{Outcome: domain.OutcomeReject, Reason: "flaky"}
	}
	env.Fake.Script("verify", rejects...)

	res, err := env.Orch.Run(env.Ctx, "ISS-6")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultEscalated, res)

	st := env.state(t, "ISS-6")
	assert.Equal(t, 5, env.count(t, "ISS-6", domain.KindFeedbackRequested))
	assert.Equal(t, 5, st.RewindAttempts)
	assert.Equal(t, domain.StatusPaused, st.Status)
	require.NotNil(t, st.PendingEscalation)
	assert.Equal(t, domain.EscalationHalt, st.PendingEscalation.Type)
	assert.NotEqual(t, domain.StatusFailed, st.Status)
	assert.True(t, st.NeedsHuman)

	// halted issues stay put until restarted
	v := env.version(t, "ISS-6")
	res, err = env.Orch.Run(env.Ctx, "ISS-6")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultEscalated, res)
	assert.Equal(t, v, env.version(t, "ISS-6"))

	st, err = env.Orch.Restart(env.Ctx, "ISS-6", "ops", "flake fixed")
	require.NoError(t, err)
	assert.Equal(t, 0, st.RewindAttempts)
	assert.Nil(t, st.PendingEscalation)
	assert.Contains(t, st.PhasesCompleted, "implement")

	res, err = env.Orch.Run(env.Ctx, "ISS-6")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)
	// the phase that rejected is attempted again after the restart
	assert.Len(t, env.requestsFor("verify"), 7)
}

func TestTriggeredPassAtCeilingIsRerunAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	flagged := make([]agenttest.Result, 6)
	for i := range flagged {
		flagged[i] = agenttest.Result{Outcome: domain.OutcomePass, Trigger: "security_issue", Artifact: "commit-flagged"}
	}
	env.Fake.Script("review", flagged...)

	res, err := env.Orch.Run(env.Ctx, "ISS-60")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultEscalated, res)

	st := env.state(t, "ISS-60")
	assert.True(t, st.NeedsHuman)
	assert.NotContains(t, st.PhasesCompleted, "review")
	assert.NotEqual(t, "commit-flagged", st.LastArtifact)
	assert.Equal(t, "feedback trigger security_issue", st.LastRejection)

	_, err = env.Orch.Restart(env.Ctx, "ISS-60", "ops", "reviewed by hand")
	require.NoError(t, err)
	res, err = env.Orch.Run(env.Ctx, "ISS-60")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)
	assert.Len(t, env.requestsFor("review"), 7)
	assert.Equal(t, allPhases, env.state(t, "ISS-60").PhasesCompleted)
}

// lossyStore fails every append of one kind, like a process dying right
// before writing it.
type lossyStore struct {
	engine.Store
	drop domain.EventKind
}

func (s lossyStore) Append(ctx context.Context, evt domain.Event) (domain.Event, error) {
	if evt.Kind == s.drop {
		return domain.Event{}, errors.New("process killed")
	}
	return s.Store.Append(ctx, evt)
}

func TestRejectionSurvivesCrashBeforeRewind(t *testing.T) {
	env := newTestEnv(t)
	env.Fake.Script("review", agenttest.Result{Outcome: domain.OutcomeReject, Reason: "missing tests"})

	crashing := *env.Orch
	crashing.Store = lossyStore{Store: env.Store, drop: domain.KindFeedbackRequested}
	_, err := crashing.Run(env.Ctx, "ISS-61")
	require.Error(t, err)
	st := env.state(t, "ISS-61")
	assert.Equal(t, "review", st.PendingFeedback)
	assert.Zero(t, env.count(t, "ISS-61", domain.KindFeedbackRequested))

	res, err := env.Orch.Run(env.Ctx, "ISS-61")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)

	st = env.state(t, "ISS-61")
	assert.Equal(t, 1, st.RewindAttempts)
	assert.Equal(t, 1, env.count(t, "ISS-61", domain.KindFeedbackRequested))
	specs := env.requestsFor("specify")
	require.Len(t, specs, 2)
	assert.Equal(t, "missing tests", specs[1].Context.RewindReason)
	assert.Len(t, env.requestsFor("review"), 2)
}

func TestRestartNotAllowedWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Orch.Restart(env.Ctx, "NOPE", "ops", "")
	assert.ErrorIs(t, err, engine.ErrUnknownIssue)

	_, err = env.Orch.Run(env.Ctx, "ISS-7")
	require.NoError(t, err)
	_, err = env.Orch.Restart(env.Ctx, "ISS-7", "ops", "")
	assert.ErrorIs(t, err, engine.ErrRestartNotAllowed)
}

func TestEscalationResolutionReachesTheReattempt(t *testing.T) {
	env := newTestEnv(t)
	conf := 0.4
	env.Fake.Script("plan", agenttest.Result{Outcome: domain.OutcomeInputRequired, Question: "Which database?", Confidence: &conf})

	type outcome struct {
		res engine.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := env.Orch.Run(env.Ctx, "ISS-8")
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		st := env.state(t, "ISS-8")
		return st.PendingEscalation != nil && st.PendingEscalation.Type == domain.EscalationHuman
	}, 5*time.Second, 5*time.Millisecond)
	_, err := env.Repo.InsertResponse(env.Ctx, "ISS-8", "Postgres", "alice")
	require.NoError(t, err)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, engine.ResultCompleted, out.res)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}

	plans := env.requestsFor("plan")
	require.Len(t, plans, 2)
	assert.Nil(t, plans[0].Context.Resolution)
	require.NotNil(t, plans[1].Context.Resolution)
	assert.Equal(t, "Postgres", plans[1].Context.Resolution.Response)
	assert.Equal(t, "Which database?", plans[1].Context.Resolution.Question)
	assert.Equal(t, 1, env.count(t, "ISS-8", domain.KindEscalationResolved))
}

func TestEscalationTimeoutFailsNeedingHuman(t *testing.T) {
	env := newTestEnv(t)
	env.Fake.Script("plan", agenttest.Result{Outcome: domain.OutcomeInputRequired, Question: "?"})

	done := make(chan engine.Result, 1)
	go func() {
		res, _ := env.Orch.Run(env.Ctx, "ISS-9")
		done <- res
	}()
	require.Eventually(t, func() bool {
		return env.state(t, "ISS-9").PendingEscalation != nil
	}, 5*time.Second, 5*time.Millisecond)
	env.Clock.Advance(2 * time.Hour)

	select {
	case res := <-done:
		assert.Equal(t, engine.ResultFailed, res)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	st := env.state(t, "ISS-9")
	assert.Equal(t, domain.StatusFailed, st.Status)
	assert.True(t, st.NeedsHuman)

	// not retried on re-entry
	v := env.version(t, "ISS-9")
	res, err := env.Orch.Run(env.Ctx, "ISS-9")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultFailed, res)
	assert.Equal(t, v, env.version(t, "ISS-9"))
}

func TestHibernationResumesWithSameSideEffectKey(t *testing.T) {
	env := newTestEnv(t)
	env.Fake.Script("rollout", agenttest.Result{Outcome: domain.OutcomeWaitingForExternal, Condition: "deploy window"})

	res, err := env.Orch.Run(env.Ctx, "ISS-10")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultWaitingForExternal, res)
	st := env.state(t, "ISS-10")
	require.NotNil(t, st.PendingEscalation)
	assert.Equal(t, domain.EscalationExternal, st.PendingEscalation.Type)

	// re-entry without a wake signal changes nothing
	v := env.version(t, "ISS-10")
	res, err = env.Orch.Run(env.Ctx, "ISS-10")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultWaitingForExternal, res)
	assert.Equal(t, v, env.version(t, "ISS-10"))

	_, err = env.Repo.InsertWake(env.Ctx, "ISS-10", "window open", "api")
	require.NoError(t, err)
	res, err = env.Orch.Run(env.Ctx, "ISS-10")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)

	rollouts := env.requestsFor("rollout")
	require.Len(t, rollouts, 2)
	assert.Equal(t, rollouts[0].Context.SideEffectKey, rollouts[1].Context.SideEffectKey)
	assert.NotEqual(t, rollouts[0].Context.IdempotencyKey, rollouts[1].Context.IdempotencyKey)
	// phases before rollout ran exactly once
	assert.Len(t, env.requestsFor("merge"), 1)
}

func TestShutdownCheckpointsAndResumes(t *testing.T) {
	env := newTestEnv(t)
	env.Fake.Script("tasks", agenttest.Result{Hold: true})

	ctx, cancel := context.WithCancel(env.Ctx)
	type outcome struct {
		res engine.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := env.Orch.Run(ctx, "ISS-11")
		done <- outcome{res, err}
	}()
	require.Eventually(t, func() bool { return len(env.Fake.Working()) == 1 }, 5*time.Second, time.Millisecond)
	cancel()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, engine.ResultInterrupted, out.res)
	assert.ErrorIs(t, out.err, context.Canceled)

	st := env.state(t, "ISS-11")
	assert.Equal(t, "tasks", st.Interrupted)
	assert.Empty(t, st.InFlight)
	assert.Len(t, env.Fake.Canceled(), 1)
	assert.Equal(t, 1, env.count(t, "ISS-11", domain.KindPhaseInterrupted))

	res, err := env.Orch.Run(env.Ctx, "ISS-11")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)
	tasks := env.requestsFor("tasks")
	require.Len(t, tasks, 2)
	assert.Equal(t, tasks[0].Context.SideEffectKey, tasks[1].Context.SideEffectKey)
	assert.Len(t, env.requestsFor("plan"), 1)
}

func TestCrashedPhaseIsAdoptedWithoutNewJob(t *testing.T) {
	env := newTestEnv(t)
	issue := "ISS-12"
	created, err := domain.NewEvent(issue, domain.KindWorkflowCreated, domain.WorkflowCreated{Phases: env.Orch.Catalog.Names(), Digest: env.Orch.Catalog.Digest()})
	require.NoError(t, err)
	_, err = env.Store.Append(env.Ctx, created)
	require.NoError(t, err)
	started, err := domain.NewEvent(issue, domain.KindPhaseStarted, domain.PhaseStarted{Phase: "specify", Actor: "product-owner", Attempt: 1})
	require.NoError(t, err)
	started, err = env.Store.Append(env.Ctx, started)
	require.NoError(t, err)

	// the crashed process created the job and recorded it before dying
	key := resilience.JobKey(issue, "specify", started.Version)
	jobID, err := env.Fake.CreateJob(env.Ctx, domain.JobRequest{
		IssueID: issue, Phase: "specify", Actor: "product-owner",
		Context: domain.JobContext{IdempotencyKey: key},
	})
	require.NoError(t, err)
	require.NoError(t, env.Ledger.Complete(env.Ctx, key, "job", jobID))

	res, err := env.Orch.Run(env.Ctx, issue)
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)
	assert.Len(t, env.requestsFor("specify"), 1)
	assert.Equal(t, 10, env.count(t, issue, domain.KindPhaseStarted))
}

func TestRetryableFailuresBackOffThenSucceed(t *testing.T) {
	env := newTestEnv(t)
	env.Fake.Script("plan",
		agenttest.Result{Failed: true, ErrorCode: "unavailable", Error: "agent pool drained"},
		agenttest.Result{Failed: true, ErrorCode: "timeout", Error: "slow"},
	)

	res, err := env.Orch.Run(env.Ctx, "ISS-13")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)
	assert.Equal(t, 2, env.count(t, "ISS-13", domain.KindPhaseFailed))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, env.Delays)

	plans := env.requestsFor("plan")
	require.Len(t, plans, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{plans[0].Context.Attempt, plans[1].Context.Attempt, plans[2].Context.Attempt})
}

func TestRetriesExhaustedFails(t *testing.T) {
	env := newTestEnv(t)
	env.Orch.MaxRetries = 2
	for i := 0; i < 3; i++ {
		env.Fake.Script("plan", agenttest.Result{Failed: true, ErrorCode: "unavailable", Error: "down"})
	}

	res, err := env.Orch.Run(env.Ctx, "ISS-14")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultFailed, res)
	st := env.state(t, "ISS-14")
	assert.Equal(t, domain.StatusFailed, st.Status)
	assert.Contains(t, st.TerminalError, "3 attempts failed")
	assert.Equal(t, 3, env.count(t, "ISS-14", domain.KindPhaseFailed))
}

func TestNonRetryableErrorsFailImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.Fake.Script("plan", agenttest.Result{Failed: true, ErrorCode: agent.CodeStateMismatch, Error: "workspace diverged"})

	res, err := env.Orch.Run(env.Ctx, "ISS-15")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultFailed, res)

	st := env.state(t, "ISS-15")
	assert.True(t, st.NeedsHuman)
	assert.Contains(t, st.TerminalError, "workspace diverged")
	assert.Empty(t, env.Delays)

	evts, err := env.Store.Events(env.Ctx, "ISS-15", 0, domain.KindPhaseFailed)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	var p domain.PhaseFailed
	require.NoError(t, evts[0].Decode(&p))
	assert.False(t, p.Retryable)
}

func TestSubActorRejectionStopsThePhase(t *testing.T) {
	env := newTestEnv(t)
	env.Fake.Script("implement/frontend", agenttest.Result{Outcome: domain.OutcomeReject, Reason: "api contract unclear"})

	res, err := env.Orch.Run(env.Ctx, "ISS-16")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)

	var actors []string
	for _, r := range env.requestsFor("implement") {
		actors = append(actors, r.Actor)
	}
	assert.Equal(t, []string{"backend", "frontend", "backend", "frontend", "infra"}, actors)
}

func TestCatalogChangeIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	created, err := domain.NewEvent("ISS-17", domain.KindWorkflowCreated, domain.WorkflowCreated{Phases: []string{"specify"}, Digest: "0000"})
	require.NoError(t, err)
	_, err = env.Store.Append(env.Ctx, created)
	require.NoError(t, err)

	_, err = env.Orch.Run(env.Ctx, "ISS-17")
	require.NoError(t, err)

	evts, err := env.Store.Events(env.Ctx, "ISS-17", 0, domain.KindWorkflowDefinitionUpdated)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	var p domain.WorkflowDefinitionUpdated
	require.NoError(t, evts[0].Decode(&p))
	assert.Equal(t, "0000", p.PrevDigest)
	assert.Equal(t, env.Orch.Catalog.Digest(), p.Digest)
}

func TestHaltedIssueIgnoresCatalogChangeUntilRestart(t *testing.T) {
	env := newTestEnv(t)
	rejects := make([]agenttest.Result, 6)
	for i := range rejects {
		rejects[i] = agenttest.Result{Outcome: domain.OutcomeReject, Reason: "flaky"}
	}
	env.Fake.Script("plan", rejects...)
	res, err := env.Orch.Run(env.Ctx, "ISS-62")
	require.NoError(t, err)
	require.Equal(t, engine.ResultEscalated, res)

	changed, err := catalog.New(catalog.DefaultPhases(), "plan", 5)
	require.NoError(t, err)
	env.Orch.Catalog = changed
	v := env.version(t, "ISS-62")
	res, err = env.Orch.Run(env.Ctx, "ISS-62")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultEscalated, res)
	assert.Equal(t, v, env.version(t, "ISS-62"))
	assert.Zero(t, env.count(t, "ISS-62", domain.KindWorkflowDefinitionUpdated))

	_, err = env.Orch.Restart(env.Ctx, "ISS-62", "ops", "")
	require.NoError(t, err)
	res, err = env.Orch.Run(env.Ctx, "ISS-62")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultCompleted, res)
	assert.Equal(t, 1, env.count(t, "ISS-62", domain.KindWorkflowDefinitionUpdated))
}

func TestConsultIsRateLimitedPerPair(t *testing.T) {
	env := newTestEnv(t)
	c := engine.Consultation{From: "implementer", To: "architect", Question: "which queue?", Depth: 1}

	_, err := env.Orch.Consult(env.Ctx, "ISS-18", c)
	require.NoError(t, err)
	_, err = env.Orch.Consult(env.Ctx, "ISS-18", c)
	var limit *resilience.ConsultationLimitError
	require.True(t, errors.As(err, &limit))
	assert.Equal(t, "rate", limit.Reason())

	_, err = env.Orch.Consult(env.Ctx, "ISS-18", engine.Consultation{From: "architect", To: "implementer", Depth: 9})
	require.True(t, errors.As(err, &limit))
	assert.Equal(t, "depth", limit.Reason())

	_, err = env.Orch.Consult(env.Ctx, "ISS-18", engine.Consultation{From: "a", To: "a"})
	assert.Error(t, err)
	assert.Equal(t, 1, env.state(t, "ISS-18").Consultations)
}

func TestRunnerAllowsOneLoopPerIssue(t *testing.T) {
	env := newTestEnv(t)
	env.Fake.Script("specify", agenttest.Result{Hold: true})
	runner := engine.NewRunner(env.Orch, nil)

	ctx, cancel := context.WithCancel(env.Ctx)
	require.NoError(t, runner.Start(ctx, "ISS-19"))
	require.Eventually(t, func() bool { return len(env.Fake.Working()) == 1 }, 5*time.Second, time.Millisecond)
	assert.True(t, runner.Running("ISS-19"))

	_, err := runner.Run(env.Ctx, "ISS-19")
	assert.ErrorIs(t, err, engine.ErrAlreadyRunning)
	assert.ErrorIs(t, runner.Start(env.Ctx, "ISS-19"), engine.ErrAlreadyRunning)

	cancel()
	runner.Wait()
	assert.False(t, runner.Running("ISS-19"))
}
