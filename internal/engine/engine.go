// Package engine runs the orchestrator loop: it rehydrates an issue from its
// events, picks the next phase, dispatches it to an agent, interprets the
// outcome and appends the resulting events until the issue finishes, fails,
// escalates or hibernates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/agent"
	"phaseline/internal/catalog"
	"phaseline/internal/domain"
	"phaseline/internal/escalation"
	"phaseline/internal/events"
	"phaseline/internal/metrics"
	"phaseline/internal/notify"
	"phaseline/internal/projection"
	"phaseline/internal/resilience"
)

// Result is how one invocation of the loop ended.
type Result string

const (
	ResultCompleted          Result = "completed"
	ResultFailed             Result = "failed"
	ResultEscalated          Result = "escalated"
	ResultWaitingForExternal Result = "waiting_for_external"
	ResultInterrupted        Result = "interrupted"
)

const DefaultMaxRetries = 3

var (
	ErrRestartNotAllowed = errors.New("restart requires a failed workflow or a halted one")
	ErrUnknownIssue      = errors.New("issue has no events")
)

// Store is the event store as the orchestrator uses it.
type Store interface {
	projection.EventReader
	Append(ctx context.Context, evt domain.Event) (domain.Event, error)
	AppendExpected(ctx context.Context, evt domain.Event, expected int64) (domain.Event, error)
}

// Dispatcher creates agent jobs and waits for them. *agent.Client implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.JobRequest) (domain.Job, error)
	Await(ctx context.Context, job domain.Job) (domain.Job, error)
	Cancel(ctx context.Context, jobID string)
}

type Orchestrator struct {
	Store       Store
	Catalog     *catalog.Catalog
	Agents      Dispatcher
	Escalations *escalation.Controller
	Notify      notify.Sender
	Limiter     *resilience.PairLimiter
	MaxRetries  int
	Backoff     resilience.Backoff
	Sleep       resilience.Sleeper
	// Grace bounds the checkpoint writes made after cancellation.
	Grace time.Duration
	Now   func() time.Time
	Log   *zap.Logger
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) log() *zap.Logger {
	if o.Log != nil {
		return o.Log
	}
	return zap.NewNop()
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	return resilience.Sleep(ctx, d)
}

func (o *Orchestrator) maxRetries() int {
	if o.MaxRetries > 0 {
		return o.MaxRetries
	}
	return DefaultMaxRetries
}

func (o *Orchestrator) send(ctx context.Context, msg notify.Message) {
	if o.Notify != nil {
		o.Notify.Send(ctx, msg)
	}
}

// State replays the issue's events.
func (o *Orchestrator) State(ctx context.Context, issueID string) (domain.WorkflowState, error) {
	return projection.Load(ctx, o.Store, issueID)
}

// Run drives issueID until it completes, fails, escalates, hibernates or ctx
// is cancelled. Outcomes recorded as events return a nil error; the error is
// reserved for infrastructure faults and interruption.
func (o *Orchestrator) Run(ctx context.Context, issueID string) (res Result, err error) {
	log := o.log().With(zap.String("issue_id", issueID))
	defer func() {
		metrics.WorkflowResults.WithLabelValues(string(res)).Inc()
		log.Info("orchestrator loop exited", zap.String("result", string(res)), zap.Error(err))
	}()

	res, err = o.run(ctx, issueID, log)
	var sce *events.StoreConflictError
	if errors.As(err, &sce) {
		o.recordStoreConflict(ctx, issueID, sce, log)
		return ResultFailed, err
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, issueID string, log *zap.Logger) (Result, error) {
	st, err := o.State(ctx, issueID)
	if err != nil {
		return ResultFailed, err
	}
	if res, ok := finished(st); ok {
		return res, nil
	}

	conflicts := 0
	defined := false
	for {
		if res, ok := finished(st); ok {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return ResultInterrupted, err
		}
		if st.PendingEscalation != nil {
			res, resume, err := o.resumeEscalation(ctx, st, log)
			if !resume {
				return res, err
			}
			if st, err = o.State(ctx, issueID); err != nil {
				return ResultFailed, err
			}
			continue
		}
		if !defined {
			if st, err = o.ensureDefinition(ctx, st, log); err != nil {
				return ResultFailed, err
			}
			defined = true
		}
		if st.PendingFeedback != "" {
			// a feedback completion whose rewind was never recorded
			log.Info("settling recorded feedback", zap.String("phase", st.PendingFeedback))
			res, done, err := o.rewind(ctx, st, st.PendingFeedback, st.LastRejection, "", log)
			if done {
				return res, err
			}
			if st, err = o.State(ctx, issueID); err != nil {
				return ResultFailed, err
			}
			continue
		}

		name := o.nextPhase(st)
		if name == "" {
			if _, err := o.record(ctx, st, domain.KindWorkflowCompleted, domain.WorkflowCompleted{Artifact: st.LastArtifact}); err != nil {
				return ResultFailed, err
			}
			log.Info("workflow completed", zap.String("artifact", st.LastArtifact))
			o.send(ctx, notify.Message{IssueID: issueID, Kind: notify.KindCompleted, Text: "all phases passed", Fields: map[string]string{"artifact": st.LastArtifact}})
			return ResultCompleted, nil
		}
		phase, ok := o.Catalog.Phase(name)
		if !ok {
			return o.fail(ctx, st, name, fmt.Errorf("phase %q is not in the catalog", name), domain.CauseNonRetryable, true, log)
		}

		started, err := o.claim(ctx, st, phase, log)
		if errors.Is(err, events.ErrVersionConflict) {
			conflicts++
			if conflicts >= events.DefaultAppendRetries {
				return ResultFailed, &events.StoreConflictError{IssueID: issueID, Attempts: conflicts, Err: err}
			}
			if st, err = o.State(ctx, issueID); err != nil {
				return ResultFailed, err
			}
			continue
		}
		if err != nil {
			return ResultFailed, err
		}
		conflicts = 0

		res, done, err := o.runPhase(ctx, started, phase, log)
		if done {
			return res, err
		}
		if st, err = o.State(ctx, issueID); err != nil {
			return ResultFailed, err
		}
	}
}

func finished(st domain.WorkflowState) (Result, bool) {
	switch st.Status {
	case domain.StatusCompleted:
		return ResultCompleted, true
	case domain.StatusFailed:
		return ResultFailed, true
	}
	return "", false
}

// ensureDefinition records the catalog the issue runs under, and any change
// to it since the last run.
func (o *Orchestrator) ensureDefinition(ctx context.Context, st domain.WorkflowState, log *zap.Logger) (domain.WorkflowState, error) {
	digest := o.Catalog.Digest()
	if !st.Exists() {
		evt, err := domain.NewEvent(st.IssueID, domain.KindWorkflowCreated, domain.WorkflowCreated{Phases: o.Catalog.Names(), Digest: digest})
		if err != nil {
			return st, err
		}
		appended, err := o.Store.AppendExpected(ctx, evt, 1)
		if errors.Is(err, events.ErrVersionConflict) {
			// created concurrently; continue from what is stored
			return o.State(ctx, st.IssueID)
		}
		if err != nil {
			return st, err
		}
		log.Info("workflow created", zap.String("digest", digest))
		return projection.Apply(st, appended), nil
	}
	if st.DefinitionDigest == digest {
		return st, nil
	}
	log.Warn("catalog changed since the issue was created",
		zap.String("prev_digest", st.DefinitionDigest),
		zap.String("digest", digest))
	return o.record(ctx, st, domain.KindWorkflowDefinitionUpdated, domain.WorkflowDefinitionUpdated{
		Phases:     o.Catalog.Names(),
		Digest:     digest,
		PrevDigest: st.DefinitionDigest,
	})
}

// nextPhase is the pending rewind target, a phase a crashed run left in
// flight, or the first phase not yet completed.
func (o *Orchestrator) nextPhase(st domain.WorkflowState) string {
	if st.PendingRewind != "" {
		return st.PendingRewind
	}
	if st.InFlight != "" {
		return st.InFlight
	}
	return o.Catalog.FirstIncomplete(st.PhasesCompleted)
}

// claim appends PhaseStarted right after the state it was computed from, so
// a second orchestrator working from the same state loses. A phase left in
// flight by a crash is adopted instead of started again.
func (o *Orchestrator) claim(ctx context.Context, st domain.WorkflowState, phase catalog.Phase, log *zap.Logger) (domain.WorkflowState, error) {
	if st.InFlight == phase.Name && st.InFlightVersion > 0 {
		log.Info("adopting phase left in flight",
			zap.String("phase", phase.Name),
			zap.Int64("started_version", st.InFlightVersion))
		return st, nil
	}
	attempt := 1
	if st.CurrentPhase == phase.Name {
		attempt = st.RetryCount + 1
	}
	evt, err := domain.NewEvent(st.IssueID, domain.KindPhaseStarted, domain.PhaseStarted{Phase: phase.Name, Actor: phase.Actor, Attempt: attempt})
	if err != nil {
		return st, err
	}
	appended, err := o.Store.AppendExpected(ctx, evt, st.Version+1)
	if err != nil {
		return st, err
	}
	log.Info("phase started", zap.String("phase", phase.Name), zap.Int("attempt", attempt))
	o.send(ctx, notify.Message{
		IssueID: st.IssueID,
		Kind:    notify.KindPhaseStarted,
		Phase:   phase.Name,
		Text:    fmt.Sprintf("%s started (attempt %d)", phase.Name, attempt),
	})
	return projection.Apply(st, appended), nil
}

// runPhase dispatches every actor of the claimed phase and acts on the
// outcome. done reports that the loop must return res.
func (o *Orchestrator) runPhase(ctx context.Context, st domain.WorkflowState, phase catalog.Phase, log *zap.Logger) (res Result, done bool, err error) {
	log = log.With(zap.String("phase", phase.Name))
	begin := time.Now()
	job, jobID, err := o.dispatchActors(ctx, st, phase, log)
	metrics.PhaseDuration.WithLabelValues(phase.Name).Observe(time.Since(begin).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return o.interrupt(ctx, st, phase.Name, jobID, log)
		}
		if resilience.IsRetryable(err) {
			metrics.PhaseAttempts.WithLabelValues(phase.Name, "retryable_error").Inc()
			return o.retry(ctx, st, phase.Name, err, log)
		}
		metrics.PhaseAttempts.WithLabelValues(phase.Name, "error").Inc()
		if _, recErr := o.record(ctx, st, domain.KindPhaseFailed, domain.PhaseFailed{
			Phase: phase.Name, Error: err.Error(), Retryable: false, Attempt: st.InFlightAttempt,
		}); recErr != nil {
			return ResultFailed, true, recErr
		}
		res, err := o.fail(ctx, st, phase.Name, err, domain.CauseNonRetryable, errors.Is(err, agent.ErrStateMismatch), log)
		return res, true, err
	}
	metrics.PhaseAttempts.WithLabelValues(phase.Name, string(job.Outcome)).Inc()

	switch job.Outcome {
	case domain.OutcomePass, domain.OutcomeReject:
		return o.complete(ctx, st, phase, job, log)

	case domain.OutcomeInputRequired:
		log.Info("agent needs input", zap.String("question", job.Question))
		w, err := o.Escalations.Open(ctx, st.IssueID, domain.Escalation{
			Phase:      phase.Name,
			Type:       domain.EscalationHuman,
			Question:   job.Question,
			Confidence: job.Confidence,
		})
		if err != nil {
			return ResultFailed, true, err
		}
		return o.awaitHuman(ctx, w)

	case domain.OutcomeWaitingForExternal:
		log.Info("hibernating until woken", zap.String("condition", job.Condition))
		if _, err := o.Escalations.Open(ctx, st.IssueID, domain.Escalation{
			Phase:     phase.Name,
			Type:      domain.EscalationExternal,
			Condition: job.Condition,
		}); err != nil {
			return ResultFailed, true, err
		}
		return ResultWaitingForExternal, true, nil
	}
	res, err = o.fail(ctx, st, phase.Name, fmt.Errorf("job %s returned unknown outcome %q", job.ID, job.Outcome), domain.CauseNonRetryable, true, log)
	return res, true, err
}

// dispatchActors runs the phase's actors in order. The first non-pass
// outcome ends the phase; usage is summed and the last artifact wins. jobID
// is the job in flight when an error occurred.
func (o *Orchestrator) dispatchActors(ctx context.Context, st domain.WorkflowState, phase catalog.Phase, log *zap.Logger) (domain.Job, string, error) {
	actors := phase.Actors()
	expected := st.LastArtifact
	var usage domain.Usage
	var last domain.Job
	for _, actor := range actors {
		scope := phase.Name
		if len(phase.SubActors) > 0 {
			scope = phase.Name + "/" + actor
		}
		req := domain.JobRequest{
			IssueID: st.IssueID,
			Phase:   phase.Name,
			Actor:   actor,
			Context: o.jobContext(st, phase.Name, scope, expected),
		}
		job, err := o.Agents.Dispatch(ctx, req)
		if err != nil {
			return domain.Job{}, job.ID, err
		}
		log.Debug("awaiting job", zap.String("actor", actor), zap.String("job_id", job.ID))
		job, err = o.Agents.Await(ctx, job)
		if err != nil {
			return domain.Job{}, job.ID, err
		}
		usage = usage.Add(job.Usage)
		job.Usage = usage
		if job.Artifact != "" {
			expected = job.Artifact
		}
		job.Artifact = expected
		last = job
		if job.Outcome != domain.OutcomePass {
			break
		}
	}
	if last.Outcome == domain.OutcomePass && last.Artifact == st.LastArtifact {
		last.Artifact = ""
	}
	return last, "", nil
}

func (o *Orchestrator) jobContext(st domain.WorkflowState, phase, scope, expected string) domain.JobContext {
	jc := domain.JobContext{
		ExpectedArtifact: expected,
		IdempotencyKey:   resilience.JobKey(st.IssueID, scope, st.InFlightVersion),
		SideEffectKey:    resilience.SideEffectKey(st.IssueID, scope, st.RewindAttempts),
		CompletedPhases:  append([]string(nil), st.PhasesCompleted...),
		Attempt:          st.InFlightAttempt,
	}
	if st.RewindAttempts > 0 && st.LastRejection != "" {
		jc.RewindReason = st.LastRejection
	}
	if st.LastResolution != nil && st.LastResolution.Phase == phase {
		res := *st.LastResolution
		jc.Resolution = &res
	}
	return jc
}

// complete records a pass or reject and follows the transition table.
func (o *Orchestrator) complete(ctx context.Context, st domain.WorkflowState, phase catalog.Phase, job domain.Job, log *zap.Logger) (Result, bool, error) {
	feedback := o.Catalog.IsFeedback(phase.Name, job.Outcome, job.Trigger)
	st, err := o.record(ctx, st, domain.KindPhaseCompleted, domain.PhaseCompleted{
		Phase:      phase.Name,
		Outcome:    job.Outcome,
		Reason:     job.Reason,
		Trigger:    job.Trigger,
		Feedback:   feedback,
		Artifact:   job.Artifact,
		Confidence: job.Confidence,
		Usage:      job.Usage,
		JobID:      job.ID,
	})
	if err != nil {
		return ResultFailed, true, err
	}
	if !feedback {
		log.Info("phase passed", zap.String("artifact", job.Artifact))
		o.send(ctx, notify.Message{
			IssueID: st.IssueID,
			Kind:    notify.KindPhaseCompleted,
			Phase:   phase.Name,
			Text:    phase.Name + " passed",
			Fields:  map[string]string{"artifact": st.LastArtifact},
		})
		return "", false, nil
	}
	return o.rewind(ctx, st, phase.Name, st.LastRejection, job.Trigger, log)
}

// rewind follows a feedback completion of from: FeedbackRequested to the
// rewind target, or a halt escalation once the ceiling is reached.
func (o *Orchestrator) rewind(ctx context.Context, st domain.WorkflowState, from, reason, trigger string, log *zap.Logger) (Result, bool, error) {
	target, _, err := o.Catalog.Next(from, domain.OutcomeReject, st.RewindAttempts)
	if errors.Is(err, catalog.ErrRewindCeiling) {
		log.Warn("rewind ceiling reached", zap.Int("rewind_attempts", st.RewindAttempts))
		if _, err := o.Escalations.Open(ctx, st.IssueID, domain.Escalation{
			Phase:    from,
			Type:     domain.EscalationHalt,
			Question: fmt.Sprintf("rewind ceiling of %d reached; last rejection: %s", o.Catalog.MaxRewinds(), reason),
		}); err != nil {
			return ResultFailed, true, err
		}
		return ResultEscalated, true, nil
	}
	if err != nil {
		return ResultFailed, true, err
	}
	if _, err := o.record(ctx, st, domain.KindFeedbackRequested, domain.FeedbackRequested{
		From:    from,
		To:      target,
		Reason:  reason,
		Trigger: trigger,
		Attempt: st.RewindAttempts + 1,
	}); err != nil {
		return ResultFailed, true, err
	}
	log.Info("rewinding", zap.String("to", target), zap.Int("rewind_attempt", st.RewindAttempts+1), zap.String("reason", reason))
	o.send(ctx, notify.Message{
		IssueID: st.IssueID,
		Kind:    notify.KindRewind,
		Phase:   from,
		Text:    fmt.Sprintf("rewinding to %s: %s", target, reason),
		Fields:  map[string]string{"to": target, "attempt": fmt.Sprint(st.RewindAttempts + 1)},
	})
	return "", false, nil
}

func (o *Orchestrator) awaitHuman(ctx context.Context, w *escalation.Wait) (Result, bool, error) {
	_, err := o.Escalations.AwaitHuman(ctx, w)
	switch {
	case err == nil, errors.Is(err, escalation.ErrSuperseded):
		return "", false, nil
	case errors.Is(err, escalation.ErrEscalationTimeout):
		return ResultFailed, true, nil
	case ctx.Err() != nil:
		return ResultInterrupted, true, ctx.Err()
	}
	return ResultFailed, true, err
}

// resumeEscalation handles an issue that is paused on entry. resume reports
// that the escalation was settled and the loop should continue.
func (o *Orchestrator) resumeEscalation(ctx context.Context, st domain.WorkflowState, log *zap.Logger) (res Result, resume bool, err error) {
	w, err := o.Escalations.Resume(st)
	if err != nil {
		return ResultFailed, false, err
	}
	switch w.Escalation.Type {
	case domain.EscalationHalt:
		log.Info("issue is halted until an operator restarts it")
		return ResultEscalated, false, nil

	case domain.EscalationExternal:
		ans, err := o.Escalations.Check(ctx, w)
		if err != nil {
			return ResultFailed, false, err
		}
		if ans == nil {
			log.Info("still waiting for external condition", zap.String("condition", w.Escalation.Condition))
			return ResultWaitingForExternal, false, nil
		}
		if _, err := o.Escalations.Resolve(ctx, w, *ans); err != nil && !errors.Is(err, escalation.ErrSuperseded) {
			return ResultFailed, false, err
		}
		log.Info("woken", zap.String("reason", ans.Text))
		return "", true, nil
	}

	res, done, err := o.awaitHuman(ctx, w)
	return res, !done, err
}

// retry records a retryable failure, then backs off. Exceeding the retry
// budget fails the workflow.
func (o *Orchestrator) retry(ctx context.Context, st domain.WorkflowState, phase string, cause error, log *zap.Logger) (Result, bool, error) {
	attempt := st.InFlightAttempt
	st, err := o.record(ctx, st, domain.KindPhaseFailed, domain.PhaseFailed{Phase: phase, Error: cause.Error(), Retryable: true, Attempt: attempt})
	if err != nil {
		return ResultFailed, true, err
	}
	if st.RetryCount > o.maxRetries() {
		res, err := o.fail(ctx, st, phase, fmt.Errorf("%d attempts failed, last: %w", st.RetryCount, cause), domain.CauseRetriesExhausted, true, log)
		return res, true, err
	}
	delay := o.Backoff.Delay(st.RetryCount)
	log.Warn("phase attempt failed, retrying",
		zap.Int("attempt", attempt),
		zap.Duration("backoff", delay),
		zap.Error(cause))
	if err := o.sleep(ctx, delay); err != nil {
		return ResultInterrupted, true, err
	}
	return "", false, nil
}

// interrupt checkpoints a phase cut short by cancellation: the in-flight job
// is cancelled and PhaseInterrupted is written within the grace period.
func (o *Orchestrator) interrupt(ctx context.Context, st domain.WorkflowState, phase, jobID string, log *zap.Logger) (Result, bool, error) {
	cause := ctx.Err()
	err := resilience.Checkpoint(ctx, o.Grace, func(cctx context.Context) error {
		if jobID != "" {
			o.Agents.Cancel(cctx, jobID)
		}
		_, err := o.record(cctx, st, domain.KindPhaseInterrupted, domain.PhaseInterrupted{Phase: phase, Reason: cause.Error(), JobID: jobID})
		return err
	})
	if err != nil {
		log.Error("could not checkpoint interrupted phase", zap.String("phase", phase), zap.Error(err))
		return ResultInterrupted, true, errors.Join(cause, err)
	}
	log.Info("phase interrupted", zap.String("phase", phase), zap.String("job_id", jobID))
	return ResultInterrupted, true, cause
}

// fail records WorkflowFailed and notifies.
func (o *Orchestrator) fail(ctx context.Context, st domain.WorkflowState, phase string, cause error, kind string, needsHuman bool, log *zap.Logger) (Result, error) {
	if _, err := o.record(ctx, st, domain.KindWorkflowFailed, domain.WorkflowFailed{
		Phase:      phase,
		Reason:     cause.Error(),
		Cause:      kind,
		NeedsHuman: needsHuman,
	}); err != nil {
		return ResultFailed, err
	}
	log.Error("workflow failed", zap.String("phase", phase), zap.String("cause", kind), zap.Error(cause))
	o.send(ctx, notify.Message{IssueID: st.IssueID, Kind: notify.KindFailed, Phase: phase, Text: cause.Error(), Fields: map[string]string{"cause": kind}})
	return ResultFailed, nil
}

func (o *Orchestrator) recordStoreConflict(ctx context.Context, issueID string, sce *events.StoreConflictError, log *zap.Logger) {
	err := resilience.Checkpoint(ctx, o.Grace, func(cctx context.Context) error {
		evt, err := domain.NewEvent(issueID, domain.KindWorkflowFailed, domain.WorkflowFailed{
			Reason:     sce.Error(),
			Cause:      domain.CauseStoreConflict,
			NeedsHuman: true,
		})
		if err != nil {
			return err
		}
		_, err = o.Store.Append(cctx, evt)
		return err
	})
	if err != nil {
		log.Error("could not record store conflict", zap.Error(err))
	}
}

// record appends an event of kind and returns st with it applied.
func (o *Orchestrator) record(ctx context.Context, st domain.WorkflowState, kind domain.EventKind, payload any) (domain.WorkflowState, error) {
	evt, err := domain.NewEvent(st.IssueID, kind, payload)
	if err != nil {
		return st, err
	}
	appended, err := o.Store.Append(ctx, evt)
	if err != nil {
		return st, err
	}
	return projection.Apply(st, appended), nil
}
