// Package agenttest provides an in-memory agent job interface for tests.
package agenttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"phaseline/internal/agent"
	"phaseline/internal/domain"
)

// Result scripts what one job reports.
type Result struct {
	Outcome    domain.Outcome
	Reason     string
	Trigger    string
	Artifact   string
	Confidence *float64
	Question   string
	Condition  string
	Usage      domain.Usage
	// Failed jobs carry ErrorCode and Error.
	Failed    bool
	ErrorCode string
	Error     string
	// CreateErr is returned by CreateJob and no job is created.
	CreateErr error
	// Hold keeps the job working until Release is called.
	Hold bool
}

// Fake is a JobAPI whose results are scripted per phase, or per
// "phase/actor" for sub-actor jobs. Unscripted jobs pass.
type Fake struct {
	mu sync.Mutex

	script   map[string][]Result
	jobs     map[string]*domain.Job
	byKey    map[string]string
	requests []domain.JobRequest
	canceled []string
	seq      int

	// StrictArtifacts makes jobs fail with state_mismatch when the expected
	// artifact differs from the last one this fake produced.
	StrictArtifacts bool
	workspace       string
}

var _ agent.JobAPI = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		script: make(map[string][]Result),
		jobs:   make(map[string]*domain.Job),
		byKey:  make(map[string]string),
	}
}

// Script queues results for key ("plan" or "implement/backend").
func (f *Fake) Script(key string, results ...Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[key] = append(f.script[key], results...)
}

func (f *Fake) next(req domain.JobRequest) Result {
	for _, key := range []string{req.Phase + "/" + req.Actor, req.Phase} {
		if q := f.script[key]; len(q) > 0 {
			f.script[key] = q[1:]
			return q[0]
		}
	}
	return Result{Outcome: domain.OutcomePass}
}

func (f *Fake) CreateJob(ctx context.Context, req domain.JobRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if key := req.Context.IdempotencyKey; key != "" {
		if id, ok := f.byKey[key]; ok {
			return id, nil
		}
	}
	res := f.next(req)
	if res.CreateErr != nil {
		return "", res.CreateErr
	}
	f.requests = append(f.requests, req)
	f.seq++
	job := &domain.Job{
		ID:      fmt.Sprintf("job-%d", f.seq),
		IssueID: req.IssueID,
		Phase:   req.Phase,
		Actor:   req.Actor,
		Status:  domain.JobCompleted,
		Usage:   res.Usage,
	}
	switch {
	case f.StrictArtifacts && req.Context.ExpectedArtifact != f.workspace:
		job.Status = domain.JobFailed
		job.ErrorCode = agent.CodeStateMismatch
		job.Error = fmt.Sprintf("expected %q, workspace at %q", req.Context.ExpectedArtifact, f.workspace)
	case res.Failed:
		job.Status = domain.JobFailed
		job.ErrorCode = res.ErrorCode
		job.Error = res.Error
	default:
		job.Outcome = res.Outcome
		if job.Outcome == "" {
			job.Outcome = domain.OutcomePass
		}
		job.Reason = res.Reason
		job.Trigger = res.Trigger
		job.Confidence = res.Confidence
		job.Question = res.Question
		job.Condition = res.Condition
		job.Artifact = res.Artifact
		if job.Outcome == domain.OutcomePass && job.Artifact == "" {
			job.Artifact = fmt.Sprintf("commit-%d", f.seq)
		}
		if job.Artifact != "" {
			f.workspace = job.Artifact
		}
	}
	if res.Hold {
		job.Status = domain.JobWorking
	}
	f.jobs[job.ID] = job
	if key := req.Context.IdempotencyKey; key != "" {
		f.byKey[key] = job.ID
	}
	return job.ID, nil
}

func (f *Fake) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.Job{}, errors.New("job not found")
	}
	return *job, nil
}

func (f *Fake) CancelJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	f.canceled = append(f.canceled, jobID)
	if !job.Status.Terminal() {
		job.Status = domain.JobCanceled
	}
	return nil
}

// Release completes a held job.
func (f *Fake) Release(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok && job.Status == domain.JobWorking {
		job.Status = domain.JobCompleted
	}
}

// Requests returns every job request that created a job.
func (f *Fake) Requests() []domain.JobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.JobRequest(nil), f.requests...)
}

// Phases returns the phase of every created job, in order.
func (f *Fake) Phases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Phase
	}
	return out
}

func (f *Fake) Canceled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceled...)
}

// Working returns ids of jobs still in progress.
func (f *Fake) Working() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, job := range f.jobs {
		if job.Status == domain.JobWorking {
			out = append(out, id)
		}
	}
	return out
}
