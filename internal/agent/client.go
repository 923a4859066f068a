// Package agent dispatches phase jobs to external agents and waits for them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/resilience"
)

// CodeStateMismatch is the error code an agent returns when the expected
// prior artifact does not match its workspace.
const CodeStateMismatch = "state_mismatch"

// ErrStateMismatch is fatal: the agent and the event log disagree about the
// workspace.
var ErrStateMismatch = errors.New("agent state mismatch")

// retryableJobCodes are job error codes the agent uses for transient failures.
var retryableJobCodes = map[string]bool{
	"timeout":      true,
	"unavailable":  true,
	"rate_limited": true,
	"transient":    true,
}

// JobAPI is the agent job interface.
type JobAPI interface {
	CreateJob(ctx context.Context, req domain.JobRequest) (string, error)
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
	CancelJob(ctx context.Context, jobID string) error
}

// JobFailedError reports a job the agent marked failed or canceled.
type JobFailedError struct {
	JobID   string
	Status  domain.JobStatus
	Code    string
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("job %s %s (%s): %s", e.JobID, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("job %s %s: %s", e.JobID, e.Status, e.Message)
}

func (e *JobFailedError) Unwrap() error {
	if e.Code == CodeStateMismatch {
		return ErrStateMismatch
	}
	return nil
}

// Client wraps a JobAPI with per-actor circuit breaking, idempotent creation
// and polling.
type Client struct {
	API          JobAPI
	Breakers     *resilience.BreakerSet
	Ledger       *resilience.Ledger
	PollInterval time.Duration
	JobTimeout   time.Duration
	// MaxPollFailures bounds consecutive transient poll errors inside Await.
	MaxPollFailures int
	Log             *zap.Logger
}

func (c *Client) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// Dispatch creates a job for req. When the ledger already maps the request's
// idempotency key to a job, that job is returned instead of creating another.
func (c *Client) Dispatch(ctx context.Context, req domain.JobRequest) (domain.Job, error) {
	key := req.Context.IdempotencyKey
	if c.Ledger != nil && key != "" {
		entry, err := c.Ledger.Lookup(ctx, key)
		if err != nil {
			return domain.Job{}, fmt.Errorf("idempotency lookup: %w", err)
		}
		if entry != nil && entry.Result != "" {
			c.log().Info("re-attaching to existing job",
				zap.String("issue_id", req.IssueID),
				zap.String("phase", req.Phase),
				zap.String("job_id", entry.Result))
			return c.Poll(ctx, entry.Result, req.Actor)
		}
		claimed, err := c.Ledger.Begin(ctx, key, "job", "")
		if err != nil {
			return domain.Job{}, fmt.Errorf("idempotency claim: %w", err)
		}
		if !claimed {
			// an earlier attempt claimed the key but never recorded its job;
			// the agent dedups creation on the same key
			c.log().Warn("re-creating job under an unfinished claim",
				zap.String("issue_id", req.IssueID),
				zap.String("phase", req.Phase),
				zap.String("key", key))
		}
	}

	var id string
	err := c.guard(req.Actor, "create_job", func() error {
		var err error
		id, err = c.API.CreateJob(ctx, req)
		return err
	})
	if err != nil {
		return domain.Job{}, err
	}
	if c.Ledger != nil && key != "" {
		if err := c.Ledger.Complete(ctx, key, "job", id); err != nil {
			c.log().Warn("record job idempotency key", zap.String("job_id", id), zap.Error(err))
		}
	}
	c.log().Info("job dispatched",
		zap.String("issue_id", req.IssueID),
		zap.String("phase", req.Phase),
		zap.String("actor", req.Actor),
		zap.String("job_id", id))
	return domain.Job{
		ID:      id,
		IssueID: req.IssueID,
		Phase:   req.Phase,
		Actor:   req.Actor,
		Status:  domain.JobPending,
	}, nil
}

// Poll fetches the job status once.
func (c *Client) Poll(ctx context.Context, jobID, actor string) (domain.Job, error) {
	var job domain.Job
	err := c.guard(actor, "get_job", func() error {
		var err error
		job, err = c.API.GetJob(ctx, jobID)
		return err
	})
	if err == nil && job.Actor == "" {
		job.Actor = actor
	}
	return job, err
}

// Cancel asks the agent to stop the job. Failures are logged, not returned.
func (c *Client) Cancel(ctx context.Context, jobID string) {
	if jobID == "" {
		return
	}
	if err := c.API.CancelJob(ctx, jobID); err != nil {
		c.log().Warn("cancel job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	c.log().Info("job canceled", zap.String("job_id", jobID))
}

// Await polls job until it reaches a terminal status. A failed or canceled
// job is returned as a *JobFailedError, transient when the agent said so.
func (c *Client) Await(ctx context.Context, job domain.Job) (domain.Job, error) {
	if job.Status.Terminal() {
		return job, jobError(job)
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxFailures := c.MaxPollFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	var timeout <-chan time.Time
	if c.JobTimeout > 0 {
		t := time.NewTimer(c.JobTimeout)
		defer t.Stop()
		timeout = t.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-timeout:
			c.Cancel(context.WithoutCancel(ctx), job.ID)
			return job, resilience.Transient("await_job", 0, fmt.Errorf("job %s exceeded %s", job.ID, c.JobTimeout))
		case <-ticker.C:
		}
		polled, err := c.Poll(ctx, job.ID, job.Actor)
		if err != nil {
			if ctx.Err() != nil {
				return job, ctx.Err()
			}
			if !resilience.IsRetryable(err) {
				return job, err
			}
			failures++
			c.log().Warn("poll job", zap.String("job_id", job.ID), zap.Int("failures", failures), zap.Error(err))
			if failures >= maxFailures {
				return job, err
			}
			continue
		}
		failures = 0
		job = polled
		if job.Status.Terminal() {
			return job, jobError(job)
		}
	}
}

// Run dispatches req and waits for the result.
func (c *Client) Run(ctx context.Context, req domain.JobRequest) (domain.Job, error) {
	job, err := c.Dispatch(ctx, req)
	if err != nil {
		return job, err
	}
	return c.Await(ctx, job)
}

func jobError(job domain.Job) error {
	switch job.Status {
	case domain.JobFailed, domain.JobCanceled:
		err := &JobFailedError{JobID: job.ID, Status: job.Status, Code: job.ErrorCode, Message: job.Error}
		if retryableJobCodes[job.ErrorCode] || job.Status == domain.JobCanceled {
			return resilience.Transient("job", 0, err)
		}
		return err
	}
	return nil
}

// guard runs fn behind the actor's circuit breaker. Only transient failures
// count against the breaker.
func (c *Client) guard(actor, op string, fn func() error) error {
	if c.Breakers == nil {
		return fn()
	}
	cb := c.Breakers.For(actor)
	if err := cb.Allow(); err != nil {
		return resilience.Transient(op, 0, fmt.Errorf("actor %s: %w", actor, err))
	}
	err := fn()
	switch {
	case err == nil:
		cb.RecordSuccess()
	case resilience.IsRetryable(err):
		cb.RecordFailure()
	default:
		// a definite answer from the agent means it is reachable
		cb.RecordSuccess()
	}
	return err
}
