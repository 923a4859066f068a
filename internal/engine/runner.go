package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned when a loop for the issue is already active
// in this process.
var ErrAlreadyRunning = errors.New("orchestrator already running for issue")

// Runner keeps at most one orchestrator loop per issue in this process.
type Runner struct {
	Orchestrator *Orchestrator
	Log          *zap.Logger

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

func NewRunner(o *Orchestrator, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Orchestrator: o, Log: log, running: make(map[string]struct{})}
}

func (r *Runner) acquire(issueID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running == nil {
		r.running = make(map[string]struct{})
	}
	if _, ok := r.running[issueID]; ok {
		return false
	}
	r.running[issueID] = struct{}{}
	return true
}

func (r *Runner) release(issueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, issueID)
}

// Run runs the loop in the calling goroutine.
func (r *Runner) Run(ctx context.Context, issueID string) (Result, error) {
	if !r.acquire(issueID) {
		return "", ErrAlreadyRunning
	}
	defer r.release(issueID)
	return r.Orchestrator.Run(ctx, issueID)
}

// Start runs the loop in the background. ctx should outlive the caller's
// request; cancelling it interrupts the loop.
func (r *Runner) Start(ctx context.Context, issueID string) error {
	if !r.acquire(issueID) {
		return ErrAlreadyRunning
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(issueID)
		if _, err := r.Orchestrator.Run(ctx, issueID); err != nil && ctx.Err() == nil {
			r.Log.Error("background run", zap.String("issue_id", issueID), zap.Error(err))
		}
	}()
	return nil
}

// Resume is Start for callers that have nowhere to report an error, such as
// the escalation watchdog and the wake listener.
func (r *Runner) Resume(ctx context.Context, issueID string) {
	if err := r.Start(ctx, issueID); err != nil {
		r.Log.Debug("resume skipped", zap.String("issue_id", issueID), zap.Error(err))
	}
}

// Running reports whether a loop for issueID is active.
func (r *Runner) Running(issueID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[issueID]
	return ok
}

// Wait blocks until every background loop has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
