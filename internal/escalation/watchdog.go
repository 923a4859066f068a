package escalation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/projection"
)

const (
	DefaultWatchdogInterval = time.Minute
	DefaultStaleAfter       = 5 * time.Minute
)

// IssueLister lists issues by their latest event.
type IssueLister interface {
	projection.EventReader
	Issues(ctx context.Context, lastKinds ...domain.EventKind) ([]events.IssueHead, error)
}

// Watchdog periodically re-checks escalations that have been waiting longer
// than StaleAfter and resumes the issues whose answer has arrived in the
// meantime. It covers answers given while no orchestrator was polling.
type Watchdog struct {
	Issues     IssueLister
	Controller *Controller
	// Resume restarts the loop of an issue whose escalation was resolved.
	Resume     func(ctx context.Context, issueID string)
	Interval   time.Duration
	StaleAfter time.Duration
	Now        func() time.Time
	Log        *zap.Logger
}

func (w *Watchdog) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *Watchdog) log() *zap.Logger {
	if w.Log != nil {
		return w.Log
	}
	return zap.NewNop()
}

// Run sweeps on a fixed schedule until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	w.log().Info("escalation watchdog started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			w.log().Info("escalation watchdog stopped")
			return nil
		case <-ticker.C:
		}
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.log().Warn("watchdog sweep", zap.Error(err))
		}
	}
}

// Sweep checks every stale waiting escalation once and returns the issues
// it resolved. Halt escalations are skipped; only an operator restart ends them.
func (w *Watchdog) Sweep(ctx context.Context) ([]string, error) {
	staleAfter := w.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	heads, err := w.Issues.Issues(ctx)
	if err != nil {
		return nil, err
	}
	var resolved []string
	for _, head := range heads {
		if head.LastKind == domain.KindWorkflowCompleted || head.LastKind == domain.KindWorkflowFailed {
			continue
		}
		st, err := projection.Load(ctx, w.Issues, head.IssueID)
		if err != nil {
			return resolved, err
		}
		esc := st.PendingEscalation
		if esc == nil || esc.Type == domain.EscalationHalt {
			continue
		}
		if w.now().Sub(esc.RequestedAt) < staleAfter {
			continue
		}
		wait, err := w.Controller.Resume(st)
		if err != nil {
			continue
		}
		ans, err := w.Controller.Check(ctx, wait)
		if err != nil {
			w.log().Warn("watchdog check", zap.String("issue_id", head.IssueID), zap.Error(err))
			continue
		}
		if ans == nil {
			continue
		}
		if _, err := w.Controller.Resolve(ctx, wait, *ans); err != nil {
			w.log().Warn("watchdog resolve", zap.String("issue_id", head.IssueID), zap.Error(err))
			continue
		}
		w.log().Info("watchdog resolved stale escalation",
			zap.String("issue_id", head.IssueID),
			zap.String("escalation_id", esc.ID),
			zap.String("type", string(esc.Type)))
		resolved = append(resolved, head.IssueID)
		if w.Resume != nil {
			w.Resume(ctx, head.IssueID)
		}
	}
	return resolved, nil
}
