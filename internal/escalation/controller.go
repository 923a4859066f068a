// Package escalation suspends an issue while it waits on a human answer or an
// external system, and resumes it once the wait is settled.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/metrics"
	"phaseline/internal/notify"
	"phaseline/internal/projection"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultTimeout      = 4 * time.Hour

	settleAttempts = events.DefaultAppendRetries
)

var (
	// ErrEscalationTimeout is returned once a human escalation passed its
	// deadline and the workflow was failed.
	ErrEscalationTimeout = errors.New("escalation timed out")

	// ErrSuperseded means the escalation stopped being pending for a reason
	// other than its own resolution, such as an operator restart.
	ErrSuperseded = errors.New("escalation no longer pending")

	ErrNoEscalation = errors.New("no pending escalation")
)

// Store is the part of the event store the controller writes through.
type Store interface {
	projection.EventReader
	Append(ctx context.Context, evt domain.Event) (domain.Event, error)
	AppendExpected(ctx context.Context, evt domain.Event, expected int64) (domain.Event, error)
}

type Controller struct {
	Store        Store
	Responses    ResponseSource
	Wakes        WakeSource
	Notify       notify.Sender
	PollInterval time.Duration
	Timeout      time.Duration
	Now          func() time.Time
	Log          *zap.Logger
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Controller) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

func (c *Controller) send(ctx context.Context, msg notify.Message) {
	if c.Notify != nil {
		c.Notify.Send(ctx, msg)
	}
}

func (c *Controller) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Open persists an EscalationRequested event for esc and moves the wait to
// WAITING. Human escalations get a deadline; the others wait indefinitely.
func (c *Controller) Open(ctx context.Context, issueID string, esc domain.Escalation) (*Wait, error) {
	if esc.ID == "" {
		esc.ID = uuid.NewString()
	}
	esc.RequestedAt = c.now()
	esc.Deadline = nil
	esc.Resolution = nil
	if esc.Type == domain.EscalationHuman {
		deadline := esc.RequestedAt.Add(c.timeout())
		esc.Deadline = &deadline
	}
	w := newWait(issueID, esc)
	evt, err := domain.NewEvent(issueID, domain.KindEscalationRequested, domain.EscalationRequested{Escalation: esc})
	if err != nil {
		return nil, err
	}
	appended, err := c.Store.Append(ctx, evt)
	if err != nil {
		return nil, err
	}
	w.Version = appended.Version
	if err := w.transition(Waiting); err != nil {
		return nil, err
	}
	metrics.EscalationsOpen.WithLabelValues(string(esc.Type)).Inc()
	c.log().Info("escalation opened",
		zap.String("issue_id", issueID),
		zap.String("phase", esc.Phase),
		zap.String("escalation_id", esc.ID),
		zap.String("type", string(esc.Type)))
	c.send(ctx, openMessage(issueID, esc))
	return w, nil
}

// Resume rebuilds the wait for the escalation pending in st.
func (c *Controller) Resume(st domain.WorkflowState) (*Wait, error) {
	if st.PendingEscalation == nil {
		return nil, ErrNoEscalation
	}
	esc := *st.PendingEscalation
	if esc.Type == domain.EscalationHuman && esc.Deadline == nil {
		deadline := esc.RequestedAt.Add(c.timeout())
		esc.Deadline = &deadline
	}
	w := newWait(st.IssueID, esc)
	w.Version = st.Version
	w.state = Waiting
	return w, nil
}

// Check looks for an answer without blocking. Halt escalations never have one.
func (c *Controller) Check(ctx context.Context, w *Wait) (*Answer, error) {
	since := w.Escalation.RequestedAt
	switch w.Escalation.Type {
	case domain.EscalationHuman:
		if c.Responses == nil {
			return nil, nil
		}
		return c.Responses.CheckForResponse(ctx, w.IssueID, since)
	case domain.EscalationExternal:
		if c.Wakes == nil {
			return nil, nil
		}
		return c.Wakes.Woken(ctx, w.IssueID, since)
	}
	return nil, nil
}

// Resolve persists EscalationResolved with ans. When another writer resolved
// the escalation first, its resolution is returned instead.
func (c *Controller) Resolve(ctx context.Context, w *Wait, ans Answer) (domain.Resolution, error) {
	if w.State() != Waiting {
		return domain.Resolution{}, &InvalidTransitionError{From: w.State(), To: Resolved}
	}
	st, won, err := c.settle(ctx, w, func(domain.WorkflowState) (domain.Event, error) {
		return domain.NewEvent(w.IssueID, domain.KindEscalationResolved, domain.EscalationResolved{
			EscalationID: w.Escalation.ID,
			Phase:        w.Escalation.Phase,
			Response:     ans.Text,
			ResolvedBy:   ans.By,
			Source:       ans.Source,
		})
	})
	if err != nil {
		return domain.Resolution{}, err
	}
	res, ok := resolutionOf(st, w)
	if !ok {
		return domain.Resolution{}, ErrSuperseded
	}
	if err := w.transition(Resolved); err != nil {
		return domain.Resolution{}, err
	}
	if won {
		metrics.EscalationsOpen.WithLabelValues(string(w.Escalation.Type)).Dec()
		c.log().Info("escalation resolved",
			zap.String("issue_id", w.IssueID),
			zap.String("escalation_id", w.Escalation.ID),
			zap.String("source", ans.Source))
		c.send(ctx, notify.Message{
			IssueID: w.IssueID,
			Kind:    notify.KindResolved,
			Phase:   w.Escalation.Phase,
			Text:    ans.Text,
			Fields:  map[string]string{"by": ans.By, "source": ans.Source},
		})
	}
	return res, nil
}

// TimeOut fails the workflow because nobody answered in time. It returns
// ErrEscalationTimeout, or the resolution if one landed first.
func (c *Controller) TimeOut(ctx context.Context, w *Wait) (domain.Resolution, error) {
	if w.State() != Waiting {
		return domain.Resolution{}, &InvalidTransitionError{From: w.State(), To: TimedOut}
	}
	reason := fmt.Sprintf("no response to escalation %s in phase %s within %s", w.Escalation.ID, w.Escalation.Phase, c.timeout())
	st, won, err := c.settle(ctx, w, func(domain.WorkflowState) (domain.Event, error) {
		return domain.NewEvent(w.IssueID, domain.KindWorkflowFailed, domain.WorkflowFailed{
			Phase:      w.Escalation.Phase,
			Reason:     reason,
			Cause:      domain.CauseEscalationTimeout,
			NeedsHuman: true,
		})
	})
	if err != nil {
		return domain.Resolution{}, err
	}
	if !won {
		if res, ok := resolutionOf(st, w); ok {
			_ = w.transition(Resolved)
			return res, nil
		}
		return domain.Resolution{}, ErrSuperseded
	}
	if err := w.transition(TimedOut); err != nil {
		return domain.Resolution{}, err
	}
	metrics.EscalationsOpen.WithLabelValues(string(w.Escalation.Type)).Dec()
	c.log().Warn("escalation timed out",
		zap.String("issue_id", w.IssueID),
		zap.String("escalation_id", w.Escalation.ID))
	c.send(ctx, notify.Message{IssueID: w.IssueID, Kind: notify.KindFailed, Phase: w.Escalation.Phase, Text: reason})
	return domain.Resolution{}, ErrEscalationTimeout
}

// AwaitHuman polls for an answer until one arrives, another writer settles the
// escalation, or the deadline passes.
func (c *Controller) AwaitHuman(ctx context.Context, w *Wait) (domain.Resolution, error) {
	if w.Escalation.Type != domain.EscalationHuman {
		return domain.Resolution{}, fmt.Errorf("await: escalation %s is %s, not human", w.Escalation.ID, w.Escalation.Type)
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := projection.Load(ctx, c.Store, w.IssueID)
		if err != nil {
			return domain.Resolution{}, err
		}
		if !pending(st, w) {
			if res, ok := resolutionOf(st, w); ok {
				_ = w.transition(Resolved)
				return res, nil
			}
			return domain.Resolution{}, ErrSuperseded
		}
		ans, err := c.Check(ctx, w)
		if err != nil {
			if ctx.Err() != nil {
				return domain.Resolution{}, ctx.Err()
			}
			c.log().Warn("check for response", zap.String("issue_id", w.IssueID), zap.Error(err))
		} else if ans != nil {
			return c.Resolve(ctx, w, *ans)
		}
		if w.Escalation.Deadline != nil && !c.now().Before(*w.Escalation.Deadline) {
			return c.TimeOut(ctx, w)
		}
		select {
		case <-ctx.Done():
			return domain.Resolution{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// settle appends the event built by mk right after the current head,
// provided the escalation is still pending. won is false when another writer
// settled it first; st is the state after the last read or write.
func (c *Controller) settle(ctx context.Context, w *Wait, mk func(domain.WorkflowState) (domain.Event, error)) (st domain.WorkflowState, won bool, err error) {
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		st, err = projection.Load(ctx, c.Store, w.IssueID)
		if err != nil {
			return st, false, err
		}
		if !pending(st, w) {
			return st, false, nil
		}
		evt, mkErr := mk(st)
		if mkErr != nil {
			return st, false, mkErr
		}
		appended, appendErr := c.Store.AppendExpected(ctx, evt, st.Version+1)
		if appendErr == nil {
			return projection.Apply(st, appended), true, nil
		}
		if !errors.Is(appendErr, events.ErrVersionConflict) {
			return st, false, appendErr
		}
		c.log().Debug("escalation settle lost a race, re-reading",
			zap.String("issue_id", w.IssueID),
			zap.Int("attempt", attempt))
	}
	return st, false, &events.StoreConflictError{IssueID: w.IssueID, Attempts: settleAttempts, Err: events.ErrVersionConflict}
}

func pending(st domain.WorkflowState, w *Wait) bool {
	return !st.Status.Terminal() && st.PendingEscalation != nil && st.PendingEscalation.ID == w.Escalation.ID
}

func resolutionOf(st domain.WorkflowState, w *Wait) (domain.Resolution, bool) {
	if st.LastResolution == nil || st.LastResolution.EscalationID != w.Escalation.ID {
		return domain.Resolution{}, false
	}
	return *st.LastResolution, true
}

func openMessage(issueID string, esc domain.Escalation) notify.Message {
	msg := notify.Message{
		IssueID: issueID,
		Kind:    notify.KindEscalation,
		Phase:   esc.Phase,
		Fields:  map[string]string{"type": string(esc.Type), "escalation_id": esc.ID},
	}
	switch esc.Type {
	case domain.EscalationExternal:
		msg.Text = "waiting for external condition: " + esc.Condition
	case domain.EscalationHalt:
		msg.Text = "workflow halted, operator restart required: " + esc.Question
	default:
		msg.Text = esc.Question
	}
	if esc.Confidence != nil {
		msg.Fields["confidence"] = fmt.Sprintf("%.2f", *esc.Confidence)
	}
	if esc.Deadline != nil {
		msg.Fields["deadline"] = esc.Deadline.Format(time.RFC3339)
	}
	return msg
}
