package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/metrics"
	"phaseline/internal/notify"
	"phaseline/internal/projection"
)

// Restart clears a failed or halted issue so the next Run continues from the
// first incomplete phase. Completed phases are kept; the rewind budget is
// reset.
func (o *Orchestrator) Restart(ctx context.Context, issueID, by, reason string) (domain.WorkflowState, error) {
	st, err := o.State(ctx, issueID)
	if err != nil {
		return st, err
	}
	if !st.Exists() {
		return st, fmt.Errorf("%s: %w", issueID, ErrUnknownIssue)
	}
	halted := st.PendingEscalation != nil && st.PendingEscalation.Type == domain.EscalationHalt
	if st.Status != domain.StatusFailed && !halted {
		return st, fmt.Errorf("%s is %s: %w", issueID, st.Status, ErrRestartNotAllowed)
	}
	evt, err := domain.NewEvent(issueID, domain.KindWorkflowRestarted, domain.WorkflowRestarted{By: by, Reason: reason})
	if err != nil {
		return st, err
	}
	appended, err := o.Store.AppendExpected(ctx, evt, st.Version+1)
	if err != nil {
		return st, err
	}
	if halted {
		metrics.EscalationsOpen.WithLabelValues(string(domain.EscalationHalt)).Dec()
	}
	o.log().Info("workflow restarted",
		zap.String("issue_id", issueID),
		zap.String("by", by),
		zap.String("reason", reason))
	o.send(ctx, notify.Message{IssueID: issueID, Kind: notify.KindRestarted, Text: "restarted by " + by, Fields: map[string]string{"reason": reason}})
	return projection.Apply(st, appended), nil
}

// Consultation is one agent asking another for help during a phase.
type Consultation struct {
	From     string
	To       string
	Question string
	Depth    int
}

// Consult records a consultation after checking the (caller, callee) budget.
// A *resilience.ConsultationLimitError is returned when the pair is over it.
func (o *Orchestrator) Consult(ctx context.Context, issueID string, c Consultation) (domain.Event, error) {
	if c.From == "" || c.To == "" {
		return domain.Event{}, errors.New("consultation needs from and to")
	}
	if c.From == c.To {
		return domain.Event{}, fmt.Errorf("agent %s cannot consult itself", c.From)
	}
	if o.Limiter != nil {
		if err := o.Limiter.Allow(c.From, c.To, c.Depth); err != nil {
			o.log().Warn("consultation denied",
				zap.String("issue_id", issueID),
				zap.String("from", c.From),
				zap.String("to", c.To),
				zap.Error(err))
			return domain.Event{}, err
		}
	}
	evt, err := domain.NewEvent(issueID, domain.KindAgentConsulted, domain.AgentConsulted{
		From:     c.From,
		To:       c.To,
		Question: c.Question,
		Depth:    c.Depth,
	})
	if err != nil {
		return domain.Event{}, err
	}
	return o.Store.Append(ctx, evt)
}
