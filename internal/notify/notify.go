// Package notify delivers human-readable progress messages. Delivery is
// fire-and-forget: failures are logged and counted, never returned to the
// orchestrator.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/metrics"
)

// Kind classifies a message.
type Kind string

const (
	KindPhaseStarted   Kind = "phase.started"
	KindPhaseCompleted Kind = "phase.completed"
	KindRewind         Kind = "rewind"
	KindEscalation     Kind = "escalation"
	KindResolved       Kind = "escalation.resolved"
	KindCompleted      Kind = "workflow.completed"
	KindFailed         Kind = "workflow.failed"
	KindRestarted      Kind = "workflow.restarted"
)

type Message struct {
	Channel string            `json:"channel"`
	IssueID string            `json:"issue_id"`
	Kind    Kind              `json:"kind"`
	Phase   string            `json:"phase,omitempty"`
	Text    string            `json:"text"`
	Fields  map[string]string `json:"fields,omitempty"`
	TS      time.Time         `json:"ts"`
}

// Notifier delivers one message to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// Sender is what the orchestrator and escalation controller depend on.
type Sender interface {
	Send(ctx context.Context, msg Message)
}

const defaultTimeout = 5 * time.Second

// Multi fans a message out to every notifier in the background.
type Multi struct {
	Notifiers []Notifier
	Channel   string
	Timeout   time.Duration
	Log       *zap.Logger
	Now       func() time.Time

	wg sync.WaitGroup
}

func NewMulti(channel string, log *zap.Logger, notifiers ...Notifier) *Multi {
	if log == nil {
		log = zap.NewNop()
	}
	return &Multi{Notifiers: notifiers, Channel: channel, Timeout: defaultTimeout, Log: log}
}

// Send returns immediately; each notifier gets its own bounded context that
// survives cancellation of ctx.
func (m *Multi) Send(ctx context.Context, msg Message) {
	if msg.Channel == "" {
		msg.Channel = m.Channel
	}
	if msg.TS.IsZero() {
		if m.Now != nil {
			msg.TS = m.Now()
		} else {
			msg.TS = time.Now().UTC()
		}
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := context.WithoutCancel(ctx)
	for _, n := range m.Notifiers {
		m.wg.Add(1)
		go func(n Notifier) {
			defer m.wg.Done()
			nctx, cancel := context.WithTimeout(base, timeout)
			defer cancel()
			if err := n.Notify(nctx, msg); err != nil {
				metrics.NotificationsFailed.WithLabelValues(n.Name()).Inc()
				m.log().Warn("notification failed",
					zap.String("notifier", n.Name()),
					zap.String("issue_id", msg.IssueID),
					zap.String("kind", string(msg.Kind)),
					zap.Error(err))
			}
		}(n)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (m *Multi) Wait() {
	m.wg.Wait()
}

func (m *Multi) log() *zap.Logger {
	if m.Log != nil {
		return m.Log
	}
	return zap.NewNop()
}

// Log writes messages to the structured log.
type Log struct {
	Logger *zap.Logger
}

func (Log) Name() string { return "log" }

func (l Log) Notify(_ context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("channel", msg.Channel),
		zap.String("issue_id", msg.IssueID),
		zap.String("kind", string(msg.Kind)),
	}
	if msg.Phase != "" {
		fields = append(fields, zap.String("phase", msg.Phase))
	}
	for k, v := range msg.Fields {
		fields = append(fields, zap.String(k, v))
	}
	l.Logger.Info(msg.Text, fields...)
	return nil
}

// Discard drops every message.
type Discard struct{}

func (Discard) Send(context.Context, Message) {}

// Format renders msg as one line of text for chat-like destinations.
func Format(msg Message) string {
	if msg.Phase != "" {
		return fmt.Sprintf("[%s] %s (%s): %s", msg.IssueID, msg.Kind, msg.Phase, msg.Text)
	}
	return fmt.Sprintf("[%s] %s: %s", msg.IssueID, msg.Kind, msg.Text)
}
