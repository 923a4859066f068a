package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"phaseline/internal/repo"
)

// WakeListener turns messages on "<prefix>.wake.<issue>" into wake signals
// and resumes the issue. The payload is either {"reason": "..."} or plain text.
type WakeListener struct {
	Conn   *nats.Conn
	Prefix string
	Repo   repo.Repo
	Resume func(ctx context.Context, issueID string)
	Log    *zap.Logger
}

func (l *WakeListener) log() *zap.Logger {
	if l.Log != nil {
		return l.Log
	}
	return zap.NewNop()
}

func (l *WakeListener) prefix() string {
	prefix := strings.Trim(l.Prefix, ".")
	if prefix == "" {
		prefix = "phaseline"
	}
	return prefix + ".wake."
}

// Subject is the wildcard subscription subject.
func (l *WakeListener) Subject() string {
	return l.prefix() + ">"
}

// Run subscribes until ctx is done.
func (l *WakeListener) Run(ctx context.Context) error {
	sub, err := l.Conn.Subscribe(l.Subject(), func(m *nats.Msg) {
		l.handle(ctx, m)
	})
	if err != nil {
		return err
	}
	if err := l.Conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	l.log().Info("wake listener subscribed", zap.String("subject", l.Subject()))
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (l *WakeListener) handle(ctx context.Context, m *nats.Msg) {
	issueID := strings.TrimPrefix(m.Subject, l.prefix())
	if issueID == "" || issueID == m.Subject {
		return
	}
	reason := strings.TrimSpace(string(m.Data))
	var payload struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal(m.Data, &payload) == nil {
		reason = payload.Reason
	}
	log := l.log().With(zap.String("issue_id", issueID))
	if _, err := l.Repo.InsertWake(ctx, issueID, reason, "nats"); err != nil {
		log.Error("record wake signal", zap.Error(err))
		return
	}
	log.Info("wake signal received", zap.String("reason", reason))
	if l.Resume != nil {
		l.Resume(ctx, issueID)
	}
}
