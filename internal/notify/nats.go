package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultFlushTimeout bounds the flush after a publish when ctx carries no deadline.
const DefaultFlushTimeout = 5 * time.Second

// NATS publishes messages on "<prefix>.<channel>".
type NATS struct {
	Conn   *nats.Conn
	Prefix string
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Subject(channel string) string {
	prefix := strings.Trim(n.Prefix, ".")
	if prefix == "" {
		prefix = "phaseline"
	}
	if channel == "" {
		return prefix + ".events"
	}
	return prefix + "." + channel
}

func (n *NATS) Notify(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := n.Conn.Publish(n.Subject(msg.Channel), data); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFlushTimeout)
		defer cancel()
	}
	return n.Conn.FlushWithContext(ctx)
}
