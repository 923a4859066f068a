package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"phaseline/internal/gh"
)

// GitHub comments on the issue for escalations, rewinds and terminal states.
// Phase progress is left to the other notifiers to keep issue threads short.
type GitHub struct {
	Client *gh.Client
}

func (g *GitHub) Name() string { return "github" }

func (g *GitHub) Notify(ctx context.Context, msg Message) error {
	switch msg.Kind {
	case KindPhaseStarted, KindPhaseCompleted:
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**phaseline: %s**", msg.Kind)
	if msg.Phase != "" {
		fmt.Fprintf(&b, " in `%s`", msg.Phase)
	}
	fmt.Fprintf(&b, "\n\n%s\n", msg.Text)
	if len(msg.Fields) > 0 {
		keys := make([]string, 0, len(msg.Fields))
		for k := range msg.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, msg.Fields[k])
		}
	}
	if msg.Kind == KindEscalation {
		b.WriteString("\nReply on this issue to answer.\n")
	}
	return g.Client.Comment(ctx, msg.IssueID, b.String())
}
