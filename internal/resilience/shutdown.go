package resilience

import (
	"context"
	"time"
)

// DefaultGrace is how long checkpoint writes may run after cancellation. It
// must stay below the hosting platform's hard-kill deadline.
const DefaultGrace = 20 * time.Second

// Checkpoint runs fn on a context detached from ctx's cancellation but bounded
// by grace, so a final write still lands after ctx was cancelled.
func Checkpoint(ctx context.Context, grace time.Duration, fn func(context.Context) error) error {
	if grace <= 0 {
		grace = DefaultGrace
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	return fn(cctx)
}
