package resilience

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"phaseline/internal/metrics"
)

// ConsultationLimitError is returned when a (caller, callee) pair is over its
// budget. Cyclic is set when the reverse direction is saturated as well, which
// marks two agents bouncing questions off each other.
type ConsultationLimitError struct {
	From   string
	To     string
	Cyclic bool
	Depth  int
	Max    int
}

func (e *ConsultationLimitError) Error() string {
	switch {
	case e.Max > 0 && e.Depth > e.Max:
		return fmt.Sprintf("consultation %s -> %s exceeds max depth %d (depth %d)", e.From, e.To, e.Max, e.Depth)
	case e.Cyclic:
		return fmt.Sprintf("cyclic consultation detected between %s and %s", e.From, e.To)
	default:
		return fmt.Sprintf("consultation rate exceeded for %s -> %s", e.From, e.To)
	}
}

// Reason is a short label for metrics and logs.
func (e *ConsultationLimitError) Reason() string {
	switch {
	case e.Max > 0 && e.Depth > e.Max:
		return "depth"
	case e.Cyclic:
		return "cyclic"
	default:
		return "rate"
	}
}

type pair struct{ from, to string }

// PairLimiter rate-limits calls per directed (caller, callee) pair.
type PairLimiter struct {
	mu       sync.Mutex
	limiters map[pair]*rate.Limiter
	limit    rate.Limit
	burst    int
	maxDepth int
	Now      func() time.Time
}

// NewPairLimiter allows perMinute calls per pair with the given burst.
// maxDepth of 0 disables the depth check.
func NewPairLimiter(perMinute float64, burst, maxDepth int) *PairLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &PairLimiter{
		limiters: make(map[pair]*rate.Limiter),
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		maxDepth: maxDepth,
	}
}

func (l *PairLimiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// must be called with lock held
func (l *PairLimiter) get(p pair) *rate.Limiter {
	lim, ok := l.limiters[p]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[p] = lim
	}
	return lim
}

// Allow spends one token for from -> to at the given consultation depth.
func (l *PairLimiter) Allow(from, to string, depth int) error {
	if l.maxDepth > 0 && depth > l.maxDepth {
		err := &ConsultationLimitError{From: from, To: to, Depth: depth, Max: l.maxDepth}
		metrics.ConsultationsDenied.WithLabelValues(from, to, err.Reason()).Inc()
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.get(pair{from, to}).AllowN(now, 1) {
		return nil
	}
	err := &ConsultationLimitError{From: from, To: to, Depth: depth, Max: l.maxDepth}
	if rev, ok := l.limiters[pair{to, from}]; ok && rev.TokensAt(now) < 1 {
		err.Cyclic = true
	}
	metrics.ConsultationsDenied.WithLabelValues(from, to, err.Reason()).Inc()
	return err
}
