// Package resilience holds the retry, circuit breaking, rate limiting,
// idempotency and shutdown helpers shared by the dispatch client and gitops.
package resilience

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/metrics"
)

// ErrCircuitOpen is returned when the breaker for an actor is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // requests pass through
	CircuitOpen                         // fail fast
	CircuitHalfOpen                     // one probe allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after Threshold consecutive failures and lets a single
// probe through once Recovery has elapsed since the last failure.
type CircuitBreaker struct {
	mu sync.Mutex

	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	probing         bool
	threshold       int
	recovery        time.Duration

	Now      func() time.Time
	OnChange func(from, to CircuitState)
}

func NewCircuitBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if recovery <= 0 {
		recovery = time.Minute
	}
	return &CircuitBreaker{state: CircuitClosed, threshold: threshold, recovery: recovery}
}

func (cb *CircuitBreaker) now() time.Time {
	if cb.Now != nil {
		return cb.Now()
	}
	return time.Now()
}

// Allow returns ErrCircuitOpen while the breaker is open, or while a half-open
// probe is already outstanding.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.recovery {
			cb.transition(CircuitHalfOpen)
			cb.probing = true
			return nil
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.probing = false
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()
	cb.probing = false
	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.threshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// must be called with lock held
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if to == CircuitClosed {
		cb.failureCount = 0
	}
	if cb.OnChange != nil && from != to {
		cb.OnChange(from, to)
	}
}

// BreakerSet keeps one breaker per actor.
type BreakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	threshold int
	recovery  time.Duration
	now       func() time.Time
	log       *zap.Logger
}

func NewBreakerSet(threshold int, recovery time.Duration, now func() time.Time, log *zap.Logger) *BreakerSet {
	if log == nil {
		log = zap.NewNop()
	}
	return &BreakerSet{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		recovery:  recovery,
		now:       now,
		log:       log,
	}
}

// For returns the breaker for actor, creating it on first use.
func (s *BreakerSet) For(actor string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[actor]; ok {
		return cb
	}
	cb := NewCircuitBreaker(s.threshold, s.recovery)
	cb.Now = s.now
	cb.OnChange = func(from, to CircuitState) {
		metrics.BreakerState.WithLabelValues(actor).Set(float64(to))
		s.log.Warn("circuit breaker state change",
			zap.String("actor", actor),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}
	metrics.BreakerState.WithLabelValues(actor).Set(float64(CircuitClosed))
	s.breakers[actor] = cb
	return cb
}
