package breaker

import (
	"sync"
	"time"

	"github.com/arbflow/arbflow/pkg/domain"
)

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker short-circuits an unreliable dependency: it opens after threshold
// consecutive failures, probes again after resetTimeout, and closes on the
// first successful probe.
type Breaker struct {
	threshold    int
	resetTimeout time.Duration
	clock        domain.Clock

	state       State
	failures    int
	lastFailure time.Time
	lastAttempt time.Time

	mu sync.Mutex
}

func New(threshold int, resetTimeout time.Duration, clock domain.Clock) *Breaker {
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        clock,
		state:        StateClosed,
	}
}

// Allow reports whether a call may proceed, transitioning open → half-open
// once the reset timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAttempt = b.clock.Now()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Since(b.lastFailure) >= b.resetTimeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		// One probe in flight at a time.
		return false
	default:
		return false
	}
}

// RecordSuccess closes the breaker. Returns true when this call transitioned
// the breaker out of a non-closed state, so callers can log recovery once.
func (b *Breaker) RecordSuccess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	recovered := b.state != StateClosed
	b.state = StateClosed
	b.failures = 0
	return recovered
}

// RecordFailure counts a failure; at threshold the breaker opens. A half-open
// probe failure reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.clock.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.state = StateOpen
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
}
