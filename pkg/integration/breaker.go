package integration

import (
	"sync"
	"time"
)

// CircuitState is the breaker position for one tier.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitBreaker guards one tier. Transitions follow the fixed edge set:
// CLOSED→OPEN when the failure threshold is crossed, OPEN→HALF_OPEN after
// the recovery timeout, HALF_OPEN→CLOSED on a successful probe and
// HALF_OPEN→OPEN on a failed one.
//
// Breaker state is shared read/write across every concurrent session
// using the tier; all mutation happens under the mutex.
type CircuitBreaker struct {
	mu              sync.Mutex
	name            string
	state           CircuitState
	failureCount    int
	threshold       int
	recoveryTimeout time.Duration
	lastFailureAt   time.Time
	openedAt        time.Time
	probing         bool
	clock           func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, threshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		state:           CircuitClosed,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		clock:           time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow reports whether a call may proceed, and whether that call is the
// half-open probe. While a probe is in flight, every other caller is
// refused so a thundering herd cannot re-open the breaker; refused
// callers fail over to the next tier instead of queueing.
func (cb *CircuitBreaker) Allow() (proceed, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, false
	case CircuitOpen:
		if cb.clock().Sub(cb.openedAt) < cb.recoveryTimeout {
			return false, false
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		return true, true
	case CircuitHalfOpen:
		if cb.probing {
			return false, false
		}
		cb.probing = true
		return true, true
	}
	return false, false
}

// Success resets the breaker to CLOSED.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.probing = false
}

// Failure records a tier exhaustion. A failed probe re-opens the breaker
// immediately; otherwise the breaker opens once the threshold is crossed.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	cb.failureCount++
	cb.lastFailureAt = now

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = now
		cb.probing = false
		return
	}
	if cb.failureCount >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = now
	}
}

// Snapshot returns the current breaker state for logging and audit.
type BreakerSnapshot struct {
	Name          string       `json:"name"`
	State         CircuitState `json:"state"`
	FailureCount  int          `json:"failure_count"`
	LastFailureAt time.Time    `json:"last_failure_at,omitempty"`
	OpenedAt      time.Time    `json:"opened_at,omitempty"`
}

// Snapshot captures the breaker state under the lock.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Name:          cb.name,
		State:         cb.state,
		FailureCount:  cb.failureCount,
		LastFailureAt: cb.lastFailureAt,
		OpenedAt:      cb.openedAt,
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
