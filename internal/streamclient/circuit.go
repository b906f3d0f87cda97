package streamclient

import (
	"sync"
	"time"
)

// CircuitState is one of the three states of the per-destination circuit
// breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerConfig parametrizes the breaker. HalfOpenMaxCalls bounds how
// many probe calls may be outstanding concurrently while half-open;
// HalfOpenRequiredSuccesses is the number of those probes that must succeed
// before the breaker closes. The two are independent: a deployment may
// allow several concurrent probes but require only one success to close, or
// vice versa.
type CircuitBreakerConfig struct {
	FailureThreshold          int
	Timeout                   time.Duration
	HalfOpenMaxCalls          int
	HalfOpenRequiredSuccesses int
}

// DefaultCircuitBreakerConfig matches the defaults used across destinations
// absent an explicit override.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:          5,
		Timeout:                   60 * time.Second,
		HalfOpenMaxCalls:          3,
		HalfOpenRequiredSuccesses: 3,
	}
}

// CircuitBreaker guards a destination's stream send path: after
// FailureThreshold consecutive failures it opens and rejects sends for
// Timeout, then allows up to HalfOpenMaxCalls outstanding probe calls,
// closing once HalfOpenRequiredSuccesses probes have succeeded or
// reopening on any probe failure.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu             sync.Mutex
	state          CircuitState
	failureCount   int
	successCount   int
	halfOpenCalls  int
	lastFailureAt  time.Time
}

// NewCircuitBreaker constructs a breaker starting in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	if cfg.HalfOpenRequiredSuccesses <= 0 {
		cfg.HalfOpenRequiredSuccesses = 3
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed}
}

// Allow reports whether a call may proceed, transitioning open→half_open
// once the timeout has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(b.lastFailureAt) >= b.cfg.Timeout {
			b.state = CircuitHalfOpen
			b.halfOpenCalls = 1
			b.successCount = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess closes the circuit once enough half-open probes succeed,
// and resets the failure count in the closed state.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.successCount++
		if b.halfOpenCalls > 0 {
			b.halfOpenCalls--
		}
		if b.successCount >= b.cfg.HalfOpenRequiredSuccesses {
			b.state = CircuitClosed
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenCalls = 0
		}
		return
	}
	b.failureCount = 0
}

// RecordFailure reopens the circuit immediately if the failure occurred
// during a half-open probe, or once the closed-state failure count reaches
// the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureAt = time.Now()

	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
		b.halfOpenCalls = 0
		b.successCount = 0
		return
	}
	if b.failureCount >= b.cfg.FailureThreshold {
		b.state = CircuitOpen
	}
}

// State returns a snapshot of the breaker for diagnostics.
func (b *CircuitBreaker) State() (CircuitState, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failureCount
}
