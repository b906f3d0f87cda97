package streamclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:          3,
		Timeout:                   20 * time.Millisecond,
		HalfOpenMaxCalls:          2,
		HalfOpenRequiredSuccesses: 2,
	}
}

func TestCircuitBreakerStartsClosed(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig())
	state, failures := b.State()
	assert.Equal(t, CircuitClosed, state)
	assert.Zero(t, failures)
	assert.True(t, b.Allow())
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	state, failures := b.State()
	assert.Equal(t, CircuitOpen, state)
	assert.Equal(t, 3, failures)
	assert.False(t, b.Allow())
}

func TestCircuitBreakerHalfOpensAfterTimeout(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.Allow()
		b.RecordFailure()
	}
	require.False(t, b.Allow())

	time.Sleep(25 * time.Millisecond)
	require.True(t, b.Allow(), "breaker should half-open once timeout elapses")
	state, _ := b.State()
	assert.Equal(t, CircuitHalfOpen, state)
}

func TestCircuitBreakerClosesAfterEnoughHalfOpenSuccesses(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.Allow()
		b.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)

	require.True(t, b.Allow())
	b.RecordSuccess()
	state, _ := b.State()
	assert.Equal(t, CircuitHalfOpen, state, "one success should not yet close the breaker")

	require.True(t, b.Allow())
	b.RecordSuccess()
	state, failures := b.State()
	assert.Equal(t, CircuitClosed, state)
	assert.Zero(t, failures)
}

func TestCircuitBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.Allow()
		b.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)

	require.True(t, b.Allow())
	b.RecordFailure()
	state, _ := b.State()
	assert.Equal(t, CircuitOpen, state, "any half-open failure must reopen immediately")
	assert.False(t, b.Allow())
}

func TestCircuitBreakerHalfOpenRejectsBeyondMaxCalls(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.HalfOpenMaxCalls = 1
	b := NewCircuitBreaker(cfg)
	for i := 0; i < 3; i++ {
		b.Allow()
		b.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)

	require.True(t, b.Allow())
	assert.False(t, b.Allow(), "a second concurrent probe should be rejected while one is outstanding")
}

func TestCircuitBreakerDefaultsAppliedWhenZero(t *testing.T) {
	b := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.Equal(t, 5, b.cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, b.cfg.Timeout)
	assert.Equal(t, 3, b.cfg.HalfOpenMaxCalls)
	assert.Equal(t, 3, b.cfg.HalfOpenRequiredSuccesses)
}

func TestCircuitBreakerMaxCallsAndRequiredSuccessesAreIndependent(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.HalfOpenMaxCalls = 3
	cfg.HalfOpenRequiredSuccesses = 1
	b := NewCircuitBreaker(cfg)
	for i := 0; i < 3; i++ {
		b.Allow()
		b.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)

	require.True(t, b.Allow(), "max calls of 3 should allow this probe")
	b.RecordSuccess()
	state, _ := b.State()
	assert.Equal(t, CircuitClosed, state, "a single success should close the breaker when required successes is 1")
}
