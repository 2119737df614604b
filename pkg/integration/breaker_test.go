package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("t1", 3, time.Minute)
	for i := 0; i < 2; i++ {
		cb.Failure()
		assert.Equal(t, CircuitClosed, cb.State())
	}
	cb.Failure()
	assert.Equal(t, CircuitOpen, cb.State())

	proceed, _ := cb.Allow()
	assert.False(t, proceed)
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("t1", 1, time.Minute).WithClock(func() time.Time { return now })
	cb.Failure()
	require.Equal(t, CircuitOpen, cb.State())

	proceed, _ := cb.Allow()
	assert.False(t, proceed, "recovery window not elapsed")

	now = now.Add(61 * time.Second)
	proceed, probe := cb.Allow()
	assert.True(t, proceed)
	assert.True(t, probe)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// Second caller during the probe is refused.
	proceed, _ = cb.Allow()
	assert.False(t, proceed)
}

func TestBreakerProbeOutcomes(t *testing.T) {
	now := time.Now()

	t.Run("success closes", func(t *testing.T) {
		cb := NewCircuitBreaker("t1", 1, time.Minute).WithClock(func() time.Time { return now })
		cb.Failure()
		now = now.Add(61 * time.Second)
		proceed, probe := cb.Allow()
		require.True(t, proceed && probe)
		cb.Success()
		assert.Equal(t, CircuitClosed, cb.State())
		proceed, probe = cb.Allow()
		assert.True(t, proceed)
		assert.False(t, probe)
	})

	t.Run("failure reopens with fresh window", func(t *testing.T) {
		cb := NewCircuitBreaker("t1", 1, time.Minute).WithClock(func() time.Time { return now })
		cb.Failure()
		now = now.Add(61 * time.Second)
		proceed, probe := cb.Allow()
		require.True(t, proceed && probe)
		cb.Failure()
		assert.Equal(t, CircuitOpen, cb.State())

		proceed, _ = cb.Allow()
		assert.False(t, proceed, "re-opened breaker starts a new recovery window")

		now = now.Add(61 * time.Second)
		proceed, probe = cb.Allow()
		assert.True(t, proceed)
		assert.True(t, probe)
	})
}

func TestBreakerSnapshot(t *testing.T) {
	cb := NewCircuitBreaker("batch", 2, time.Minute)
	cb.Failure()
	snap := cb.Snapshot()
	assert.Equal(t, "batch", snap.Name)
	assert.Equal(t, CircuitClosed, snap.State)
	assert.Equal(t, 1, snap.FailureCount)
	assert.False(t, snap.LastFailureAt.IsZero())
}
