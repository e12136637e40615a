package breaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codahale/loadworker/internal/breaker"
)

func TestClosedAllowsUntilThreshold(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 3, ResetTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, breaker.Closed, b.State())

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, breaker.Open, b.State())
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Hour})

	b.Allow()
	b.RecordFailure()
	b.Allow()
	b.RecordSuccess()
	b.Allow()
	b.RecordFailure()

	assert.Equal(t, breaker.Closed, b.State(), "a success should have reset the streak")
}

func TestOpenRejectsUntilResetTimeout(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})

	b.Allow()
	b.RecordFailure()
	require.Equal(t, breaker.Open, b.State())
	assert.False(t, b.Allow())

	time.Sleep(25 * time.Millisecond)
	assert.True(t, b.Allow(), "allow should admit exactly one probe after the reset timeout")
	assert.Equal(t, breaker.HalfOpen, b.State())
}

func TestHalfOpenGatesInflightAndTransitions(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Millisecond, HalfOpenMaxInflight: 1})

	b.Allow()
	b.RecordFailure()
	time.Sleep(2 * time.Millisecond)

	require.True(t, b.Allow()) // transitions to HalfOpen, admits one probe
	assert.False(t, b.Allow(), "a second concurrent probe must be rejected")

	b.RecordSuccess()
	assert.Equal(t, breaker.Closed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Millisecond, HalfOpenMaxInflight: 1})

	b.Allow()
	b.RecordFailure()
	time.Sleep(2 * time.Millisecond)

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, breaker.Open, b.State())
}

func TestRegistrySharesBreakerPerKey(t *testing.T) {
	r := breaker.NewRegistry(breaker.Config{FailureThreshold: 5})
	a := r.Get("http://example.com")
	b := r.Get("http://example.com")
	c := r.Get("http://other.example.com")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
