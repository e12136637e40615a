package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codahale/loadworker/internal/ratelimiter"
)

func TestAcquireAdmitsBurstUpToCapacity(t *testing.T) {
	l := ratelimiter.New(10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
}

func TestAcquireBlocksPastCapacity(t *testing.T) {
	l := ratelimiter.New(5)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx))
	}

	start := time.Now()
	require.NoError(t, l.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestZeroRateRejectsAll(t *testing.T) {
	l := ratelimiter.New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	assert.Error(t, err)
}

func TestNegativeRateClampedToOne(t *testing.T) {
	l := ratelimiter.New(-5)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, l.Acquire(ctx))
}

func TestAcquireCancellation(t *testing.T) {
	l := ratelimiter.New(1)
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx)) // drain the single token

	cancelCtx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := l.Acquire(cancelCtx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdaptiveControllerAIMD(t *testing.T) {
	c := ratelimiter.NewAdaptiveController(200)

	c.Adjust(1200) // > 1000ms -> multiplicative decrease
	assert.Equal(t, 180, c.TargetRPS())

	c.Adjust(50) // additive increase
	assert.Equal(t, 190, c.TargetRPS())
}

func TestAdaptiveControllerNeverBelowFloor(t *testing.T) {
	c := ratelimiter.NewAdaptiveController(12)
	for i := 0; i < 10; i++ {
		c.Adjust(2000)
	}
	assert.GreaterOrEqual(t, c.TargetRPS(), 10)
}
