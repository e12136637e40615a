// Package ratelimiter implements the per-job token bucket and the
// process-wide AIMD target-rate controller from spec.md §4.4.
package ratelimiter

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const floorRPS = 10

// Limiter is a per-job token bucket. Capacity and refill rate both equal
// the job's target_rps. Acquire is cooperative: callers that find no token
// available sleep for exactly the time until one will exist, rather than
// busy-polling.
type Limiter struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens/sec
	tokens     float64
	lastRefill time.Time
}

// New creates a Limiter for the given target rate. A non-positive,
// negative, or NaN rate is clamped to 1, except that an explicit 0 means
// "reject all" per spec.md §4.4's tie-break rule.
func New(targetRPS int) *Limiter {
	rate := float64(targetRPS)
	if targetRPS == 0 {
		rate = 0
	} else if targetRPS < 0 || math.IsNaN(rate) {
		rate = 1
	}
	return &Limiter{
		capacity:   rate,
		refillRate: rate,
		tokens:     rate,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a token is available, consuming exactly one. It is
// cancellation-safe: a done ctx aborts the wait and returns ctx.Err().
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryAcquire()
		if ok {
			return nil
		}
		if wait <= 0 {
			// rate is 0: nothing will ever refill.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryAcquire refills lazily and either consumes a token (ok=true) or
// reports how long to sleep before retrying.
func (l *Limiter) tryAcquire() (wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refillRate <= 0 {
		return 0, false
	}

	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens = math.Min(l.capacity, l.tokens+elapsed*l.refillRate)
	l.lastRefill = now

	if l.tokens >= 1 {
		l.tokens--
		return 0, true
	}

	deficit := 1 - l.tokens
	secs := math.Ceil(deficit / l.refillRate * 1000) / 1000
	return time.Duration(secs * float64(time.Second)), false
}

// SetRate adjusts capacity and refill rate together. The load generator
// does not call it; a job's limiter keeps the rate it was created with. It
// never retroactively drains or credits tokens beyond the new capacity.
func (l *Limiter) SetRate(targetRPS int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rate := float64(targetRPS)
	if rate < 0 {
		rate = 1
	}
	l.capacity = rate
	l.refillRate = rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// AdaptiveController is the process-wide AIMD signal described in
// spec.md §4.4 and §9: a single sharable atomic cell. Jobs with adaptive
// mode on feed it through Adjust; no limiter reads TargetRPS back, so it
// changes the rate of neither running nor later jobs.
type AdaptiveController struct {
	targetRPS int64
}

// NewAdaptiveController seeds the controller at the given starting rate.
func NewAdaptiveController(initialRPS int) *AdaptiveController {
	return &AdaptiveController{targetRPS: int64(initialRPS)}
}

// Adjust applies one AIMD step for a single completed request's latency.
func (c *AdaptiveController) Adjust(latencyMs float64) {
	for {
		cur := atomic.LoadInt64(&c.targetRPS)
		var next int64
		if latencyMs > 1000 {
			next = int64(float64(cur) * 0.9)
			if next < floorRPS {
				next = floorRPS
			}
		} else {
			next = cur + 10
		}
		if atomic.CompareAndSwapInt64(&c.targetRPS, cur, next) {
			return
		}
	}
}

// TargetRPS returns the controller's current advisory rate.
func (c *AdaptiveController) TargetRPS() int {
	return int(atomic.LoadInt64(&c.targetRPS))
}
