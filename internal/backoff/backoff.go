// Package backoff implements the jittered capped exponential delay
// schedule used by the load generator's retry policy, per spec.md §4.2.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrCancelled is returned when a cancellation signal arrives during a
// backoff wait, matching the core Cancelled error kind (spec.md §7).
var ErrCancelled = errors.New("backoff: cancelled")

// Config parameterizes the schedule. Zero-valued fields other than Jitter
// fall back to the spec's defaults via WithDefaults.
type Config struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	Jitter      float64 // fraction, e.g. 0.1 for +/-10%; 0 disables jitter, negative uses the default
	MaxAttempts int
}

// WithDefaults returns a copy of cfg with zero fields replaced by spec.md
// §4.2 defaults: base=100ms, multiplier=2, cap=5s, max attempts=3. A
// negative Jitter is replaced by the default 0.1; a zero Jitter is kept.
func (cfg Config) WithDefaults() Config {
	if cfg.Base <= 0 {
		cfg.Base = 100 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	if cfg.Cap <= 0 {
		cfg.Cap = 5 * time.Second
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0.1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return cfg
}

// NextDelay returns the delay to wait before attempt+1, given the attempt
// number that just failed (1-indexed). Never negative.
func NextDelay(attempt int, cfg Config) time.Duration {
	cfg = cfg.WithDefaults()
	nominal := float64(cfg.Base) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if nominal > float64(cfg.Cap) {
		nominal = float64(cfg.Cap)
	}
	u := (rand.Float64()*2 - 1) * cfg.Jitter // in [-jitter, +jitter]
	d := time.Duration(nominal * (1 + u))
	if d < 0 {
		d = 0
	}
	return d
}

// Retry runs fn, retrying on the schedule described by cfg. shouldRetry
// decides, given the error fn returned, whether another attempt is
// warranted; it is never consulted after the final attempt. Retry aborts
// and returns ErrCancelled if ctx is done during a backoff wait.
func Retry(ctx context.Context, cfg Config, fn func(attempt int) error, shouldRetry func(error) bool) error {
	cfg = cfg.WithDefaults()
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts || !shouldRetry(err) {
			return err
		}
		select {
		case <-time.After(NextDelay(attempt, cfg)):
		case <-ctx.Done():
			return ErrCancelled
		}
	}
	return err
}
