// Package breaker implements the three-state per-upstream circuit breaker
// from spec.md §4.3. It is grounded on the state-machine shape used by the
// autobreaker-style circuit breakers in the example pack, simplified to
// the strict, state-machine-consistent variant spec.md §9 calls for:
// HalfOpen decrements its inflight counter on both success and failure.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config parameterizes a Breaker. Zero fields fall back to spec.md §4.3
// defaults: failure_threshold=5, reset_timeout=30s, half_open_max_inflight=1.
type Config struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxInflight int
}

func (cfg Config) withDefaults() Config {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxInflight <= 0 {
		cfg.HalfOpenMaxInflight = 1
	}
	return cfg
}

// Breaker is a single upstream's availability gate. One Breaker is shared
// across every job targeting the same upstream host for the lifetime of
// the process.
type Breaker struct {
	cfg Config

	mu                sync.Mutex
	state             State
	consecutiveFails  int
	openedAt          time.Time
	halfOpenInflight  int
}

// New creates a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: Closed}
}

// Allow reports whether a request may proceed, and atomically reserves a
// half-open probe slot if this call is what transitions Open to HalfOpen
// or admits a HalfOpen probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) < b.cfg.ResetTimeout {
			return false
		}
		b.state = HalfOpen
		b.halfOpenInflight = 1
		return true
	case HalfOpen:
		if b.halfOpenInflight < b.cfg.HalfOpenMaxInflight {
			b.halfOpenInflight++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess reports a successful request against this upstream.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFails = 0
	case HalfOpen:
		b.halfOpenInflight--
		b.state = Closed
		b.consecutiveFails = 0
	}
}

// RecordFailure reports a failed request against this upstream.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = time.Now()
		}
	case HalfOpen:
		b.halfOpenInflight--
		b.state = Open
		b.openedAt = time.Now()
		b.consecutiveFails = b.cfg.FailureThreshold
	}
}

// State returns the current state, for diagnostics and logging.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry hands out one Breaker per upstream key (e.g. scheme+host),
// shared across jobs as spec.md §3 requires.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty Registry using cfg for every Breaker it
// lazily creates.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the Breaker for key, creating it if absent.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.cfg)
		r.breakers[key] = b
	}
	return b
}
