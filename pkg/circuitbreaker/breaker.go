// Package circuitbreaker implements the circuit breaker pattern.
//
// A breaker tracks consecutive delivery failures per resource and
// temporarily blocks requests once a threshold is crossed, probing the
// resource again after a cooldown.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Cooldown elapsed, probing with a single request
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Consecutive failures before the circuit opens (default: 5)
	Cooldown  time.Duration // Time before the open circuit allows a probe (default: 30s)
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker guards a single resource.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	probing     bool // a half-open probe is in flight
	lastFailure time.Time
}

// New creates a circuit breaker in the closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: Closed}
}

// Allow reports whether a request may be attempted. In the half-open
// state only one probe is allowed at a time; further callers are
// blocked until the probe's outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailure) > b.cfg.Cooldown {
			b.state = HalfOpen
			b.probing = true
			return true
		}
		return false
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failure; at the threshold (or on a failed
// probe) the circuit opens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	b.probing = false

	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset returns the breaker to the closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}
