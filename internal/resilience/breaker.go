// Package resilience provides the circuit breaker that guards latency-test
// dispatch and storage access.
//
// The breaker is a classic three-state machine (closed → open → half-open).
// Unlike a call-wrapping breaker, this one exposes Allow/Record primitives so
// the orchestrator can consult it during client selection without committing
// to a call shape. All methods are safe for concurrent use.
package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// BreakerState is the current operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed is the normal state — calls are allowed.
	BreakerClosed BreakerState = iota

	// BreakerOpen means the breaker tripped; calls are disallowed until the
	// cool-down elapses.
	BreakerOpen

	// BreakerHalfOpen admits a bounded number of probe calls after the
	// cool-down. Successes close the breaker, a failure re-opens it.
	BreakerHalfOpen
)

// String returns the lowercase state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels log messages (e.g. the client id being guarded).
	Name string

	// Threshold is the consecutive-failure count that trips the breaker.
	// Default: 3.
	Threshold int

	// CoolDown is how long the breaker stays open before probing.
	// Default: 15s.
	CoolDown time.Duration

	// Probes is the number of calls admitted while half-open. The first
	// success recorded after all of them were admitted closes the breaker;
	// successes are not counted. Default: 2.
	Probes int

	// Clock substitutes the time source in tests. Default: the real clock.
	Clock clock.Clock
}

// Breaker is a three-state circuit breaker with explicit Allow/Record calls.
type Breaker struct {
	name      string
	threshold int
	coolDown  time.Duration
	probes    int
	clk       clock.Clock

	mu         sync.Mutex
	state      BreakerState
	failures   int
	probesLeft int
	openedAt   time.Time
}

// NewBreaker creates a [Breaker] from cfg, filling defaults for zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 15 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		coolDown:  cfg.CoolDown,
		probes:    cfg.Probes,
		clk:       cfg.Clock,
		state:     BreakerClosed,
	}
}

// Allow reports whether a call may proceed right now. In the open state it
// transitions to half-open once the cool-down has elapsed; in half-open it
// admits at most the configured number of probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clk.Since(b.openedAt) < b.coolDown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probesLeft = b.probes
		slog.Info("breaker half-open", "name", b.name)
		fallthrough
	case BreakerHalfOpen:
		if b.probesLeft <= 0 {
			return false
		}
		b.probesLeft--
		return true
	}
	return false
}

// RecordSuccess notes a successful call. In half-open, a success closes the
// breaker once the whole probe budget has been admitted; in the closed state
// the failure streak resets.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		if b.probesLeft <= 0 {
			b.state = BreakerClosed
			b.failures = 0
			slog.Info("breaker closed", "name", b.name)
		}
	}
}

// RecordFailure notes a failed call. A half-open failure re-opens
// immediately; in the closed state the breaker opens once the streak reaches
// the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	}
}

// open must be called with b.mu held.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.clk.Now()
	slog.Warn("breaker opened", "name", b.name, "failures", b.failures)
}

// State returns the breaker's current state without side effects.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probesLeft = 0
}
