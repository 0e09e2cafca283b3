package httpclient

import (
	"sync"
	"time"

	"github.com/asap-run/asap/internal/ids"
)

// CircuitState is one of the three states of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker is a per-base-URL CLOSED/OPEN/HALF_OPEN state machine,
// grounded on pgollucci-loom's auto-file circuit breaker (trip after N
// consecutive failures, auto-reset after a cooldown) generalized from a
// single bool+timestamp pair into the full three-state machine: only one
// probe request is let through in HALF_OPEN, and a probe failure reopens
// the circuit immediately rather than waiting for maxFails consecutive
// failures again.
type CircuitBreaker struct {
	mu          sync.Mutex
	maxFails    int
	resetAfter  time.Duration
	clock       ids.Clock
	consecFails int
	state       CircuitState
	openedAt    time.Time
	probeInFlight bool
}

// NewCircuitBreaker constructs a breaker. maxFails <= 0 defaults to 3;
// clock nil uses the system clock.
func NewCircuitBreaker(maxFails int, resetAfter time.Duration, clock ids.Clock) *CircuitBreaker {
	if maxFails <= 0 {
		maxFails = 3
	}
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &CircuitBreaker{maxFails: maxFails, resetAfter: resetAfter, clock: clock}
}

// Allow reports whether a request may proceed, transitioning OPEN to
// HALF_OPEN once the cooldown elapses. Only one HALF_OPEN probe is
// admitted at a time; concurrent callers are refused until the probe
// resolves.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if c.probeInFlight {
			return false
		}
		c.probeInFlight = true
		return true
	default: // CircuitOpen
		if c.clock.Now().Sub(c.openedAt) > c.resetAfter {
			c.state = CircuitHalfOpen
			c.probeInFlight = true
			return true
		}
		return false
	}
}

// RecordSuccess closes the circuit and clears the failure counter.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecFails = 0
	c.state = CircuitClosed
	c.probeInFlight = false
}

// RecordFailure increments the consecutive-failure counter, tripping the
// circuit open once maxFails is reached. A failed HALF_OPEN probe reopens
// the circuit immediately, resetting the cooldown clock.
func (c *CircuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = c.clock.Now()
		c.probeInFlight = false
		return
	}

	c.consecFails++
	if c.consecFails >= c.maxFails {
		c.state = CircuitOpen
		c.openedAt = c.clock.Now()
	}
}

// State reports the current state for observability/metrics.
func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
