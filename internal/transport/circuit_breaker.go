package transport

import (
	"sync"
	"time"
)

// CircuitState is the state of a per-host circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// circuitBreaker implements the per-host failure-count breaker described in
// spec.md §4.1: Closed -> Open after threshold consecutive failures -> HalfOpen
// after cooldown -> Closed on the next success or back to Open on failure.
type circuitBreaker struct {
	mu sync.Mutex

	state     CircuitState
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration

	// halfOpenProbeInFlight gates HalfOpen to a single trial call at a time,
	// matching "first call after cooldown is HalfOpen".
	halfOpenProbeInFlight bool
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a call may proceed, and if so whether this call is
// the HalfOpen trial probe (the caller must report its outcome via
// recordSuccess/recordFailure regardless).
func (c *circuitBreaker) allow() (ok bool, isProbe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		return true, false
	case CircuitOpen:
		if time.Since(c.openedAt) < c.cooldown {
			return false, false
		}
		// Cooldown elapsed: move to HalfOpen and admit exactly one probe.
		c.state = CircuitHalfOpen
		if c.halfOpenProbeInFlight {
			return false, false
		}
		c.halfOpenProbeInFlight = true
		return true, true
	case CircuitHalfOpen:
		if c.halfOpenProbeInFlight {
			return false, false
		}
		c.halfOpenProbeInFlight = true
		return true, true
	default:
		return true, false
	}
}

func (c *circuitBreaker) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.halfOpenProbeInFlight = false
	c.state = CircuitClosed
}

func (c *circuitBreaker) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halfOpenProbeInFlight = false

	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = time.Now()
		return
	}

	c.failures++
	if c.failures >= c.threshold {
		c.state = CircuitOpen
		c.openedAt = time.Now()
	}
}

func (c *circuitBreaker) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.state = CircuitClosed
	c.halfOpenProbeInFlight = false
}

func (c *circuitBreaker) currentState() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
