package bybit

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker is a small explicit state machine: closed lets calls
// through and counts consecutive failures; after failThreshold in a row it
// opens and rejects calls for openFor; after that cooldown it lets exactly
// one probe call through (half-open) and closes on success or reopens on
// failure. No third-party breaker exists anywhere in the reference
// corpus, so this is hand-rolled rather than adapted from an example.
type circuitBreaker struct {
	failThreshold int
	openFor       time.Duration

	mu          sync.Mutex
	state       breakerState
	failures    int
	openedAt    time.Time
}

func newCircuitBreaker(failThreshold int, openFor time.Duration) *circuitBreaker {
	return &circuitBreaker{failThreshold: failThreshold, openFor: openFor, state: breakerClosed}
}

// allow reports whether a call may proceed right now, transitioning
// open -> half-open once the cooldown has elapsed.
func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) >= b.openFor {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// Only one probe is allowed through at a time; callers already
		// past allow() when the transition happened are the probe.
		return false
	default:
		return true
	}
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		return
	}

	b.failures++
	if b.failures >= b.failThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}
