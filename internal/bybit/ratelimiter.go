package bybit

import (
	"sync"
	"time"
)

// slidingWindowLimiter enforces "at most N calls in any trailing window W"
// — distinct from a token bucket, which would let a burst refill ahead of
// time. Bybit's published REST limits are windowed, so the limiter
// mirrors that shape directly rather than approximating it with
// golang.org/x/time/rate.
type slidingWindowLimiter struct {
	n      int
	window time.Duration
	mu     sync.Mutex
	hits   []time.Time
}

func newSlidingWindowLimiter(n int, window time.Duration) *slidingWindowLimiter {
	return &slidingWindowLimiter{n: n, window: window}
}

// wait blocks until a call may be made without exceeding n hits per
// window, then records the call. It wakes exactly when the oldest hit in
// the window expires, rather than polling.
func (l *slidingWindowLimiter) wait() {
	for {
		l.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-l.window)

		i := 0
		for i < len(l.hits) && l.hits[i].Before(cutoff) {
			i++
		}
		l.hits = l.hits[i:]

		if len(l.hits) < l.n {
			l.hits = append(l.hits, now)
			l.mu.Unlock()
			return
		}

		oldest := l.hits[0]
		l.mu.Unlock()

		sleepFor := oldest.Add(l.window).Sub(now)
		if sleepFor > 0 {
			time.Sleep(sleepFor)
		}
	}
}
