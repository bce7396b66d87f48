package bybit

import (
	"testing"
	"time"
)

func TestSlidingWindowLimiterBoundsCallRate(t *testing.T) {
	l := newSlidingWindowLimiter(3, 100*time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		l.wait()
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("first 3 calls within budget took %v, expected near-instant", elapsed)
	}

	l.wait() // 4th call must wait for the 1st hit to expire
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("4th call returned after %v, expected to block until window expiry (~100ms)", elapsed)
	}
}
