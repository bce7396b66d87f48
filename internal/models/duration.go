package models

import (
	"fmt"
	"time"
)

// FormatRemaining renders the time until nextFundingTs (epoch ms) the way
// the spec's countdown examples show it: "2h 15m 30s", "1m 30s", "30s".
// A non-positive remaining duration renders as "0s" (funding epoch reached
// or passed) rather than as a negative value.
func FormatRemaining(nextFundingTs int64, now time.Time) string {
	remaining := time.UnixMilli(nextFundingTs).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	remaining = remaining.Round(time.Second)

	h := int64(remaining / time.Hour)
	m := int64((remaining % time.Hour) / time.Minute)
	s := int64((remaining % time.Minute) / time.Second)

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
