package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestFormatRemaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		target time.Time
		want   string
	}{
		{"hours minutes seconds", now.Add(2*time.Hour + 15*time.Minute + 30*time.Second), "2h 15m 30s"},
		{"minutes seconds", now.Add(1*time.Minute + 30*time.Second), "1m 30s"},
		{"seconds only", now.Add(45 * time.Second), "45s"},
		{"past funding epoch", now.Add(-10 * time.Second), "0s"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FormatRemaining(tc.target.UnixMilli(), now)
			if got != tc.want {
				t.Errorf("FormatRemaining() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLiveTickerMergePreservesUnsetFields(t *testing.T) {
	rate := decimalPtr("0.0001")
	live := &LiveTicker{FundingRate: rate}

	live.Merge(LiveTicker{Ts: time.Unix(100, 0)})

	if live.FundingRate != rate {
		t.Errorf("Merge with nil patch field overwrote FundingRate")
	}
	if !live.Ts.Equal(time.Unix(100, 0)) {
		t.Errorf("Merge did not advance Ts")
	}
}
