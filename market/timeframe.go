package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a candle interval such as "1m", "15m", "1h" or "1d".
type Timeframe string

const (
	M1  Timeframe = "1m"
	M5  Timeframe = "5m"
	M15 Timeframe = "15m"
	H1  Timeframe = "1h"
	H4  Timeframe = "4h"
	D1  Timeframe = "1d"
)

// Duration returns the interval length, or zero for an unparseable timeframe.
func (tf Timeframe) Duration() time.Duration {
	d, err := ParseTimeframe(string(tf))
	if err != nil {
		return 0
	}
	return d
}

func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// ParseTimeframe understands Go durations plus a "d" (day) suffix.
func ParseTimeframe(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty timeframe")
	}
	if strings.HasSuffix(s, "d") {
		var n int
		if _, err := fmt.Sscanf(s, "%dd", &n); err != nil || n <= 0 {
			return 0, fmt.Errorf("bad timeframe %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad timeframe %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("bad timeframe %q: must be positive", s)
	}
	return d, nil
}
