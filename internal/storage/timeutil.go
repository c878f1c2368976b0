package storage

import (
	"math"
	"time"
)

// Activity timestamps are REAL unix seconds, kept to microsecond precision.

// TimeToSeconds encodes t for the timestamp column. The zero time is 0.
func TimeToSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}

// SecondsToTime decodes a timestamp column value; 0, negative and non-finite
// values give the zero time.
func SecondsToTime(value float64) time.Time {
	if value <= 0 || math.IsInf(value, 0) || math.IsNaN(value) {
		return time.Time{}
	}
	sec, frac := math.Modf(value)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}
