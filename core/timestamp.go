package core

import (
	"strings"
	"time"
)

// ParseTimestamp parses an ISO-8601 timestamp carrying either a Z suffix or an
// explicit offset. The result is in UTC. ok is false when the string cannot be
// parsed; callers keep the original string in that case.
func ParseTimestamp(s string) (ts time.Time, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// TimeParts is the decomposed form of a timestamp stored alongside vectors so
// range filters do not need to scan vectors.
type TimeParts struct {
	ISO        string
	Year       int
	Month      int
	Day        int
	Hour       int
	HourBucket int64 // YYYYMMDDHH, monotonic in time
}

// DecomposeTime splits ts (converted to UTC) into indexed parts.
func DecomposeTime(ts time.Time) TimeParts {
	ts = ts.UTC()
	return TimeParts{
		ISO:        ts.Format(time.RFC3339Nano),
		Year:       ts.Year(),
		Month:      int(ts.Month()),
		Day:        ts.Day(),
		Hour:       ts.Hour(),
		HourBucket: HourBucket(ts),
	}
}

// HourBucket encodes the hour containing ts as YYYYMMDDHH.
func HourBucket(ts time.Time) int64 {
	ts = ts.UTC()
	return int64(ts.Year())*1_000_000 + int64(ts.Month())*10_000 + int64(ts.Day())*100 + int64(ts.Hour())
}
