package domain

import "time"

// Timestamps are stored as second-precision RFC3339 UTC strings so that they
// order lexically in SQL.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
