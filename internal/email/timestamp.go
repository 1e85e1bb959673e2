package email

import (
	"fmt"
	"strings"
	"time"
)

// timestampLayouts are the ISO-8601 forms accepted by ParseTimestamp.
// Layouts without a zone are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp, including the literal "Z"
// suffix, into a UTC time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// NormalizeTimestamp converts a decoded JSON timestamp to a UTC time. Values
// that cannot be interpreted yield the current UTC time together with an
// error describing the problem, which callers log as a warning.
func NormalizeTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case string:
		t, err := ParseTimestamp(ts)
		if err != nil {
			return time.Now().UTC(), fmt.Errorf("could not parse timestamp: %w", err)
		}
		return t, nil
	case time.Time:
		return ts.UTC(), nil
	default:
		return time.Now().UTC(), fmt.Errorf("unexpected timestamp type %T", v)
	}
}
