package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// timeLayouts are tried in order when decoding a timestamp. The server
// emits ISO-8601 both with and without a zone designator; values without
// one are interpreted as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Time is a timestamp with lenient JSON decoding. The zero value means
// "absent" and encodes as null.
type Time struct {
	time.Time
}

// NewTime wraps t, normalised to UTC.
func NewTime(t time.Time) Time {
	return Time{Time: t.UTC()}
}

// ParseTime parses an ISO-8601 timestamp in any of the accepted layouts.
func ParseTime(s string) (Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return NewTime(t), nil
		}
	}

	return Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// UnmarshalJSON decodes an ISO-8601 string. Empty strings and null leave
// the value at zero.
func (t *Time) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = Time{}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decoding timestamp: %w", err)
	}

	if s == "" {
		*t = Time{}
		return nil
	}

	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}

	*t = parsed

	return nil
}

// MarshalJSON encodes the timestamp as RFC 3339 with millisecond
// precision in UTC, or null when unset.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(t.UTC().Format(isoMillis))
}

// String formats the timestamp the same way it is sent on the wire.
func (t Time) String() string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(isoMillis)
}

const isoMillis = "2006-01-02T15:04:05.000Z07:00"
