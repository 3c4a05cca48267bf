package core

import (
	"strings"
	"time"
)

// Timestamp layouts accepted at the parse boundary. The store and the
// vendor software both speak local wall-clock time without offsets, so
// naive layouts come first.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

var offsetLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05-07:00",
}

// ParseISOToLocal parses an RFC3339-ish string into local-naive form.
// If an offset (or Z) is present the instant is converted to local time
// and the offset dropped; if the string is already naive it is read as
// local wall-clock as-is. Empty input returns the zero time with no
// error. This is the one place in the system where aware timestamps are
// allowed to exist; nothing past this boundary carries an offset.
func ParseISOToLocal(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}

	// Offset-bearing forms first: "Z" or a +hh:mm suffix means the
	// value is aware and must be converted before the offset is
	// stripped.
	if hasOffset(s) {
		for _, layout := range offsetLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return EnsureLocalNaive(t), nil
			}
		}
	}

	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}

	return time.Time{}, ValidationError("timestamp", "unrecognized timestamp format: "+s)
}

// EnsureLocalNaive idempotently converts a timestamp to local
// wall-clock. Values already in the local zone pass through unchanged.
func EnsureLocalNaive(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(time.Local)
}

// FormatLocal renders a local-naive timestamp in the canonical form the
// store persists. No offset is ever written.
func FormatLocal(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return EnsureLocalNaive(t).Format("2006-01-02T15:04:05")
}

func hasOffset(s string) bool {
	if strings.HasSuffix(s, "Z") {
		return true
	}
	// An offset looks like +07:00 or -07:00 after the time portion.
	// The date itself contains dashes, so only inspect past index 10.
	if len(s) > 10 {
		tail := s[10:]
		if i := strings.LastIndexAny(tail, "+-"); i >= 0 && strings.Contains(tail[i:], ":") {
			return true
		}
	}
	return false
}
