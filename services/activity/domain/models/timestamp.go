package models

import (
	"fmt"
	"strings"
	"time"
)

// timestampLayouts covers the ISO-8601 forms clients send: a date alone
// (midnight UTC), or a date and time separated by 'T', 't' or a space, with
// optional seconds and fraction, and an optional zone written as Z, +hh:mm,
// +hhmm or +hh. Layouts without a zone are interpreted as UTC.
var timestampLayouts = buildTimestampLayouts()

func buildTimestampLayouts() []string {
	layouts := []string{time.RFC3339Nano}
	for _, sep := range []string{"T", "t", " "} {
		// Fractional seconds are accepted after the seconds field even when the layout omits them.
		for _, clock := range []string{"15:04:05", "15:04"} {
			for _, zone := range []string{"Z07:00", "Z0700", "Z07", ""} {
				layouts = append(layouts, "2006-01-02"+sep+clock+zone)
			}
		}
	}
	return append(layouts, time.DateOnly)
}

// ParseTimestamp parses an ISO-8601 date or date-time string into a UTC time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not a valid ISO-8601 date-time", s)
}

// FormatTimestamp renders t in the canonical wire and storage form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
