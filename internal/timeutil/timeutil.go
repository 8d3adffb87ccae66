package timeutil

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrOffsetNotAllowed indicates a timestamp carried an explicit zone or offset
	// where naive local input was expected.
	ErrOffsetNotAllowed = errors.New("timeutil: timezone offsets are not allowed for this input")
	// ErrUnparsableTime indicates the input did not match any accepted layout.
	ErrUnparsableTime = errors.New("timeutil: unparsable timestamp")
)

// naive layouts accepted for operator-entered local times.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ISO8601UTC formats epoch seconds as an ISO-8601 UTC string with a literal Z
// suffix and no sub-second precision, e.g. 2025-10-14T12:34:56Z.
func ISO8601UTC(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format("2006-01-02T15:04:05Z")
}

// LoadLocation resolves a timezone name to a *time.Location. Empty input means
// UTC; unknown names are an error rather than a silent fallback.
func LoadLocation(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || strings.EqualFold(trimmed, "UTC") {
		return time.UTC, nil
	}
	location, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, fmt.Errorf("timeutil: unknown timezone %q: %w", trimmed, err)
	}
	return location, nil
}

// ParseLocalTime interprets a naive timestamp string in the provided location
// and returns UTC epoch seconds. Empty input returns nil, which callers treat
// as "clear this bound". Inputs carrying a zone suffix or offset are rejected.
func ParseLocalTime(value string, location *time.Location) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if hasZoneSuffix(trimmed) {
		return nil, ErrOffsetNotAllowed
	}
	if location == nil {
		location = time.UTC
	}
	for _, layout := range localLayouts {
		parsed, err := time.ParseInLocation(layout, trimmed, location)
		if err == nil {
			epoch := parsed.UTC().Unix()
			return &epoch, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnparsableTime, trimmed)
}

func hasZoneSuffix(value string) bool {
	if strings.HasSuffix(value, "Z") {
		return true
	}
	// An offset like +02:00 or -0700 appears after the time portion; a minus
	// before index 10 is still part of the date.
	for i := 10; i < len(value); i++ {
		if value[i] == '+' || value[i] == '-' {
			return true
		}
	}
	return false
}
