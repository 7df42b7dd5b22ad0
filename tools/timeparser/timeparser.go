package timeparser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInFuture means the observation lies beyond the clock-skew tolerance.
	ErrInFuture = errors.New("timestamp is in the future")
	// ErrTooOld means the observation lies beyond the retention horizon.
	ErrTooOld = errors.New("timestamp is older than the retention horizon")
)

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05", // ISO without zone, treated as UTC
	"2006-01-02 15:04:05", // SQL style, treated as UTC
	"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	"02 15:04:05/01/2006", // DD HH:mm:ss/MM/YYYY
}

// ParseReadingTimestamp parses an observation timestamp in any supported
// layout, or as unix seconds, and returns it in UTC.
func ParseReadingTimestamp(dateStr string) (time.Time, error) {
	value := strings.TrimSpace(dateStr)
	if value == "" {
		return time.Time{}, fmt.Errorf("failed to parse timestamp: empty value")
	}

	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil && seconds > 0 {
		return time.Unix(seconds, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// CheckWindow reports whether observed is acceptable relative to now: not
// later than now+futureSkew and not earlier than now-horizon. Boundaries are
// inclusive.
func CheckWindow(observed, now time.Time, futureSkew, horizon time.Duration) error {
	if observed.After(now.Add(futureSkew)) {
		return ErrInFuture
	}
	if horizon > 0 && observed.Before(now.Add(-horizon)) {
		return ErrTooOld
	}
	return nil
}
