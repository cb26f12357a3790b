package timeparser

import (
	"fmt"
	"strings"
	"time"
)

var readingFormats = []string{
	"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	"02 15:04:05/01/2006", // DD HH:mm:ss/MM/YYYY
	time.RFC3339,
}

var dateFormats = []string{
	"2006-01-02", // HTML date input
	"02/01/2006",
	time.RFC3339,
}

// ParseReadingTimestamp parses the timestamp of a meter reading submission
func ParseReadingTimestamp(value string) (time.Time, error) {
	return parseFirst(value, readingFormats)
}

// ParseDate parses a calendar date such as a meter installation date
func ParseDate(value string) (time.Time, error) {
	t, err := parseFirst(value, dateFormats)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

func parseFirst(value string, formats []string) (time.Time, error) {
	value = strings.TrimSpace(value)

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", value, lastErr)
}

// IsWithinTolerance checks if the reading timestamp is within tolerance of received time
func IsWithinTolerance(readingTime, receivedTime time.Time, toleranceMinutes int) bool {
	diff := readingTime.Sub(receivedTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}
