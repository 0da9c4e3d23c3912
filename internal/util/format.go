package util

import (
	"fmt"
	"time"
)

// FormatNumber formats an int64 with K/M suffix for readability.
// Examples: 500 -> "500", 1500 -> "1.5K", 1500000 -> "1.5M"
func FormatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// FormatPercent renders a ratio as a percentage with two decimals.
func FormatPercent(ratio float64) string {
	return fmt.Sprintf("%.2f%%", ratio*100)
}

// FormatTimestamp renders t in UTC RFC3339, the format stored in the database.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp parses a SQLite datetime or RFC3339 string to time.Time.
// Returns zero time if parsing fails.
func ParseTimestamp(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}

// FormatDateTime formats t as "2006-01-02 15:04" in UTC.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04")
}
