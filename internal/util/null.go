package util

import (
	"database/sql"
	"time"
)

// NullStringPtr converts a *string to sql.NullString.
// Nil pointers are treated as invalid (null).
func NullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// NullStringToPtr converts sql.NullString to *string.
// Invalid values are returned as nil.
func NullStringToPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

// NullTime formats a *time.Time as an RFC3339 sql.NullString.
func NullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTimestamp(*t), Valid: true}
}

// NullStringToTime parses a nullable RFC3339 column.
// Invalid or unparseable values are returned as nil.
func NullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := ParseTimestamp(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

// BoolToInt64 converts a bool to int64 (true=1, false=0).
// This is useful for SQLite which doesn't have a native boolean type.
func BoolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
