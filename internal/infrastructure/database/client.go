package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/emiliopalmerini/mbandit/internal/util"
)

// DefaultRetries is the retry budget used for reads against a remote server.
const DefaultRetries = 2

// Client wraps a SQL database connection with Turso-specific retry logic.
type Client struct {
	*sql.DB
	Remote bool
}

// Options configures the database client behavior.
type Options struct {
	Ping bool
}

// New creates a new database client with default options (ping enabled).
func New(ctx context.Context, databaseURL, authToken string) (*Client, error) {
	return NewWithOptions(ctx, databaseURL, authToken, Options{Ping: true})
}

// NewWithOptions creates a database client with custom options.
func NewWithOptions(ctx context.Context, databaseURL, authToken string, opts Options) (*Client, error) {
	remote := !strings.HasPrefix(databaseURL, "file:")

	connStr := databaseURL
	if remote && authToken != "" {
		sep := "?"
		if strings.Contains(connStr, "?") {
			sep = "&"
		}
		connStr += sep + "authToken=" + url.QueryEscape(authToken)
	}
	if !remote {
		path := strings.TrimPrefix(databaseURL, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if path != "" && path != ":memory:" {
			if err := util.EnsureParentDir(path); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("libsql", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if remote {
		// Turso closes idle Hrana streams aggressively; stale pooled
		// connections surface as "stream not found".
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(0)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(0)
	} else {
		// Local SQLite files serialize writers anyway.
		db.SetMaxOpenConns(1)
	}

	if opts.Ping {
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	}

	if !remote {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	return &Client{DB: db, Remote: remote}, nil
}

// IsStreamError checks if an error is a Turso "stream not found" error.
func IsStreamError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "stream not found")
}

// IsUniqueViolation checks if an error comes from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// WithRetry executes a function with retry logic for Turso stream errors.
// It retries up to maxRetries times when encountering "stream not found" errors.
func WithRetry[T any](ctx context.Context, maxRetries int, fn func() (T, error)) (T, error) {
	var result T
	var err error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}

		if !IsStreamError(err) || attempt == maxRetries {
			return result, err
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	return result, err
}
