package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/emiliopalmerini/mbandit/migrations"
)

// ErrDirty is returned when a previous migration stopped halfway.
var ErrDirty = errors.New("database is in dirty state")

// Migration represents a single database migration with up and down SQL.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Runner applies embedded migrations to a database.
type Runner struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewRunner loads the embedded migrations. A nil logger discards output.
func NewRunner(db *sql.DB, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	all, err := LoadMigrations(migrations.FS)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	return &Runner{db: db, logger: logger, migrations: all}, nil
}

// Latest returns the highest known migration version.
func (r *Runner) Latest() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

// Version ensures the bookkeeping table exists and returns the current
// version, failing with ErrDirty when a migration was interrupted.
func (r *Runner) Version(ctx context.Context) (int, error) {
	if err := ensureMigrationsTable(ctx, r.db); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	version, dirty, err := currentVersion(ctx, r.db)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("%w at version %d", ErrDirty, version)
	}
	return version, nil
}

// Up runs all pending up migrations and returns how many were applied.
func (r *Runner) Up(ctx context.Context) (int, error) {
	return r.To(ctx, r.Latest())
}

// To migrates up or down until the database is at target.
func (r *Runner) To(ctx context.Context, target int) (int, error) {
	current, err := r.Version(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	switch {
	case target > current:
		for _, m := range r.migrations {
			if m.Version <= current || m.Version > target {
				continue
			}
			if err := r.run(ctx, m, true); err != nil {
				return applied, err
			}
			applied++
		}
	case target < current:
		for i := len(r.migrations) - 1; i >= 0; i-- {
			m := r.migrations[i]
			if m.Version > current || m.Version <= target {
				continue
			}
			if m.DownSQL == "" {
				return applied, fmt.Errorf("no down migration for version %d", m.Version)
			}
			if err := r.run(ctx, m, false); err != nil {
				return applied, err
			}
			applied++
		}
	}

	if applied == 0 {
		r.logger.Debug("no migrations to run", "version", current)
	} else {
		r.logger.Info("migrated", "from", current, "to", target, "applied", applied)
	}
	return applied, nil
}

func (r *Runner) run(ctx context.Context, m Migration, up bool) error {
	direction := "up"
	sqlContent := m.UpSQL
	targetVersion := m.Version
	if !up {
		direction = "down"
		sqlContent = m.DownSQL
		targetVersion = m.Version - 1
	}

	r.logger.Info("applying migration", "direction", direction, "version", m.Version, "name", m.Name)

	if err := setVersion(ctx, r.db, m.Version, true); err != nil {
		return fmt.Errorf("failed to set dirty flag: %w", err)
	}

	for _, stmt := range SplitSQL(sqlContent) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration %d %s: %w\nSQL: %s", m.Version, direction, err, stmt)
		}
	}

	if err := setVersion(ctx, r.db, targetVersion, false); err != nil {
		return fmt.Errorf("failed to clear dirty flag: %w", err)
	}
	return nil
}

// RunAll runs all pending migrations on the provided database.
func RunAll(ctx context.Context, db *sql.DB) error {
	r, err := NewRunner(db, nil)
	if err != nil {
		return err
	}
	_, err = r.Up(ctx)
	return err
}

// LoadMigrations reads all migration files in fsys and returns them sorted by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	var result []Migration

	upPattern := regexp.MustCompile(`^(\d+)_(.+)\.up\.sql$`)

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		matches := upPattern.FindStringSubmatch(filepath.Base(path))
		if matches == nil {
			return nil
		}

		version, _ := strconv.Atoi(matches[1])
		name := matches[2]

		upSQL, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		downPath := fmt.Sprintf("%03d_%s.down.sql", version, name)
		downSQL, err := fs.ReadFile(fsys, downPath)
		if err != nil {
			downSQL = nil
		}

		result = append(result, Migration{
			Version: version,
			Name:    name,
			UpSQL:   string(upSQL),
			DownSQL: string(downSQL),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result, nil
}

// SplitSQL splits a SQL string by semicolons.
func SplitSQL(sql string) []string {
	return strings.Split(sql, ";")
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			dirty INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

func currentVersion(ctx context.Context, db *sql.DB) (int, bool, error) {
	var version int
	var dirty int

	err := db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	return version, dirty == 1, nil
}

func setVersion(ctx context.Context, db *sql.DB, version int, dirty bool) error {
	dirtyInt := 0
	if dirty {
		dirtyInt = 1
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		return err
	}
	if version > 0 {
		_, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirtyInt)
		return err
	}
	return nil
}
