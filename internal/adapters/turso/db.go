package turso

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiliopalmerini/mbandit/internal/infrastructure/config"
	"github.com/emiliopalmerini/mbandit/internal/infrastructure/database"
	"github.com/emiliopalmerini/mbandit/internal/migrate"
)

// DB is an open libsql database with the schema migrated.
type DB struct {
	*database.Client
}

// NewDB connects using cfg and applies any pending migrations.
func NewDB(ctx context.Context, cfg config.Database, logger *slog.Logger) (*DB, error) {
	client, err := database.New(ctx, cfg.URL, cfg.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	runner, err := migrate.NewRunner(client.DB, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if _, err := runner.Up(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DB{Client: client}, nil
}

// Repositories builds the repositories backed by this database.
func (d *DB) Repositories() *Repositories {
	return NewRepositories(d.DB)
}
