package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/emiliopalmerini/mbandit/internal/adapters/otel"
	"github.com/emiliopalmerini/mbandit/internal/adapters/turso"
	"github.com/emiliopalmerini/mbandit/internal/engine"
	"github.com/emiliopalmerini/mbandit/internal/infrastructure/config"
	"github.com/emiliopalmerini/mbandit/internal/ports"
)

// testDBOverride allows tests to inject a migrated database connection.
// When set, NewAppContext and the migrate command use it instead of
// connecting to the configured URL.
var testDBOverride *sql.DB

// AppContext holds all shared dependencies for CLI commands.
type AppContext struct {
	DB          *turso.DB
	Experiments ports.ExperimentRepository
	Counters    ports.CounterRepository
	Metrics     ports.MetricsExporter
	Engine      *engine.Service
	Logger      *slog.Logger
}

// NewAppContext connects to the database, applies pending migrations and
// builds the engine. Telemetry failures are logged and replaced by a no-op
// exporter so a missing collector never blocks flag decisions.
func NewAppContext(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*AppContext, error) {
	defaults, err := engineDefaults(cfg.Defaults)
	if err != nil {
		return nil, err
	}

	app := &AppContext{Logger: logger}

	var repos *turso.Repositories
	if testDBOverride != nil {
		repos = turso.NewRepositories(testDBOverride)
	} else {
		db, err := turso.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		app.DB = db
		repos = db.Repositories()
	}
	app.Experiments = repos.Experiments
	app.Counters = repos.Counters

	metrics, err := otel.NewFromConfig(ctx, otel.ConfigFrom(cfg.Telemetry))
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
	}
	app.Metrics = metrics

	app.Engine = engine.NewService(app.Experiments, app.Counters, app.Metrics, nil, logger,
		engine.WithDefaults(defaults))
	return app, nil
}

func engineDefaults(d config.Defaults) (engine.Defaults, error) {
	gate, err := d.GateMode()
	if err != nil {
		return engine.Defaults{}, err
	}
	return engine.Defaults{
		Epsilon:           d.Epsilon,
		ExplorationC:      d.ExplorationC,
		SignificanceLevel: d.SignificanceLevel,
		MinViews:          d.MinViews,
		Gate:              gate,
	}, nil
}

// Close flushes metrics and releases the database connection.
func (a *AppContext) Close(ctx context.Context) error {
	var errs []error
	if a.Metrics != nil {
		if err := a.Metrics.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush metrics: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// withApp builds the AppContext for cmd, runs fn and closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *AppContext) error) error {
	rt, err := envFrom(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	app, err := NewAppContext(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		if err := app.Close(context.WithoutCancel(ctx)); err != nil {
			rt.logger.Warn("failed to close", "error", err)
		}
	}()

	return fn(ctx, app)
}
