package cli

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/emiliopalmerini/mbandit/internal/infrastructure/database"
	"github.com/emiliopalmerini/mbandit/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [version]",
	Short: "Run database migrations",
	Long: `Run database migrations.

Without arguments, runs all pending migrations (up).
With a version number, migrates to that specific version (up or down as needed).

Examples:
  mbandit migrate      # Run all pending migrations
  mbandit migrate 1    # Migrate to version 1
  mbandit migrate 0    # Rollback all migrations`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	target := -1
	if len(args) == 1 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 0 {
			return fmt.Errorf("invalid version %q", args[0])
		}
		target = v
	}

	rt, err := envFrom(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var db *sql.DB
	if testDBOverride != nil {
		db = testDBOverride
	} else {
		client, err := database.New(ctx, rt.cfg.Database.URL, rt.cfg.Database.AuthToken)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer client.Close()
		db = client.DB
	}

	return migrateDB(ctx, cmd, db, rt, target)
}

func migrateDB(ctx context.Context, cmd *cobra.Command, db *sql.DB, rt *env, target int) error {
	runner, err := migrate.NewRunner(db, rt.logger)
	if err != nil {
		return err
	}

	current, err := runner.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Current version: %d\n", current)

	if target < 0 {
		target = runner.Latest()
	}
	if target > runner.Latest() {
		return fmt.Errorf("unknown version %d, latest is %d", target, runner.Latest())
	}
	if target == current {
		fmt.Fprintln(cmd.OutOrStdout(), "No migrations to run")
		return nil
	}

	applied, err := runner.To(ctx, target)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s), now at version %d\n", applied, target)
	return nil
}
