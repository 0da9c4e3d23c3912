package cli

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/emiliopalmerini/mbandit/internal/migrate"
)

// testDB creates a file-backed database under t.TempDir with all migrations
// applied. This is fast and suitable for most unit/integration tests.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", "file:"+filepath.Join(t.TempDir(), "mbandit.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}
	if err := migrate.RunAll(context.Background(), db); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })
	return db
}

// testTursoDB creates a Turso (libsql-server) container for full integration
// testing. It only runs when MBANDIT_TEST_TURSO=1.
func testTursoDB(t *testing.T) *sql.DB {
	t.Helper()

	if os.Getenv("MBANDIT_TEST_TURSO") != "1" {
		t.Skip("set MBANDIT_TEST_TURSO=1 to run against libsql-server")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "ghcr.io/tursodatabase/libsql-server:latest",
		ExposedPorts: []string{"8080/tcp"},
		WaitingFor:   wait.ForHTTP("/health").WithPort("8080/tcp").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Turso container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	mappedPort, err := container.MappedPort(ctx, "8080")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	db, err := sql.Open("libsql", fmt.Sprintf("http://%s:%s", host, mappedPort.Port()))
	if err != nil {
		t.Fatalf("Failed to connect to Turso: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Failed to ping Turso: %v", err)
	}
	if err := migrate.RunAll(ctx, db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

// useDB points every command at db for the duration of the test.
func useDB(t *testing.T, db *sql.DB) {
	t.Helper()

	testDBOverride = db
	t.Cleanup(func() { testDBOverride = nil })
}

// run executes the command tree with args and returns what it printed.
// Commands are reset first because cobra keeps flag values and contexts
// between runs.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("MBANDIT_LOG_LEVEL", "error")
	resetCommands(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// mustRun is run that fails the test on error.
func mustRun(t *testing.T, args ...string) string {
	t.Helper()

	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("mbandit %v: %v\n%s", args, err, out)
	}
	return out
}

func resetCommands(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	// A nil context makes the command inherit the one passed to ExecuteContext.
	cmd.SetContext(nil) //nolint:staticcheck
	for _, c := range cmd.Commands() {
		resetCommands(c)
	}
}
