package turso_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/migrate"
)

// testDB opens a file-backed database under t.TempDir with all migrations applied.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mbandit.db")
	db, err := sql.Open("libsql", "file:"+path)
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

// testTursoDB starts a libsql-server container. It only runs when
// MBANDIT_TEST_TURSO=1 because it needs a container runtime.
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

var testTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newExperiment(id, flag, name string) *domain.Experiment {
	return &domain.Experiment{
		ID:                id,
		Flag:              flag,
		Name:              name,
		Strategy:          domain.StrategyEpsilonGreedy,
		Epsilon:           domain.DefaultEpsilon,
		ExplorationC:      domain.DefaultExplorationC,
		SignificanceLevel: domain.DefaultSignificanceLevel,
		MinViews:          domain.DefaultMinViews,
		Gate:              domain.GatePerArm,
		CreatedAt:         testTime,
	}
}
