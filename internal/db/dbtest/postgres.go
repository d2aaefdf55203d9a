//go:build integration

package dbtest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"fleet-telemetry/backend/internal/db"
	"fleet-telemetry/backend/internal/db/migrate"
)

// SkipIfNoDocker skips t when no Docker daemon answers.
func SkipIfNoDocker(t testing.TB) {
	t.Helper()

	defer func() {
		if r := recover(); r != nil {
			t.Skipf("Docker not available (panic recovered): %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
		return
	}
	defer provider.Close()

	if _, err := provider.Client().Ping(ctx); err != nil {
		t.Skipf("Docker not responding, skipping integration test: %v", err)
	}
}

// OpenPostgres starts a Postgres container, migrates it, and returns an open pool and its DSN.
// The container is terminated on cleanup.
func OpenPostgres(t testing.TB) (*sql.DB, string) {
	t.Helper()
	SkipIfNoDocker(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("fleet_test"),
		postgres.WithUsername("fleet"),
		postgres.WithPassword("fleet"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	if err := migrate.Run(dsn, "up"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, dsn
}
