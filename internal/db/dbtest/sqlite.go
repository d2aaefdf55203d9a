// Package dbtest opens migrated throwaway databases for package tests.
package dbtest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"fleet-telemetry/backend/internal/db"
	"fleet-telemetry/backend/internal/db/migrate"
)

// OpenSQLite returns a migrated SQLite database in t's temp dir, closed on cleanup.
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "fleet.db")
	if err := migrate.Run(dsn, "up"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// CountRows returns the number of rows in table matching id.
func CountRows(t testing.TB, conn *sql.DB, table, id string) int {
	t.Helper()
	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
