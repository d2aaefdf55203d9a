// Package db opens the relational store. Postgres is the production dialect; sqlite:// DSNs open an
// embedded SQLite file for local runs and tests.
package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrEmptyDSN is returned when no DSN is configured.
var ErrEmptyDSN = errors.New("db: DATABASE_URL is not set")

// DBTX is the subset of *sql.DB and *sql.Tx used by repositories, so the same repository
// can run standalone or inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PingFunc adapts a ping function to the health checkers' Pinger interface.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Pinger returns a PingFunc for conn.
func Pinger(conn *sql.DB) PingFunc { return conn.PingContext }

// Open opens a connection for the given DSN and pings it. Caller must call Close when done.
func Open(dsn string) (*sql.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrEmptyDSN
	}
	dialect := DialectFor(dsn)
	source := dsn
	if dialect == SQLite {
		var err error
		if source, err = sqliteSource(dsn); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(dialect.DriverName(), source)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite {
		// One writer at a time; keeps transactions from tripping SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// sqliteSource turns sqlite://path[?query] into a modernc data source with the default pragmas applied.
func sqliteSource(dsn string) (string, error) {
	rest := strings.TrimPrefix(dsn, sqliteScheme)
	path, query, _ := strings.Cut(rest, "?")
	if path == "" {
		return "", errors.New("db: sqlite DSN has no path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
	}
	if query == "" {
		query = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
	}
	return path + "?" + query, nil
}
