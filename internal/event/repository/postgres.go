package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"fleet-telemetry/backend/internal/db"
	"fleet-telemetry/backend/internal/event/domain"
)

// SQLRepository is the event repository over database/sql (Postgres or SQLite).
type SQLRepository struct {
	db      db.DBTX
	dialect db.Dialect
}

// NewSQLRepository returns an event repository that uses conn (a *sql.DB or *sql.Tx).
func NewSQLRepository(conn db.DBTX, dialect db.Dialect) *SQLRepository {
	return &SQLRepository{db: conn, dialect: dialect}
}

// Insert writes e to the generic event log. An existing id is left untouched.
func (r *SQLRepository) Insert(ctx context.Context, e *domain.Event) (bool, error) {
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := r.db.ExecContext(ctx,
		r.dialect.Rebind(`INSERT INTO events (id, device_id, kind, ts, payload) VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		e.ID, e.DeviceID, e.Kind, e.TS, payload,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// InsertRun writes run to the given projection table. An existing id is left untouched.
func (r *SQLRepository) InsertRun(ctx context.Context, table domain.RunTable, run *domain.Run) (bool, error) {
	if err := checkTable(table); err != nil {
		return false, err
	}
	exitCode := sql.NullInt64{}
	if run.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: *run.ExitCode, Valid: true}
	}
	duration := sql.NullFloat64{}
	if run.Duration != nil {
		duration = sql.NullFloat64{Float64: *run.Duration, Valid: true}
	}
	details := sql.NullString{}
	if len(run.Details) > 0 {
		details = sql.NullString{String: string(run.Details), Valid: true}
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, device_id, ts, exit_code, duration, details) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`, table)
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(query),
		run.ID, run.DeviceID, run.TS, exitCode, duration, details,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// GetByID returns the generic event for id, or nil if not found.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	var (
		e       domain.Event
		payload string
	)
	err := r.db.QueryRowContext(ctx,
		r.dialect.Rebind(`SELECT id, device_id, kind, ts, payload FROM events WHERE id = ?`), id,
	).Scan(&e.ID, &e.DeviceID, &e.Kind, &e.TS, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// GetRunByID returns the projection row for id from table, or nil if not found.
func (r *SQLRepository) GetRunByID(ctx context.Context, table domain.RunTable, id string) (*domain.Run, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	var (
		run      domain.Run
		exitCode sql.NullInt64
		duration sql.NullFloat64
		details  sql.NullString
	)
	query := fmt.Sprintf(`SELECT id, device_id, ts, exit_code, duration, details FROM %s WHERE id = ?`, table)
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(query), id).Scan(
		&run.ID, &run.DeviceID, &run.TS, &exitCode, &duration, &details,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if exitCode.Valid {
		run.ExitCode = &exitCode.Int64
	}
	if duration.Valid {
		run.Duration = &duration.Float64
	}
	if details.Valid {
		run.Details = json.RawMessage(details.String)
	}
	return &run, nil
}

func checkTable(table domain.RunTable) error {
	switch table {
	case domain.RunTableCimian, domain.RunTableMunki:
		return nil
	}
	return fmt.Errorf("event: unknown run table %q", table)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
