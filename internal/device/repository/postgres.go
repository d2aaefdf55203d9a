package repository

import (
	"context"
	"database/sql"
	"errors"

	"fleet-telemetry/backend/internal/db"
	"fleet-telemetry/backend/internal/device/domain"
)

const upsertDevice = `INSERT INTO devices (id, name, model, os, manufacturer, machine_group_id, status, last_seen, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    model = excluded.model,
    os = excluded.os,
    manufacturer = excluded.manufacturer,
    machine_group_id = COALESCE(excluded.machine_group_id, devices.machine_group_id),
    status = excluded.status,
    last_seen = excluded.last_seen,
    updated_at = excluded.updated_at`

const getDevice = `SELECT id, name, model, os, manufacturer, machine_group_id, status, last_seen, created_at, updated_at
FROM devices WHERE id = ?`

// SQLRepository is the device repository over database/sql. It runs against Postgres or SQLite
// depending on dialect.
type SQLRepository struct {
	db      db.DBTX
	dialect db.Dialect
}

// NewSQLRepository returns a device repository that uses conn (a *sql.DB or *sql.Tx) for persistence.
func NewSQLRepository(conn db.DBTX, dialect db.Dialect) *SQLRepository {
	return &SQLRepository{db: conn, dialect: dialect}
}

// GetByID returns the device for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*domain.Device, error) {
	var (
		d        domain.Device
		groupID  sql.NullInt64
		lastSeen sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(getDevice), id).Scan(
		&d.ID, &d.Attributes.Name, &d.Attributes.Model, &d.Attributes.OS, &d.Attributes.Manufacturer,
		&groupID, &d.Status, &lastSeen, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if groupID.Valid {
		d.MachineGroupID = &groupID.Int64
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeen = &t
	}
	return &d, nil
}

// Upsert inserts or updates the device in a single conflict-resolving statement. CreatedAt is
// only used on insert.
func (r *SQLRepository) Upsert(ctx context.Context, d *domain.Device) error {
	groupID := sql.NullInt64{}
	if d.MachineGroupID != nil {
		groupID = sql.NullInt64{Int64: *d.MachineGroupID, Valid: true}
	}
	lastSeen := sql.NullTime{}
	if d.LastSeen != nil {
		lastSeen = sql.NullTime{Time: *d.LastSeen, Valid: true}
	}
	status := d.Status
	if status == "" {
		status = domain.StatusActive
	}
	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(upsertDevice),
		d.ID, d.Attributes.Name, d.Attributes.Model, d.Attributes.OS, d.Attributes.Manufacturer,
		groupID, status, lastSeen, d.CreatedAt, d.UpdatedAt,
	)
	return err
}
