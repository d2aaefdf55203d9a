package repository

import (
	"context"
	"database/sql"
	"errors"

	"fleet-telemetry/backend/internal/db"
	"fleet-telemetry/backend/internal/machinegroup/domain"
)

// SQLRepository is the machine group repository over database/sql (Postgres or SQLite).
type SQLRepository struct {
	db      db.DBTX
	dialect db.Dialect
}

// NewSQLRepository returns a machine group repository that uses conn (a *sql.DB or *sql.Tx).
func NewSQLRepository(conn db.DBTX, dialect db.Dialect) *SQLRepository {
	return &SQLRepository{db: conn, dialect: dialect}
}

// IDByPassphraseHash returns the id of the group with the given passphrase hash, or nil if not found.
func (r *SQLRepository) IDByPassphraseHash(ctx context.Context, hash string) (*int64, error) {
	if hash == "" {
		return nil, nil
	}
	var id int64
	err := r.db.QueryRowContext(ctx,
		r.dialect.Rebind(`SELECT id FROM machine_groups WHERE passphrase_hash = ? LIMIT 1`), hash,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &id, nil
}

// GetByID returns the group for id, or nil if not found.
func (r *SQLRepository) GetByID(ctx context.Context, id int64) (*domain.MachineGroup, error) {
	var (
		g    domain.MachineGroup
		desc sql.NullString
		bu   sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx,
		r.dialect.Rebind(`SELECT id, name, description, passphrase_hash, business_unit_id, created_at FROM machine_groups WHERE id = ?`), id,
	).Scan(&g.ID, &g.Name, &desc, &g.PassphraseHash, &bu, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	g.Description = desc.String
	if bu.Valid {
		g.BusinessUnitID = &bu.Int64
	}
	return &g, nil
}

// Create inserts the group and sets g.ID from the generated key.
func (r *SQLRepository) Create(ctx context.Context, g *domain.MachineGroup) error {
	if g.PassphraseHash == "" {
		return errors.New("machine group: passphrase hash required")
	}
	desc := sql.NullString{String: g.Description, Valid: g.Description != ""}
	bu := sql.NullInt64{}
	if g.BusinessUnitID != nil {
		bu = sql.NullInt64{Int64: *g.BusinessUnitID, Valid: true}
	}
	return r.db.QueryRowContext(ctx,
		r.dialect.Rebind(`INSERT INTO machine_groups (name, description, passphrase_hash, business_unit_id, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`),
		g.Name, desc, g.PassphraseHash, bu, g.CreatedAt,
	).Scan(&g.ID)
}
