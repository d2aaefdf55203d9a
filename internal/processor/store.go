package processor

import (
	"context"
	"database/sql"
	"fmt"

	"fleet-telemetry/backend/internal/db"
	devicedomain "fleet-telemetry/backend/internal/device/domain"
	devicerepo "fleet-telemetry/backend/internal/device/repository"
	eventdomain "fleet-telemetry/backend/internal/event/domain"
	eventrepo "fleet-telemetry/backend/internal/event/repository"
	mgrepo "fleet-telemetry/backend/internal/machinegroup/repository"
)

// SQLStore implements Store over a database/sql pool using the per-entity repositories.
type SQLStore struct {
	conn    *sql.DB
	dialect db.Dialect
}

// NewSQLStore returns a store over conn.
func NewSQLStore(conn *sql.DB, dialect db.Dialect) *SQLStore {
	return &SQLStore{conn: conn, dialect: dialect}
}

// WithinTx implements Store.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqlTx{
		groups:  mgrepo.NewSQLRepository(tx, s.dialect),
		devices: devicerepo.NewSQLRepository(tx, s.dialect),
		events:  eventrepo.NewSQLRepository(tx, s.dialect),
	}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

type sqlTx struct {
	groups  mgrepo.Repository
	devices devicerepo.Repository
	events  eventrepo.Repository
}

func (t *sqlTx) MachineGroupIDByHash(ctx context.Context, hash string) (*int64, error) {
	return t.groups.IDByPassphraseHash(ctx, hash)
}

func (t *sqlTx) UpsertDevice(ctx context.Context, d *devicedomain.Device) error {
	return t.devices.Upsert(ctx, d)
}

func (t *sqlTx) InsertEvent(ctx context.Context, e *eventdomain.Event) (bool, error) {
	return t.events.Insert(ctx, e)
}

func (t *sqlTx) InsertRun(ctx context.Context, table eventdomain.RunTable, r *eventdomain.Run) (bool, error) {
	return t.events.InsertRun(ctx, table, r)
}
