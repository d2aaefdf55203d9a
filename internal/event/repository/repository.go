package repository

import (
	"context"

	"fleet-telemetry/backend/internal/event/domain"
)

// Repository defines append-only persistence for events and run projections.
// Inserts ignore an existing id and report whether a row was written.
type Repository interface {
	Insert(ctx context.Context, e *domain.Event) (inserted bool, err error)
	InsertRun(ctx context.Context, table domain.RunTable, r *domain.Run) (inserted bool, err error)
	GetByID(ctx context.Context, id string) (*domain.Event, error)
	GetRunByID(ctx context.Context, table domain.RunTable, id string) (*domain.Run, error)
}
