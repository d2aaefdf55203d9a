package repository

import (
	"context"

	"fleet-telemetry/backend/internal/machinegroup/domain"
)

// Repository defines persistence for machine groups. The ingestion pipeline only reads.
type Repository interface {
	// IDByPassphraseHash returns the group id whose stored hash equals hash exactly, or nil if none.
	IDByPassphraseHash(ctx context.Context, hash string) (*int64, error)
	GetByID(ctx context.Context, id int64) (*domain.MachineGroup, error)
	// Create persists g and sets g.ID.
	Create(ctx context.Context, g *domain.MachineGroup) error
}
