package repository

import (
	"context"

	"fleet-telemetry/backend/internal/device/domain"
)

// Repository defines persistence for devices.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Device, error)
	// Upsert inserts the device or overwrites its attributes, status and last-seen time.
	// A nil MachineGroupID keeps the stored group.
	Upsert(ctx context.Context, d *domain.Device) error
}
