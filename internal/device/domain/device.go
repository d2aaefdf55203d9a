package domain

import "time"

// Status values for a device row. The pipeline only ever writes StatusActive.
const (
	StatusActive = "active"
)

// UnknownAttribute is stored for any attribute an event did not report.
const UnknownAttribute = "Unknown"

// Attributes are the descriptive fields extracted from an event payload.
type Attributes struct {
	Name         string
	Model        string
	OS           string
	Manufacturer string
}

// DefaultAttributes returns the attributes used when an event carries none: the device id as the
// name and Unknown for the rest.
func DefaultAttributes(deviceID string) Attributes {
	return Attributes{
		Name:         deviceID,
		Model:        UnknownAttribute,
		OS:           UnknownAttribute,
		Manufacturer: UnknownAttribute,
	}
}

// Device is a fleet endpoint identified by the caller-supplied serial.
// MachineGroupID is merge-only: an upsert without a group keeps the stored one.
type Device struct {
	ID             string
	Attributes     Attributes
	MachineGroupID *int64
	Status         string
	LastSeen       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
