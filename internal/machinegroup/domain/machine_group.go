package domain

import "time"

// MachineGroup is a set of devices sharing one enrollment passphrase. Only the passphrase hash is stored.
type MachineGroup struct {
	ID             int64
	Name           string
	Description    string
	PassphraseHash string
	BusinessUnitID *int64
	CreatedAt      time.Time
}
