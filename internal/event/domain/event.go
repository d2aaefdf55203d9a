package domain

import (
	"encoding/json"
	"time"
)

// Event kinds with dedicated handling. Any other kind is stored in the generic event log.
const (
	KindNewClient  = "new_client"
	KindDeviceData = "device_data"
	KindCimianRun  = "cimian_run"
	KindMunkiRun   = "munki_run"
)

// RunTable names a run projection table.
type RunTable string

const (
	RunTableCimian RunTable = "cimian_runs"
	RunTableMunki  RunTable = "munki_runs"
)

// RunTableFor returns the projection table for kind, or false when kind goes to the generic log.
func RunTableFor(kind string) (RunTable, bool) {
	switch kind {
	case KindCimianRun:
		return RunTableCimian, true
	case KindMunkiRun:
		return RunTableMunki, true
	}
	return "", false
}

// Event is a row in the generic event log. Payload is stored verbatim.
type Event struct {
	ID       string
	DeviceID string
	Kind     string
	TS       time.Time
	Payload  json.RawMessage
}

// Run is a row in a run projection table.
type Run struct {
	ID       string
	DeviceID string
	TS       time.Time
	ExitCode *int64
	Duration *float64
	// Details is JSON text; nil when the payload had no details.
	Details json.RawMessage
}
