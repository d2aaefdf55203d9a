// Package domain holds the event envelope carried through the queue and the rows it becomes.
package domain

import (
	"encoding/json"
	"time"
)

// AuthMode records how the gateway authorized an envelope.
type AuthMode string

const (
	AuthModeNone         AuthMode = "none"
	AuthModeLegacy       AuthMode = "legacy"
	AuthModeMachineGroup AuthMode = "machine_group"
)

// Envelope is one accepted telemetry event as it travels from the gateway to the processor.
// ID is assigned by the gateway and is the idempotency key for everything downstream.
type Envelope struct {
	ID             string          `json:"id"`
	Device         string          `json:"device"`
	Kind           string          `json:"kind"`
	TS             time.Time       `json:"ts"`
	Payload        json.RawMessage `json:"payload"`
	PassphraseHash string          `json:"passphrase_hash,omitempty"`
	AuthMode       AuthMode        `json:"auth_mode,omitempty"`
}

// Notification is the subscriber-facing view of an envelope. The passphrase hash never leaves the pipeline.
type Notification struct {
	ID       string          `json:"id"`
	Device   string          `json:"device"`
	Kind     string          `json:"kind"`
	TS       time.Time       `json:"ts"`
	Payload  json.RawMessage `json:"payload"`
	AuthMode AuthMode        `json:"auth_mode,omitempty"`
}

// Notification returns the subscriber-facing view of e.
func (e *Envelope) Notification() Notification {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return Notification{
		ID:       e.ID,
		Device:   e.Device,
		Kind:     e.Kind,
		TS:       e.TS,
		Payload:  payload,
		AuthMode: e.AuthMode,
	}
}

// EncodeBatch renders envelopes as the JSON array subscribers receive.
func EncodeBatch(envs ...*Envelope) ([]byte, error) {
	out := make([]Notification, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Notification())
	}
	return json.Marshal(out)
}
