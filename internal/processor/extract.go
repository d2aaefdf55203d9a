package processor

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	devicedomain "fleet-telemetry/backend/internal/device/domain"
	eventdomain "fleet-telemetry/backend/internal/event/domain"
)

// attributeExtractor derives device attributes from a payload object.
type attributeExtractor func(deviceID string, payload map[string]json.RawMessage) devicedomain.Attributes

// attributeKeys lists, per attribute, the payload keys to try in order.
type attributeKeys struct {
	name, model, os, manufacturer []string
}

var (
	topLevelKeys = attributeKeys{
		name:         []string{"name"},
		model:        []string{"model"},
		os:           []string{"os"},
		manufacturer: []string{"manufacturer"},
	}
	// Inventory agents report capitalized keys; lowercase aliases are accepted as a fallback.
	inventoryKeys = attributeKeys{
		name:         []string{"ComputerName", "name"},
		model:        []string{"Model", "model"},
		os:           []string{"OperatingSystem", "os"},
		manufacturer: []string{"Manufacturer", "manufacturer"},
	}
)

// extractors maps a kind to its attribute strategy. Kinds not listed get default attributes.
var extractors = map[string]attributeExtractor{
	eventdomain.KindNewClient: func(deviceID string, payload map[string]json.RawMessage) devicedomain.Attributes {
		return attributesFrom(deviceID, payload, topLevelKeys)
	},
	eventdomain.KindDeviceData: func(deviceID string, payload map[string]json.RawMessage) devicedomain.Attributes {
		return attributesFrom(deviceID, object(payload["device"]), inventoryKeys)
	},
}

// ExtractAttributes returns the device attributes carried by an event of the given kind.
func ExtractAttributes(kind, deviceID string, payload json.RawMessage) devicedomain.Attributes {
	extract, ok := extractors[kind]
	if !ok {
		return devicedomain.DefaultAttributes(deviceID)
	}
	return extract(deviceID, object(payload))
}

func attributesFrom(deviceID string, obj map[string]json.RawMessage, keys attributeKeys) devicedomain.Attributes {
	attrs := devicedomain.DefaultAttributes(deviceID)
	if obj == nil {
		return attrs
	}
	if v, ok := firstString(obj, keys.name); ok {
		attrs.Name = v
	}
	if v, ok := firstString(obj, keys.model); ok {
		attrs.Model = v
	}
	if v, ok := firstString(obj, keys.os); ok {
		attrs.OS = v
	}
	if v, ok := firstString(obj, keys.manufacturer); ok {
		attrs.Manufacturer = v
	}
	return attrs
}

// firstString returns the first key holding a non-blank string. Other JSON types count as absent.
func firstString(obj map[string]json.RawMessage, keys []string) (string, bool) {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s, true
		}
	}
	return "", false
}

// object decodes raw as a JSON object, or returns nil when it is anything else.
func object(raw json.RawMessage) map[string]json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// ExtractRun builds the projection row for a run event. exitCode must be an integral number that
// fits the 32-bit exit_code column and duration any number; details is kept as JSON text. Missing or mistyped fields are left nil.
func ExtractRun(env *eventdomain.Envelope) *eventdomain.Run {
	run := &eventdomain.Run{ID: env.ID, DeviceID: env.Device, TS: env.TS}
	payload := object(env.Payload)
	if payload == nil {
		return run
	}
	if n, ok := number(payload["exitCode"]); ok && n == math.Trunc(n) && n >= math.MinInt32 && n <= math.MaxInt32 {
		code := int64(n)
		run.ExitCode = &code
	}
	if n, ok := number(payload["duration"]); ok {
		run.Duration = &n
	}
	if raw := bytes.TrimSpace(payload["details"]); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		run.Details = json.RawMessage(raw)
	}
	return run
}

func number(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !(raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9')) {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}
