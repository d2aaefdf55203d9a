package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEncodeBatch_OmitsPassphraseHash(t *testing.T) {
	env := &Envelope{
		ID:             "e1",
		Device:         "DEV1",
		Kind:           KindNewClient,
		TS:             time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:        json.RawMessage(`{"name":"Lab-01"}`),
		PassphraseHash: "abc123",
		AuthMode:       AuthModeMachineGroup,
	}
	b, err := EncodeBatch(env)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	got := string(b)
	if !strings.HasPrefix(got, `[{"id":"e1","device":"DEV1","kind":"new_client",`) {
		t.Errorf("EncodeBatch = %s", got)
	}
	if strings.Contains(got, "abc123") || strings.Contains(got, "passphrase_hash") {
		t.Errorf("passphrase hash leaked: %s", got)
	}
	if !strings.Contains(got, `"payload":{"name":"Lab-01"}`) {
		t.Errorf("payload not verbatim: %s", got)
	}
}

func TestEncodeBatch_EmptyPayload(t *testing.T) {
	b, err := EncodeBatch(&Envelope{ID: "e2", Device: "D", Kind: "k"})
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	if !strings.Contains(string(b), `"payload":{}`) {
		t.Errorf("empty payload should encode as {}: %s", b)
	}
}

func TestRunTableFor(t *testing.T) {
	tests := []struct {
		kind   string
		want   RunTable
		wantOK bool
	}{
		{KindCimianRun, RunTableCimian, true},
		{KindMunkiRun, RunTableMunki, true},
		{KindNewClient, "", false},
		{"custom_x", "", false},
	}
	for _, tt := range tests {
		got, ok := RunTableFor(tt.kind)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("RunTableFor(%q) = %q, %v; want %q, %v", tt.kind, got, ok, tt.want, tt.wantOK)
		}
	}
}
