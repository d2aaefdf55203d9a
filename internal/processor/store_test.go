package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fleet-telemetry/backend/internal/db"
	"fleet-telemetry/backend/internal/db/dbtest"
	devicedomain "fleet-telemetry/backend/internal/device/domain"
	devicerepo "fleet-telemetry/backend/internal/device/repository"
	eventdomain "fleet-telemetry/backend/internal/event/domain"
	eventrepo "fleet-telemetry/backend/internal/event/repository"
	mgdomain "fleet-telemetry/backend/internal/machinegroup/domain"
	mgrepo "fleet-telemetry/backend/internal/machinegroup/repository"
	"fleet-telemetry/backend/internal/security"
)

type batchRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *batchRecorder) Publish(_ context.Context, env *eventdomain.Envelope) error {
	b, err := eventdomain.EncodeBatch(env)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, string(b))
	return nil
}

func newSQLiteProcessor(t *testing.T, pub Publisher) (*Processor, *sql.DB) {
	t.Helper()
	conn := dbtest.OpenSQLite(t)
	p, err := New(NewSQLStore(conn, db.SQLite), pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, conn
}

func createGroup(t *testing.T, conn *sql.DB, name, passphrase string) int64 {
	t.Helper()
	g := &mgdomain.MachineGroup{Name: name, PassphraseHash: security.HashPassphrase(passphrase), CreatedAt: time.Now().UTC()}
	if err := mgrepo.NewSQLRepository(conn, db.SQLite).Create(context.Background(), g); err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g.ID
}

func getDevice(t *testing.T, conn *sql.DB, id string) *devicedomain.Device {
	t.Helper()
	d, err := devicerepo.NewSQLRepository(conn, db.SQLite).GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d == nil {
		t.Fatalf("device %s not found", id)
	}
	return d
}

func TestSQLStore_NewClientScenario(t *testing.T) {
	rec := &batchRecorder{}
	p, conn := newSQLiteProcessor(t, rec)
	env := &eventdomain.Envelope{
		ID:       "e1",
		Device:   "DEV1",
		Kind:     eventdomain.KindNewClient,
		TS:       time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:  json.RawMessage(`{"name":"Lab-01","model":"OptiPlex","os":"Windows 11","manufacturer":"Dell"}`),
		AuthMode: eventdomain.AuthModeNone,
	}

	if err := p.Process(context.Background(), env); err != nil {
		t.Fatalf("Process: %v", err)
	}

	d := getDevice(t, conn, "DEV1")
	want := devicedomain.Attributes{Name: "Lab-01", Model: "OptiPlex", OS: "Windows 11", Manufacturer: "Dell"}
	if d.Attributes != want || d.Status != devicedomain.StatusActive {
		t.Errorf("device = %+v", d)
	}
	if n := dbtest.CountRows(t, conn, "events", "e1"); n != 1 {
		t.Errorf("events rows = %d, want 1", n)
	}
	if len(rec.messages) != 1 || !strings.HasPrefix(rec.messages[0], `[{"id":"e1","device":"DEV1","kind":"new_client",`) {
		t.Errorf("broadcast = %v", rec.messages)
	}
}

func TestSQLStore_RedeliveryIsIdempotent(t *testing.T) {
	p, conn := newSQLiteProcessor(t, nil)
	ctx := context.Background()
	env := &eventdomain.Envelope{ID: "e1", Device: "DEV1", Kind: "custom_x", TS: time.Now().UTC(), Payload: json.RawMessage(`{"a":1}`)}
	run := &eventdomain.Envelope{ID: "r1", Device: "DEV1", Kind: eventdomain.KindCimianRun, TS: time.Now().UTC(), Payload: json.RawMessage(`{"exitCode":1}`)}

	for i := 0; i < 3; i++ {
		if err := p.Process(ctx, env); err != nil {
			t.Fatalf("Process generic #%d: %v", i, err)
		}
		if err := p.Process(ctx, run); err != nil {
			t.Fatalf("Process run #%d: %v", i, err)
		}
	}
	if n := dbtest.CountRows(t, conn, "events", "e1"); n != 1 {
		t.Errorf("events rows = %d, want 1", n)
	}
	if n := dbtest.CountRows(t, conn, "cimian_runs", "r1"); n != 1 {
		t.Errorf("cimian_runs rows = %d, want 1", n)
	}
	if n := dbtest.CountRows(t, conn, "devices", "DEV1"); n != 1 {
		t.Errorf("devices rows = %d, want 1", n)
	}
}

func TestSQLStore_MachineGroupMergeOnly(t *testing.T) {
	p, conn := newSQLiteProcessor(t, nil)
	ctx := context.Background()
	g1 := createGroup(t, conn, "G1", "alpha")
	g2 := createGroup(t, conn, "G2", "beta")

	steps := []struct {
		id   string
		hash string
		want int64
	}{
		{"e1", security.HashPassphrase("alpha"), g1},
		{"e2", "", g1},
		{"e3", security.HashPassphrase("unknown"), g1},
		{"e4", security.HashPassphrase("beta"), g2},
	}
	for _, s := range steps {
		env := &eventdomain.Envelope{ID: s.id, Device: "DEV1", Kind: "heartbeat", PassphraseHash: s.hash}
		if err := p.Process(ctx, env); err != nil {
			t.Fatalf("Process %s: %v", s.id, err)
		}
		d := getDevice(t, conn, "DEV1")
		if d.MachineGroupID == nil || *d.MachineGroupID != s.want {
			t.Errorf("after %s: MachineGroupID = %v, want %d", s.id, d.MachineGroupID, s.want)
		}
	}
}

func TestSQLStore_Routing(t *testing.T) {
	p, conn := newSQLiteProcessor(t, nil)
	ctx := context.Background()
	ts := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)

	cimian := &eventdomain.Envelope{ID: "c1", Device: "DEV1", Kind: eventdomain.KindCimianRun, TS: ts,
		Payload: json.RawMessage(`{"exitCode":0,"duration":4.5,"details":{"installed":["a"]}}`)}
	munki := &eventdomain.Envelope{ID: "m1", Device: "DEV1", Kind: eventdomain.KindMunkiRun, TS: ts, Payload: json.RawMessage(`{}`)}
	custom := &eventdomain.Envelope{ID: "x1", Device: "DEV1", Kind: "custom_x", TS: ts, Payload: json.RawMessage(`{"nested":{"k":[1,2]}}`)}
	for _, env := range []*eventdomain.Envelope{cimian, munki, custom} {
		if err := p.Process(ctx, env); err != nil {
			t.Fatalf("Process %s: %v", env.ID, err)
		}
	}

	if dbtest.CountRows(t, conn, "cimian_runs", "c1") != 1 || dbtest.CountRows(t, conn, "events", "c1") != 0 {
		t.Error("cimian_run should land in cimian_runs only")
	}
	if dbtest.CountRows(t, conn, "munki_runs", "m1") != 1 || dbtest.CountRows(t, conn, "events", "m1") != 0 {
		t.Error("munki_run should land in munki_runs only")
	}
	if dbtest.CountRows(t, conn, "events", "x1") != 1 || dbtest.CountRows(t, conn, "cimian_runs", "x1") != 0 {
		t.Error("custom_x should land in events only")
	}

	repo := eventrepo.NewSQLRepository(conn, db.SQLite)
	run, err := repo.GetRunByID(ctx, eventdomain.RunTableCimian, "c1")
	if err != nil || run == nil {
		t.Fatalf("GetRunByID: %v, %v", run, err)
	}
	if run.ExitCode == nil || *run.ExitCode != 0 || run.Duration == nil || *run.Duration != 4.5 {
		t.Errorf("run = %+v", run)
	}
	if string(run.Details) != `{"installed":["a"]}` {
		t.Errorf("details = %s", run.Details)
	}
	ev, err := repo.GetByID(ctx, "x1")
	if err != nil || ev == nil {
		t.Fatalf("GetByID: %v, %v", ev, err)
	}
	if string(ev.Payload) != `{"nested":{"k":[1,2]}}` {
		t.Errorf("payload = %s, want verbatim", ev.Payload)
	}
}

func TestSQLStore_RollbackLeavesNoDevice(t *testing.T) {
	conn := dbtest.OpenSQLite(t)
	store := NewSQLStore(conn, db.SQLite)
	boom := errors.New("boom")
	now := time.Now().UTC()

	err := store.WithinTx(context.Background(), func(tx Tx) error {
		d := &devicedomain.Device{ID: "DEV1", Attributes: devicedomain.DefaultAttributes("DEV1"), Status: devicedomain.StatusActive, LastSeen: &now, CreatedAt: now, UpdatedAt: now}
		if err := tx.UpsertDevice(context.Background(), d); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx = %v, want boom", err)
	}
	if n := dbtest.CountRows(t, conn, "devices", "DEV1"); n != 0 {
		t.Errorf("devices rows = %d, want 0 after rollback", n)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
