package repository

import (
	"context"
	"testing"
	"time"

	"fleet-telemetry/backend/internal/db"
	"fleet-telemetry/backend/internal/db/dbtest"
	"fleet-telemetry/backend/internal/device/domain"
	mgdomain "fleet-telemetry/backend/internal/machinegroup/domain"
	mgrepo "fleet-telemetry/backend/internal/machinegroup/repository"
	"fleet-telemetry/backend/internal/security"
)

func createGroup(t *testing.T, repo *mgrepo.SQLRepository, passphrase string) int64 {
	t.Helper()
	g := &mgdomain.MachineGroup{Name: passphrase, PassphraseHash: security.HashPassphrase(passphrase), CreatedAt: time.Now().UTC()}
	if err := repo.Create(context.Background(), g); err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g.ID
}

func device(id string, attrs domain.Attributes, group *int64, at time.Time) *domain.Device {
	return &domain.Device{
		ID:             id,
		Attributes:     attrs,
		MachineGroupID: group,
		Status:         domain.StatusActive,
		LastSeen:       &at,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func TestSQLRepository_UpsertInsertsThenUpdates(t *testing.T) {
	conn := dbtest.OpenSQLite(t)
	repo := NewSQLRepository(conn, db.SQLite)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first := domain.Attributes{Name: "Lab-01", Model: "OptiPlex", OS: "Windows 11", Manufacturer: "Dell"}
	if err := repo.Upsert(ctx, device("SER1", first, nil, t0)); err != nil {
		t.Fatalf("Upsert insert: %v", err)
	}
	got, err := repo.GetByID(ctx, "SER1")
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v, %v", got, err)
	}
	if got.Attributes != first || got.Status != domain.StatusActive || got.MachineGroupID != nil {
		t.Errorf("after insert: %+v", got)
	}

	t1 := t0.Add(time.Hour)
	second := domain.DefaultAttributes("SER1")
	if err := repo.Upsert(ctx, device("SER1", second, nil, t1)); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	got, err = repo.GetByID(ctx, "SER1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Attributes != second {
		t.Errorf("attributes = %+v, want %+v", got.Attributes, second)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(t1) {
		t.Errorf("last_seen = %v, want %v", got.LastSeen, t1)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("created_at = %v, want %v (insert time kept)", got.CreatedAt, t0)
	}
	if !got.UpdatedAt.Equal(t1) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, t1)
	}
}

func TestSQLRepository_UpsertGroupIsMergeOnly(t *testing.T) {
	conn := dbtest.OpenSQLite(t)
	repo := NewSQLRepository(conn, db.SQLite)
	groups := mgrepo.NewSQLRepository(conn, db.SQLite)
	ctx := context.Background()
	now := time.Now().UTC()
	g1 := createGroup(t, groups, "P1")
	g2 := createGroup(t, groups, "P2")
	attrs := domain.DefaultAttributes("SER1")

	steps := []struct {
		name  string
		group *int64
		want  int64
	}{
		{"assign G1", &g1, g1},
		{"no group keeps G1", nil, g1},
		{"G2 replaces", &g2, g2},
		{"no group keeps G2", nil, g2},
	}
	for _, s := range steps {
		if err := repo.Upsert(ctx, device("SER1", attrs, s.group, now)); err != nil {
			t.Fatalf("%s: Upsert: %v", s.name, err)
		}
		got, err := repo.GetByID(ctx, "SER1")
		if err != nil {
			t.Fatalf("%s: GetByID: %v", s.name, err)
		}
		if got.MachineGroupID == nil || *got.MachineGroupID != s.want {
			t.Errorf("%s: machine_group_id = %v, want %d", s.name, got.MachineGroupID, s.want)
		}
	}
}

func TestSQLRepository_GetByIDMissing(t *testing.T) {
	conn := dbtest.OpenSQLite(t)
	repo := NewSQLRepository(conn, db.SQLite)
	got, err := repo.GetByID(context.Background(), "nope")
	if err != nil || got != nil {
		t.Errorf("GetByID missing = %v, %v; want nil, nil", got, err)
	}
}
