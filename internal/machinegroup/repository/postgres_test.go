package repository

import (
	"context"
	"testing"
	"time"

	"fleet-telemetry/backend/internal/db"
	"fleet-telemetry/backend/internal/db/dbtest"
	"fleet-telemetry/backend/internal/machinegroup/domain"
	"fleet-telemetry/backend/internal/security"
)

func TestSQLRepository_CreateAndLookup(t *testing.T) {
	conn := dbtest.OpenSQLite(t)
	repo := NewSQLRepository(conn, db.SQLite)
	ctx := context.Background()

	g := &domain.MachineGroup{
		Name:           "Lab",
		Description:    "teaching lab",
		PassphraseHash: security.HashPassphrase("P1"),
		CreatedAt:      time.Now().UTC(),
	}
	if err := repo.Create(ctx, g); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if g.ID == 0 {
		t.Fatal("Create should set ID")
	}

	id, err := repo.IDByPassphraseHash(ctx, security.HashPassphrase("P1"))
	if err != nil {
		t.Fatalf("IDByPassphraseHash: %v", err)
	}
	if id == nil || *id != g.ID {
		t.Errorf("IDByPassphraseHash = %v, want %d", id, g.ID)
	}

	got, err := repo.GetByID(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.Name != "Lab" || got.Description != "teaching lab" || got.BusinessUnitID != nil {
		t.Errorf("GetByID = %+v", got)
	}
}

func TestSQLRepository_LookupMiss(t *testing.T) {
	conn := dbtest.OpenSQLite(t)
	repo := NewSQLRepository(conn, db.SQLite)
	ctx := context.Background()

	for _, hash := range []string{"", security.HashPassphrase("unknown")} {
		id, err := repo.IDByPassphraseHash(ctx, hash)
		if err != nil {
			t.Fatalf("IDByPassphraseHash(%q): %v", hash, err)
		}
		if id != nil {
			t.Errorf("IDByPassphraseHash(%q) = %d, want nil", hash, *id)
		}
	}
	g, err := repo.GetByID(ctx, 999)
	if err != nil || g != nil {
		t.Errorf("GetByID(999) = %v, %v; want nil, nil", g, err)
	}
}

func TestSQLRepository_DuplicateHash(t *testing.T) {
	conn := dbtest.OpenSQLite(t)
	repo := NewSQLRepository(conn, db.SQLite)
	ctx := context.Background()
	hash := security.HashPassphrase("same")

	if err := repo.Create(ctx, &domain.MachineGroup{Name: "A", PassphraseHash: hash, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Create A: %v", err)
	}
	if err := repo.Create(ctx, &domain.MachineGroup{Name: "B", PassphraseHash: hash, CreatedAt: time.Now()}); err == nil {
		t.Error("Create with duplicate hash should fail")
	}
	if err := repo.Create(ctx, &domain.MachineGroup{Name: "C"}); err == nil {
		t.Error("Create without hash should fail")
	}
}
