// seed creates a machine group and prints its enrollment passphrase once. Only the SHA-256 hash is
// stored, so the passphrase cannot be recovered later. Run after migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"fleet-telemetry/backend/internal/config"
	"fleet-telemetry/backend/internal/db"
	mgdomain "fleet-telemetry/backend/internal/machinegroup/domain"
	mgrepo "fleet-telemetry/backend/internal/machinegroup/repository"
	"fleet-telemetry/backend/internal/security"
)

func main() {
	name := flag.String("name", "Default", "Machine group name")
	description := flag.String("description", "", "Machine group description")
	businessUnit := flag.Int64("business-unit", 0, "Business unit id (0 for none)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}
	if strings.TrimSpace(*name) == "" {
		log.Fatal("seed: -name must not be empty")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	passphrase := security.GeneratePassphrase()
	g := &mgdomain.MachineGroup{
		Name:           strings.TrimSpace(*name),
		Description:    *description,
		PassphraseHash: security.HashPassphrase(passphrase),
		CreatedAt:      time.Now().UTC(),
	}
	if *businessUnit > 0 {
		g.BusinessUnitID = businessUnit
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgrepo.NewSQLRepository(conn, db.DialectFor(cfg.DatabaseURL)).Create(ctx, g); err != nil {
		log.Fatalf("seed: create machine group: %v", err)
	}

	fmt.Printf("machine group %d (%s) created\n", g.ID, g.Name)
	fmt.Printf("passphrase: %s\n", passphrase)
	fmt.Println("store this passphrase now; it is not shown again")
	if !cfg.EnableMachineGroups {
		log.Println("seed: ENABLE_MACHINE_GROUPS is false; the gateway will not assign groups until it is enabled")
	}
}
