// migrate applies the embedded schema for the dialect implied by the DSN: sqlite://path selects the
// SQLite migrations, any other DSN the Postgres ones.
//
//	go run ./cmd/migrate [-direction up|down] [-dsn DSN]
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"fleet-telemetry/backend/internal/config"
	"fleet-telemetry/backend/internal/db"
	"fleet-telemetry/backend/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "up applies pending migrations, down reverts all of them")
	dsn := flag.String("dsn", "", "database DSN; defaults to DATABASE_URL (postgres://... or sqlite://path)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-direction up|down] [-dsn DSN]\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "The migration set follows the DSN: sqlite:// uses SQLite, anything else Postgres.")
		flag.PrintDefaults()
	}
	flag.Parse()

	target := *dsn
	if target == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		target = cfg.DatabaseURL
	}
	if target == "" {
		flag.Usage()
		os.Exit(2)
	}

	dialect := db.DialectFor(target)
	log.Printf("migrate: %s %s from %s", *direction, dialect, dialect.MigrationDir())
	if err := migrate.Run(target, *direction); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("migrate: done")
}
