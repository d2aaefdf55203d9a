package db

import "embed"

// MigrationFS embeds SQL migration files from internal/db/migrations, one directory per dialect.
// Used by the migrate runner (cmd/migrate and test helpers) to apply migrations.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var MigrationFS embed.FS

// MigrationDir returns the directory inside MigrationFS holding the dialect's migrations.
func (d Dialect) MigrationDir() string {
	return "migrations/" + string(d)
}
