package db

import (
	"strconv"
	"strings"
)

const sqliteScheme = "sqlite://"

// Dialect identifies the SQL flavour behind a DSN. Repositories write queries with ? placeholders
// and call Rebind before executing them.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DialectFor returns SQLite for sqlite:// DSNs and Postgres for everything else.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(strings.TrimSpace(dsn), sqliteScheme) {
		return SQLite
	}
	return Postgres
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == SQLite {
		return "sqlite"
	}
	return "pgx"
}

// Rebind rewrites ? placeholders to $1, $2, ... for Postgres. SQLite queries are returned unchanged.
// Queries must not contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
