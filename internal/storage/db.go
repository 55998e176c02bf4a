// Package storage opens the relational store behind session settings.
// SQLite is the default; Postgres is available for shared deployments.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect distinguishes the SQL flavours the store speaks.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config selects and locates the backing database.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// DB is a *sql.DB that knows its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the configured database and bootstraps its schema.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	switch Dialect(strings.ToLower(cfg.Driver)) {
	case "", DialectSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case DialectPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported state driver %q", cfg.Driver)
	}
}

// Rebind rewrites '?' placeholders into the dialect's form.
func (db *DB) Rebind(query string) string {
	if db.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
  name        TEXT PRIMARY KEY,
  work_dir    TEXT NOT NULL,
  created_at  TEXT NOT NULL,
  updated_at  TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS session_settings (
  session     TEXT NOT NULL REFERENCES sessions(name) ON DELETE CASCADE,
  key         TEXT NOT NULL,
  value       TEXT NOT NULL,
  updated_at  TEXT NOT NULL,
  PRIMARY KEY (session, key)
);`,
}

// Bootstrap creates tables if missing.
func Bootstrap(ctx context.Context, db *DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", db.Dialect, err)
		}
	}
	return nil
}
