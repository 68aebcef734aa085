package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type dialect int

const (
	postgres dialect = iota
	sqlite
)

type DB struct {
	conn    *sql.DB
	dialect dialect
}

// New creates a new database connection. postgres:// and postgresql:// URLs use
// lib/pq; sqlite://<path> and file: URLs use the embedded sqlite driver.
func New(databaseURL string) (*DB, error) {
	driver, dsn, d, err := parseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	if d == sqlite {
		// single writer; also keeps :memory: databases on one connection
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(10)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn, dialect: d}, nil
}

func parseURL(databaseURL string) (driver, dsn string, d dialect, err error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL, postgres, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://"), sqlite, nil
	case strings.HasPrefix(databaseURL, "file:"):
		return "sqlite", databaseURL, sqlite, nil
	}
	return "", "", 0, fmt.Errorf("unsupported database URL scheme: %q", databaseURL)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate creates the gateway tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if db.dialect == sqlite {
		schema = sqliteSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (db *DB) rebind(query string) string {
	if db.dialect != postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
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

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.rebind(query), args...)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS callers (
	virtual_key TEXT PRIMARY KEY,
	openai_key TEXT NOT NULL DEFAULT '',
	mistral_key TEXT NOT NULL DEFAULT '',
	requests_per_minute INTEGER NOT NULL DEFAULT 60,
	tokens_per_minute INTEGER NOT NULL DEFAULT 100000,
	total_cost DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS providers (
	name TEXT PRIMARY KEY,
	api_base TEXT NOT NULL,
	api_version TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS models (
	name TEXT PRIMARY KEY,
	provider TEXT NOT NULL REFERENCES providers(name),
	fallback TEXT NOT NULL DEFAULT '[]',
	input_cost_per_1k DOUBLE PRECISION NOT NULL,
	output_cost_per_1k DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS usage_logs (
	id TEXT PRIMARY KEY,
	virtual_key TEXT NOT NULL REFERENCES callers(virtual_key),
	request_id TEXT NOT NULL,
	model TEXT NOT NULL,
	provider TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	input_cost DOUBLE PRECISION NOT NULL,
	output_cost DOUBLE PRECISION NOT NULL,
	total_cost DOUBLE PRECISION NOT NULL,
	request JSONB NOT NULL,
	response JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_key_time ON usage_logs(virtual_key, created_at)
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS callers (
	virtual_key TEXT PRIMARY KEY,
	openai_key TEXT NOT NULL DEFAULT '',
	mistral_key TEXT NOT NULL DEFAULT '',
	requests_per_minute INTEGER NOT NULL DEFAULT 60,
	tokens_per_minute INTEGER NOT NULL DEFAULT 100000,
	total_cost REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS providers (
	name TEXT PRIMARY KEY,
	api_base TEXT NOT NULL,
	api_version TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS models (
	name TEXT PRIMARY KEY,
	provider TEXT NOT NULL REFERENCES providers(name),
	fallback TEXT NOT NULL DEFAULT '[]',
	input_cost_per_1k REAL NOT NULL,
	output_cost_per_1k REAL NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS usage_logs (
	id TEXT PRIMARY KEY,
	virtual_key TEXT NOT NULL REFERENCES callers(virtual_key),
	request_id TEXT NOT NULL,
	model TEXT NOT NULL,
	provider TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	input_cost REAL NOT NULL,
	output_cost REAL NOT NULL,
	total_cost REAL NOT NULL,
	request TEXT NOT NULL,
	response TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	completed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_key_time ON usage_logs(virtual_key, created_at)
`
