// Package server implements syncd: the authoritative HTTP endpoint that
// resolves pushed operations against the append-only change log with
// field-level last-write-wins conflict resolution, and broadcasts log
// appends over SSE.
package server

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// schemaVersion is the current server database schema version.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS partners (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS products (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    sku TEXT NOT NULL DEFAULT '',
    price REAL NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS units (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    abbreviation TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    partner_id TEXT NOT NULL,
    status INTEGER NOT NULL DEFAULT 0,
    order_date DATETIME,
    delivery_date DATETIME NOT NULL,
    comment TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    version INTEGER NOT NULL DEFAULT 1,
    deleted_at DATETIME
);

CREATE TABLE IF NOT EXISTS order_lines (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    quantity REAL NOT NULL DEFAULT 0,
    price REAL NOT NULL DEFAULT 0,
    comment TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    version INTEGER NOT NULL DEFAULT 1,
    deleted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_order_lines_order ON order_lines(order_id);

-- Append-only change log. "fields" is the JSON array of entity fields this
-- entry actually changed on the server row (empty for CREATE/DELETE); the
-- conflict resolver unions these per entity to compute conflicts[] for a
-- stale expected_version (see resolve.go).
CREATE TABLE IF NOT EXISTS change_log (
    sync_id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    op_type TEXT NOT NULL,
    data TEXT NOT NULL,
    fields TEXT NOT NULL DEFAULT '[]',
    new_version INTEGER NOT NULL,
    timestamp TEXT NOT NULL,
    server_timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_change_log_entity ON change_log(entity_type, entity_id, new_version);

-- Dedup table for pushed operations: a retried push (same outbox op id,
-- e.g. after a dropped response) returns the stored result instead of
-- re-applying, mirroring the teacher's INSERT OR IGNORE dedup on events.
CREATE TABLE IF NOT EXISTS processed_ops (
    op_id TEXT PRIMARY KEY,
    sync_id INTEGER,
    status TEXT NOT NULL,
    new_version INTEGER,
    message TEXT,
    conflicts TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Store wraps the syncd database connection.
type Store struct {
	conn *sql.DB
}

// OpenStore opens (creating if absent) the server database at
// dataDir/ordersyncd.db and applies the schema.
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "ordersyncd.db")

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if err := stampSchemaVersion(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &Store{conn: conn}, nil
}

func stampSchemaVersion(conn *sql.DB) error {
	_, err := conn.Exec(`INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?)`, fmt.Sprintf("%d", schemaVersion))
	return err
}

// Ping checks the database connection is alive.
func (s *Store) Ping() error { return s.conn.Ping() }

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}
