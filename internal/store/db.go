// Package store is the embedded local persistence layer: entity tables,
// the pending-mutation outbox, and sync metadata, backed by a single-writer
// SQLite file.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbFileName = "ordersync.db"

// DB wraps the database connection.
type DB struct {
	conn    *sql.DB
	baseDir string
}

// openConn opens a SQLite connection with safe defaults for multi-process access.
func openConn(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Pin to a single connection — SQLite only supports one writer, and this
	// prevents the pool from opening extra connections that could corrupt
	// the WAL/SHM files under concurrent access.
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

	return conn, nil
}

// Open opens (creating if absent) the embedded store at baseDir/ordersync.db,
// applies the schema, and runs any pending migrations.
func Open(baseDir string) (*DB, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(baseDir, dbFileName)

	conn, err := openConn(dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	db := &DB{conn: conn, baseDir: baseDir}

	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Close flushes the WAL back into the main database file and closes the
// connection. Flushing first prevents a stray -wal/-shm file from
// confusing the next process to open this store.
func (db *DB) Close() error {
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// BaseDir returns the directory containing the store file.
func (db *DB) BaseDir() string {
	return db.baseDir
}

// Conn returns the underlying *sql.DB for packages that need raw access
// (the push/pull engines run their own transactions against it).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// withWriteLock executes fn while holding an exclusive OS-level write lock,
// preventing two orderctl processes from racing on sequence_number
// allocation or schema migration.
func (db *DB) withWriteLock(fn func() error) error {
	locker := newWriteLocker(db.baseDir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}

// WithWriteTx runs fn inside a transaction, holding the same exclusive
// write lock as the repository methods. It exists for callers outside this
// package — the pull engine's page-apply/rebase loop — that need a raw
// transaction spanning several rows without a dedicated repository method.
func (db *DB) WithWriteTx(fn func(tx *sql.Tx) error) error {
	return db.withWriteLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}
