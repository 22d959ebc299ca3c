package store

import (
	"database/sql"
	"strconv"
)

const (
	metaLastSyncID     = "last_sync_id"
	metaLastSnapshotAt = "last_snapshot_timestamp"
	metaLastPushAt     = "last_push_timestamp"
	metaLastSyncAt     = "last_sync_timestamp"
)

func (db *DB) getMeta(key string) (string, bool, error) {
	var v string
	err := db.conn.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr("metadata.get", err)
	}
	return v, true, nil
}

func (db *DB) setMeta(key, value string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return storeErr("metadata.set", err)
	})
}

// LastSyncID returns the highest server sync_id ingested so far, and
// whether it has ever been set (false before the initial snapshot).
func (db *DB) LastSyncID() (int64, bool, error) {
	v, ok, err := db.getMeta(metaLastSyncID)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, storeErr("metadata.parseLastSyncID", err)
	}
	return n, true, nil
}

// SetLastSyncID persists the new sync cursor.
func (db *DB) SetLastSyncID(id int64) error {
	return db.setMeta(metaLastSyncID, strconv.FormatInt(id, 10))
}

// HasSnapshot reports whether the initial snapshot has already run.
func (db *DB) HasSnapshot() (bool, error) {
	_, ok, err := db.getMeta(metaLastSnapshotAt)
	return ok, err
}

// SetLastSnapshotAt records that the initial snapshot bootstrap completed.
func (db *DB) SetLastSnapshotAt(rfc3339 string) error {
	return db.setMeta(metaLastSnapshotAt, rfc3339)
}

// SetLastPushAt records the wall-clock time of the last push that sent at
// least one operation.
func (db *DB) SetLastPushAt(rfc3339 string) error {
	return db.setMeta(metaLastPushAt, rfc3339)
}

// LastPushAt returns the last recorded push time, if any.
func (db *DB) LastPushAt() (string, bool, error) {
	return db.getMeta(metaLastPushAt)
}

// SetLastSyncAt records the wall-clock time a pull cycle finished ingesting
// at least one change-log entry.
func (db *DB) SetLastSyncAt(rfc3339 string) error {
	return db.setMeta(metaLastSyncAt, rfc3339)
}

// LastSyncAt returns the last recorded pull completion time, if any.
func (db *DB) LastSyncAt() (string, bool, error) {
	return db.getMeta(metaLastSyncAt)
}
