package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesDatabaseFile(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(dir, dbFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file not created")
	}

	version, err := db.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("schema version = %d, want %d", version, SchemaVersion)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer db2.Close()

	version, err := db2.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("schema version = %d, want %d", version, SchemaVersion)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, ok, err := db.LastSyncID(); err != nil || ok {
		t.Fatalf("LastSyncID before set = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	if err := db.SetLastSyncID(42); err != nil {
		t.Fatalf("SetLastSyncID failed: %v", err)
	}

	id, ok, err := db.LastSyncID()
	if err != nil {
		t.Fatalf("LastSyncID failed: %v", err)
	}
	if !ok || id != 42 {
		t.Errorf("LastSyncID = (%d, %v), want (42, true)", id, ok)
	}

	if has, err := db.HasSnapshot(); err != nil || has {
		t.Fatalf("HasSnapshot before set = (%v, %v), want (false, nil)", has, err)
	}
	if err := db.SetLastSnapshotAt("2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("SetLastSnapshotAt failed: %v", err)
	}
	if has, err := db.HasSnapshot(); err != nil || !has {
		t.Fatalf("HasSnapshot after set = (%v, %v), want (true, nil)", has, err)
	}
}
