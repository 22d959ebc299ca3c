package store

import (
	"database/sql"
	"fmt"
)

// GetSchemaVersion returns the current schema version from the database.
func (db *DB) GetSchemaVersion() (int, error) {
	var version int
	err := db.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, nil
	}
	return version, nil
}

func (db *DB) setSchemaVersionInternal(version int) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}

// RunMigrations applies any pending migrations and stamps the schema to
// SchemaVersion.
func (db *DB) RunMigrations() (int, error) {
	currentVersion, _ := db.GetSchemaVersion()
	if currentVersion >= SchemaVersion {
		return 0, nil
	}

	var migrationsRun int
	err := db.withWriteLock(func() error {
		var err error
		migrationsRun, err = db.runMigrationsInternal()
		return err
	})
	return migrationsRun, err
}

func (db *DB) runMigrationsInternal() (int, error) {
	currentVersion, err := db.GetSchemaVersion()
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}

	migrationsRun := 0
	for _, m := range Migrations {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := db.conn.Exec(m.SQL); err != nil {
			return migrationsRun, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if err := db.setSchemaVersionInternal(m.Version); err != nil {
			return migrationsRun, fmt.Errorf("set version %d: %w", m.Version, err)
		}
		migrationsRun++
	}

	if currentVersion == 0 {
		if err := db.setSchemaVersionInternal(SchemaVersion); err != nil {
			return migrationsRun, err
		}
	}

	return migrationsRun, nil
}
