// Package migration tracks schema versions and applies ordered migrations
// over a plain *sql.DB, adapted from the teacher's SQLite version tracker
// to Postgres (the version table is created with CREATE TABLE IF NOT
// EXISTS instead of being looked up in sqlite_master) — see DESIGN.md.
package migration

import (
	"database/sql"
	"fmt"
	"time"
)

// SchemaVersion records the applied version of a named store's schema.
type SchemaVersion struct {
	StoreName string
	Version   int
	AppliedAt time.Time
}

const createVersionTable = `
CREATE TABLE IF NOT EXISTS _schema_version (
	store_name TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func ensureTable(db *sql.DB) error {
	_, err := db.Exec(createVersionTable)
	return err
}

// CurrentVersion returns the applied schema version for storeName, or 0 if
// none has been recorded yet.
func CurrentVersion(db *sql.DB, storeName string) (int, error) {
	if err := ensureTable(db); err != nil {
		return 0, fmt.Errorf("ensure schema version table: %w", err)
	}

	var version int
	err := db.QueryRow(
		`SELECT version FROM _schema_version WHERE store_name = $1`, storeName,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// SetVersion records storeName's schema as being at version.
func SetVersion(db *sql.DB, storeName string, version int) error {
	_, err := db.Exec(`
		INSERT INTO _schema_version (store_name, version, applied_at)
		VALUES ($1, $2, now())
		ON CONFLICT (store_name) DO UPDATE SET
			version = excluded.version,
			applied_at = excluded.applied_at`,
		storeName, version)
	return err
}

// NeedsMigration reports whether storeName's recorded schema version is
// below target.
func NeedsMigration(db *sql.DB, storeName string, target int) (bool, error) {
	current, err := CurrentVersion(db, storeName)
	if err != nil {
		return false, err
	}
	return current < target, nil
}

// CheckVersion refuses to proceed if the recorded schema version is newer
// than the binary's target — a downgrade would otherwise silently run
// against a schema this binary doesn't understand.
func CheckVersion(db *sql.DB, storeName string, target int) error {
	current, err := CurrentVersion(db, storeName)
	if err != nil {
		return err
	}
	if current > target {
		return fmt.Errorf("store %q schema is at v%d, newer than this binary's v%d", storeName, current, target)
	}
	return nil
}
