package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration
// support.
const CurrentSchemaVersion = 1

// initializeSchema ensures the database schema is at the current version.
// Idempotent and safe to call on every open.
func initializeSchema(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	switch {
	case currentVersion == 0:
		return createSchema(db)
	case currentVersion == CurrentSchemaVersion:
		return nil
	case currentVersion > CurrentSchemaVersion:
		return fmt.Errorf("archive schema version %d is newer than this build supports (%d)",
			currentVersion, CurrentSchemaVersion)
	default:
		// Migration chain starts with version 2.
		return fmt.Errorf("no migration path from schema version %d", currentVersion)
	}
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	// The driver ignores mattn-style DSN parameters, so the pragmas run
	// explicitly here; journal_mode persists in the file.
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// One row per loop invocation
		`CREATE TABLE IF NOT EXISTS iterations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace TEXT NOT NULL DEFAULT '',
			pr_number INTEGER NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			agent TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			prompt_mode TEXT NOT NULL DEFAULT '',
			run_result TEXT NOT NULL DEFAULT '' CHECK (run_result IN ('', 'success', 'failure')),
			error_category TEXT NOT NULL DEFAULT '',
			gate_conclusion TEXT NOT NULL DEFAULT '',
			head_sha TEXT NOT NULL DEFAULT '',
			tasks_total INTEGER NOT NULL DEFAULT 0,
			tasks_unchecked INTEGER NOT NULL DEFAULT 0,
			tasks_ticked INTEGER NOT NULL DEFAULT 0,
			commits INTEGER NOT NULL DEFAULT 0,
			files_changed INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_iterations_pr ON iterations(pr_number)",
		"CREATE INDEX IF NOT EXISTS idx_iterations_action ON iterations(action)",
		"CREATE INDEX IF NOT EXISTS idx_iterations_recorded ON iterations(recorded_at)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO schema_version (version) VALUES (?)
	`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // No version set yet
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
