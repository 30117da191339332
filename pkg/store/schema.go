package store

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration
// support.
const CurrentSchemaVersion = 1

// initializeSchemaWithMigrations ensures the database schema is at the
// current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var exists bool
	err := db.QueryRow(
		"SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	if err := db.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec("UPDATE schema_version SET version = ?", version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(_ *sql.DB, version int) error {
	// No migrations yet; new versions add cases here.
	return fmt.Errorf("unknown migration version: %d", version)
}

// createSchema creates the full current schema on an empty database.
func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE schema_version (
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE threads (
			thread_id        TEXT PRIMARY KEY,
			repo             TEXT NOT NULL,
			source_ref       TEXT NOT NULL,
			target_ref       TEXT,
			state            TEXT NOT NULL,
			actor            TEXT,
			issue_id         INTEGER,
			merge_request_id INTEGER,
			discussion_id    TEXT,
			plan_json        TEXT,
			questions_json   TEXT,
			todos_json       TEXT,
			created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE checkpoints (
			thread_id          TEXT PRIMARY KEY REFERENCES threads(thread_id) ON DELETE CASCADE,
			messages_json      TEXT NOT NULL,
			sandbox_session_id TEXT,
			updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE file_changes (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL REFERENCES threads(thread_id) ON DELETE CASCADE,
			seq       INTEGER NOT NULL,
			path      TEXT NOT NULL,
			prev_path TEXT,
			action    TEXT NOT NULL,
			content   TEXT
		)`,
		`CREATE INDEX idx_file_changes_thread ON file_changes(thread_id, seq)`,
		`CREATE TABLE leases (
			key        TEXT PRIMARY KEY,
			holder     TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}
