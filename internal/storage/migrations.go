package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 6

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS organizations (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					industry TEXT NOT NULL DEFAULT '',
					business_model TEXT NOT NULL DEFAULT '',
					treatments_json TEXT NOT NULL DEFAULT '{}',
					updated_at DATETIME NOT NULL
				)`,

				`CREATE TABLE IF NOT EXISTS records (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL,
					document_kind TEXT NOT NULL,
					counterparty_key TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					secondary_key TEXT NOT NULL DEFAULT '',
					snapshot_hash TEXT NOT NULL,
					snapshot_json TEXT NOT NULL,
					family_code TEXT NOT NULL DEFAULT '',
					subfamily_code TEXT NOT NULL DEFAULT '',
					account_code TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					confidence REAL NOT NULL DEFAULT 0,
					explanation TEXT NOT NULL DEFAULT '',
					failure_phase TEXT NOT NULL DEFAULT '',
					reviewer_id TEXT NOT NULL DEFAULT '',
					version INTEGER NOT NULL DEFAULT 1,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_records_org_status ON records(organization_id, status)`,

				`CREATE TABLE IF NOT EXISTS correction_entries (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL,
					counterparty_key TEXT NOT NULL,
					secondary_key TEXT NOT NULL DEFAULT '',
					original_description TEXT NOT NULL DEFAULT '',
					suggested_code TEXT NOT NULL DEFAULT '',
					corrected_code TEXT NOT NULL,
					confidence_before REAL NOT NULL DEFAULT 0,
					reviewer_id TEXT NOT NULL,
					note TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_corrections_lookup ON correction_entries(organization_id, counterparty_key)`,
			})
		},
	},
	{
		Version:     2,
		Description: "Add accuracy metrics",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS accuracy_metrics (
					organization_id TEXT NOT NULL,
					category TEXT NOT NULL,
					total_predictions INTEGER NOT NULL DEFAULT 0,
					correct_predictions INTEGER NOT NULL DEFAULT 0,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY (organization_id, category),
					CHECK (correct_predictions <= total_predictions)
				)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Add feedback events",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS feedback_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					record_id TEXT NOT NULL,
					reviewer_id TEXT NOT NULL,
					action TEXT NOT NULL,
					detail TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL,
					FOREIGN KEY (record_id) REFERENCES records(id)
				)`,
				`CREATE INDEX idx_feedback_events_record ON feedback_events(record_id)`,
			})
		},
	},
	{
		Version:     4,
		Description: "Protect audit tables with triggers",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TRIGGER IF NOT EXISTS correction_entries_no_update
				BEFORE UPDATE ON correction_entries
				BEGIN
					SELECT RAISE(ABORT, 'correction entries are append-only');
				END`,
				`CREATE TRIGGER IF NOT EXISTS correction_entries_no_delete
				BEFORE DELETE ON correction_entries
				BEGIN
					SELECT RAISE(ABORT, 'correction entries are append-only');
				END`,
				`CREATE TRIGGER IF NOT EXISTS records_no_delete
				BEFORE DELETE ON records
				BEGIN
					SELECT RAISE(ABORT, 'classification records cannot be deleted');
				END`,
				`CREATE TRIGGER IF NOT EXISTS records_corrected_terminal
				BEFORE UPDATE OF status ON records
				WHEN OLD.status = 'corrected' AND NEW.status <> 'corrected'
				BEGIN
					SELECT RAISE(ABORT, 'corrected records can only be corrected again');
				END`,
			})
		},
	},
	{
		Version:     5,
		Description: "Add record history",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS record_history (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					record_id TEXT NOT NULL,
					version INTEGER NOT NULL,
					family_code TEXT NOT NULL DEFAULT '',
					subfamily_code TEXT NOT NULL DEFAULT '',
					account_code TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					confidence REAL NOT NULL DEFAULT 0,
					explanation TEXT NOT NULL DEFAULT '',
					changed_at DATETIME NOT NULL,
					UNIQUE (record_id, version)
				)`,
				// Seed history for records written before this table existed.
				`INSERT INTO record_history (record_id, version, family_code, subfamily_code, account_code, status, confidence, explanation, changed_at)
				SELECT id, version, family_code, subfamily_code, account_code, status, confidence, explanation, updated_at
				FROM records`,
			})
		},
	},
	{
		Version:     6,
		Description: "Scope correction entries to their source record",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`ALTER TABLE correction_entries ADD COLUMN record_id TEXT NOT NULL DEFAULT ''`,
				`CREATE INDEX idx_corrections_record ON correction_entries(record_id)`,
			})
		},
	},
}

// Migrate runs all database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion > ExpectedSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, ExpectedSchemaVersion)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion reports the schema version currently applied to the database.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
