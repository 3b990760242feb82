package database

import "fmt"

// Migration 3: trace correlation for rows written inside a download span
const migration003TraceCorrelation = `
ALTER TABLE download_history ADD COLUMN trace_id TEXT;

CREATE INDEX IF NOT EXISTS idx_download_history_trace_id ON download_history(trace_id);
`

// migrations contains all database migrations in order
var migrations = []struct {
	version     int
	description string
	sql         string
}{
	{
		version:     1,
		description: "Initial schema with download_history table",
		sql:         initialSchema,
	},
	{
		version:     2,
		description: "Add camera_locks table",
		sql:         cameraLocksSchema,
	},
	{
		version:     3,
		description: "Add trace_id for OpenTelemetry correlation",
		sql:         migration003TraceCorrelation,
	},
}

// ApplyMigrations applies all pending database migrations. Each runs in its
// own transaction together with its schema_migrations row.
func (d *DB) ApplyMigrations() error {
	if _, err := d.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	currentVersion := 0
	row := d.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := d.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			m.version,
			m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version.
func (d *DB) SchemaVersion() (int, error) {
	var v int
	if err := d.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return v, nil
}
