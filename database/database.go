// Package database provides SQLite persistence for the download history.
//
// Every file written to the output directory is recorded under a history
// key (see camxfer.HistoryKey) scoped to the camera it came from. Later
// runs consult the history to skip files already transferred, even after
// the local copies were moved or renamed.
//
// The database uses SQLite with WAL (Write-Ahead Logging) mode so the
// history subcommand can read while a download run is writing.
//
// # Usage Example
//
//	db, err := database.New(database.DefaultConfig(metadataDir))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	entry, err := db.LookupHistory(ctx, "D7200-SN3012345", key)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if entry != nil {
//		log.Printf("already downloaded to %s", entry.LocalPath)
//	}
//
// # Schema
//
// The database maintains two tables:
//   - download_history: one row per (camera, history key)
//   - camera_locks: held by a download run for the camera it talks to
//
// See schema.go for complete table definitions and indexes.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// FileName is the database file name inside the metadata directory.
const FileName = "camxfer.db"

// DB wraps the SQL database with helper methods for the download history.
type DB struct {
	db   *sql.DB
	path string // Path to the database file (for diagnostic logging)
}

// Config holds database configuration.
type Config struct {
	// Path to the SQLite database file
	Path string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the configuration for the database in dir.
func DefaultConfig(dir string) Config {
	return Config{
		Path:            filepath.Join(dir, FileName),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// New opens the database and applies any pending schema migrations.
//
// SQLite is configured with:
//   - WAL journal so readers do not block the writer
//   - NORMAL synchronous mode
//   - 5-second busy timeout
func New(cfg Config) (*DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	d := &DB{
		db:   db,
		path: cfg.Path,
	}

	if err := d.ApplyMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// AcquireCameraLock takes the exclusive lock for a camera. Two runs
// talking to the same camera would fight over its single session and
// interleave writes to its history and object cache.
//
// The lock is implemented using SQLite's PRIMARY KEY constraint on
// camera_id. If another run holds the lock, this returns an error naming
// the holder.
func (d *DB) AcquireCameraLock(ctx context.Context, cameraID, lockedBy string) error {
	query := `INSERT INTO camera_locks (camera_id, locked_at, locked_by) VALUES (?, ?, ?)`
	_, err := d.db.ExecContext(ctx, query, cameraID, time.Now().Unix(), lockedBy)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed") {
			var holder string
			var lockedAt int64
			queryLock := `SELECT locked_by, locked_at FROM camera_locks WHERE camera_id = ?`
			if scanErr := d.db.QueryRowContext(ctx, queryLock, cameraID).Scan(&holder, &lockedAt); scanErr == nil {
				lockTime := time.Unix(lockedAt, 0)
				return fmt.Errorf("camera %s is already locked by %s (acquired at %s)", cameraID, holder, lockTime.Format(time.RFC3339))
			}
			return fmt.Errorf("camera %s is already locked by another process", cameraID)
		}
		return fmt.Errorf("failed to acquire camera lock: %w", err)
	}
	return nil
}

// ReleaseCameraLock releases the lock for a camera. It does not error if
// the lock is not held.
func (d *DB) ReleaseCameraLock(ctx context.Context, cameraID string) error {
	query := `DELETE FROM camera_locks WHERE camera_id = ?`
	if _, err := d.db.ExecContext(ctx, query, cameraID); err != nil {
		return fmt.Errorf("failed to release camera lock: %w", err)
	}
	return nil
}

// IsCameraLocked checks if a camera is currently locked.
func (d *DB) IsCameraLocked(ctx context.Context, cameraID string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM camera_locks WHERE camera_id = ?`
	if err := d.db.QueryRowContext(ctx, query, cameraID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check camera lock: %w", err)
	}
	return count > 0, nil
}
