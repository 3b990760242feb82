package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- download_history table: one row per file downloaded from a camera
CREATE TABLE IF NOT EXISTS download_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    camera_id TEXT NOT NULL,
    history_key TEXT NOT NULL,
    filename TEXT NOT NULL,
    capture_date TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    local_path TEXT NOT NULL,
    run_id TEXT NOT NULL,
    downloaded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    UNIQUE (camera_id, history_key),
    CHECK (size_bytes >= 0)
);

CREATE INDEX IF NOT EXISTS idx_download_history_camera_id ON download_history(camera_id);
CREATE INDEX IF NOT EXISTS idx_download_history_downloaded_at ON download_history(downloaded_at);
`

// cameraLocksSchema adds the camera_locks table (version 2).
const cameraLocksSchema = `
-- camera_locks table: held by the run currently talking to a camera
CREATE TABLE IF NOT EXISTS camera_locks (
    camera_id TEXT PRIMARY KEY,
    locked_at INTEGER NOT NULL,
    locked_by TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_camera_locks_locked_at ON camera_locks(locked_at);
`
