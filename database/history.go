package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ParseHistoryMode parses a history mode name.
func ParseHistoryMode(s string) (HistoryMode, error) {
	switch m := HistoryMode(s); m {
	case HistoryUse, HistoryIgnore, HistoryClear:
		return m, nil
	}
	return "", fmt.Errorf("unknown download history mode %q", s)
}

const historyColumns = `id, camera_id, history_key, filename, capture_date, size_bytes,
		       local_path, run_id, trace_id, downloaded_at`

// LookupHistory returns the history entry for key, or nil if the file was
// never downloaded from this camera.
func (d *DB) LookupHistory(ctx context.Context, cameraID, key string) (*HistoryEntry, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM download_history
		WHERE camera_id = ? AND history_key = ?
	`
	e, err := scanHistory(d.db.QueryRowContext(ctx, query, cameraID, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query download history: %w", err)
	}
	return e, nil
}

// RecordDownload appends a history entry. An entry already present for
// the same camera and key is left unchanged.
func (d *DB) RecordDownload(ctx context.Context, e HistoryEntry) error {
	if e.DownloadedAt.IsZero() {
		e.DownloadedAt = time.Now()
	}
	query := `
		INSERT OR IGNORE INTO download_history
			(camera_id, history_key, filename, capture_date, size_bytes, local_path, run_id, trace_id, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var traceID sql.NullString
	if e.TraceID != "" {
		traceID = sql.NullString{String: e.TraceID, Valid: true}
	}
	_, err := d.db.ExecContext(ctx, query,
		e.CameraID, e.HistoryKey, e.Filename, e.CaptureDate, e.SizeBytes,
		e.LocalPath, e.RunID, traceID, e.DownloadedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// ListHistory returns the history of a camera, most recent first.
func (d *DB) ListHistory(ctx context.Context, cameraID string) ([]*HistoryEntry, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM download_history
		WHERE camera_id = ?
		ORDER BY downloaded_at DESC, id DESC
	`
	rows, err := d.db.QueryContext(ctx, query, cameraID)
	if err != nil {
		return nil, fmt.Errorf("failed to list download history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate download history: %w", err)
	}
	return entries, nil
}

// CountHistory returns the number of entries recorded for a camera.
func (d *DB) CountHistory(ctx context.Context, cameraID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM download_history WHERE camera_id = ?`
	if err := d.db.QueryRowContext(ctx, query, cameraID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count download history: %w", err)
	}
	return n, nil
}

// ClearHistory deletes every entry of a camera and returns how many were
// removed.
func (d *DB) ClearHistory(ctx context.Context, cameraID string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM download_history WHERE camera_id = ?`, cameraID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear download history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Cameras returns the ids of every camera with history.
func (d *DB) Cameras(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT camera_id FROM download_history ORDER BY camera_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan camera id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(r rowScanner) (*HistoryEntry, error) {
	var e HistoryEntry
	var traceID sql.NullString
	err := r.Scan(
		&e.ID, &e.CameraID, &e.HistoryKey, &e.Filename, &e.CaptureDate, &e.SizeBytes,
		&e.LocalPath, &e.RunID, &traceID, &e.DownloadedAt,
	)
	if err != nil {
		return nil, err
	}
	e.TraceID = traceID.String
	return &e, nil
}
