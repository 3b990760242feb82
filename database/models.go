package database

import "time"

// HistoryEntry records one file downloaded from a camera.
type HistoryEntry struct {
	ID           int64
	CameraID     string
	HistoryKey   string
	Filename     string
	CaptureDate  string
	SizeBytes    int64
	LocalPath    string
	RunID        string
	TraceID      string
	DownloadedAt time.Time
}

// HistoryMode controls how the download history is used.
type HistoryMode string

// HistoryMode constants
const (
	// HistoryUse skips files found in the history and records new ones
	HistoryUse HistoryMode = "skipfiles"

	// HistoryIgnore downloads regardless of history but still records
	HistoryIgnore HistoryMode = "ignore"

	// HistoryClear deletes the camera's history before the run
	HistoryClear HistoryMode = "clear"
)
