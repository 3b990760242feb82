// database_test.go - Tests for the download history store and camera locks.

package database

import (
	"context"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew_Migrations(t *testing.T) {
	dir := t.TempDir()
	db, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Fatalf("schema version = %d, want %d", v, len(migrations))
	}
	db.Close()

	// reopening must not reapply migrations
	db, err = New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	const cam = "D7200-SN3012345"
	key := "DSC_0094.NEF::20150804T120900::22,719,774"

	e, err := db.LookupHistory(ctx, cam, key)
	if err != nil {
		t.Fatalf("LookupHistory: %v", err)
	}
	if e != nil {
		t.Fatalf("unexpected entry %+v", e)
	}

	entry := HistoryEntry{
		CameraID:     cam,
		HistoryKey:   key,
		Filename:     "DSC_0094.NEF",
		CaptureDate:  "20150804T120900",
		SizeBytes:    22719774,
		LocalPath:    "/photos/DSC_0094.NEF",
		RunID:        "01HX",
		TraceID:      "abc",
		DownloadedAt: time.Date(2015, 8, 4, 13, 0, 0, 0, time.UTC),
	}
	if err := db.RecordDownload(ctx, entry); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}

	// duplicate is ignored and keeps the first local path
	dup := entry
	dup.LocalPath = "/elsewhere/DSC_0094.NEF"
	if err := db.RecordDownload(ctx, dup); err != nil {
		t.Fatalf("RecordDownload duplicate: %v", err)
	}

	e, err = db.LookupHistory(ctx, cam, key)
	if err != nil {
		t.Fatalf("LookupHistory: %v", err)
	}
	if e == nil || e.LocalPath != "/photos/DSC_0094.NEF" || e.SizeBytes != 22719774 || e.TraceID != "abc" {
		t.Fatalf("unexpected entry %+v", e)
	}

	// history is per camera
	if e, err := db.LookupHistory(ctx, "D750-SN1", key); err != nil || e != nil {
		t.Fatalf("history leaked across cameras: %+v, %v", e, err)
	}

	second := entry
	second.HistoryKey = "DSC_0095.NEF::20150804T121000::1,000"
	second.DownloadedAt = entry.DownloadedAt.Add(time.Minute)
	second.TraceID = ""
	if err := db.RecordDownload(ctx, second); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}

	list, err := db.ListHistory(ctx, cam)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(list) != 2 || list[0].HistoryKey != second.HistoryKey {
		t.Fatalf("unexpected history %+v", list)
	}
	if n, err := db.CountHistory(ctx, cam); err != nil || n != 2 {
		t.Fatalf("CountHistory = %d, %v", n, err)
	}
	cams, err := db.Cameras(ctx)
	if err != nil || len(cams) != 1 || cams[0] != cam {
		t.Fatalf("Cameras = %v, %v", cams, err)
	}

	n, err := db.ClearHistory(ctx, cam)
	if err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if n != 2 {
		t.Fatalf("ClearHistory removed %d, want 2", n)
	}
	if n, _ := db.CountHistory(ctx, cam); n != 0 {
		t.Fatalf("history not cleared: %d", n)
	}
}

func TestCameraLock(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	const cam = "D7200-SN3012345"

	if err := db.AcquireCameraLock(ctx, cam, "run-1"); err != nil {
		t.Fatalf("AcquireCameraLock: %v", err)
	}
	if err := db.AcquireCameraLock(ctx, cam, "run-2"); err == nil {
		t.Fatalf("second lock acquired")
	}
	locked, err := db.IsCameraLocked(ctx, cam)
	if err != nil || !locked {
		t.Fatalf("IsCameraLocked = %v, %v", locked, err)
	}
	if err := db.ReleaseCameraLock(ctx, cam); err != nil {
		t.Fatalf("ReleaseCameraLock: %v", err)
	}
	if err := db.ReleaseCameraLock(ctx, cam); err != nil {
		t.Fatalf("ReleaseCameraLock not idempotent: %v", err)
	}
	if err := db.AcquireCameraLock(ctx, cam, "run-2"); err != nil {
		t.Fatalf("AcquireCameraLock after release: %v", err)
	}
}

func TestParseHistoryMode(t *testing.T) {
	for _, s := range []string{"skipfiles", "ignore", "clear"} {
		if _, err := ParseHistoryMode(s); err != nil {
			t.Fatalf("ParseHistoryMode(%q): %v", s, err)
		}
	}
	if _, err := ParseHistoryMode("sometimes"); err == nil {
		t.Fatalf("expected error")
	}
}
