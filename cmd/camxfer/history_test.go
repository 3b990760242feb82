// history_test.go - Tests for the history command.

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/superfly/camxfer/database"
)

func TestHistory(t *testing.T) {
	ctx := context.Background()
	db, err := database.New(database.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var out bytes.Buffer
	if err := history(ctx, db, Config{}, &out); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out.String(), "No download history") {
		t.Fatalf("empty history output:\n%s", out.String())
	}

	const camera = "D7200-SN3012345"
	for i, name := range []string{"DSC_0001.NEF", "DSC_0002.NEF"} {
		err := db.RecordDownload(ctx, database.HistoryEntry{
			CameraID:   camera,
			HistoryKey: name,
			Filename:   name,
			SizeBytes:  int64(1024 * (i + 1)),
			LocalPath:  "/photos/" + name,
			RunID:      "run",
		})
		if err != nil {
			t.Fatalf("RecordDownload: %v", err)
		}
	}
	if err := db.AcquireCameraLock(ctx, camera, "test"); err != nil {
		t.Fatalf("AcquireCameraLock: %v", err)
	}

	out.Reset()
	if err := history(ctx, db, Config{}, &out); err != nil {
		t.Fatalf("history: %v", err)
	}
	if s := out.String(); !strings.Contains(s, camera) || !strings.Contains(s, "2 file(s)") || !strings.Contains(s, "in progress") {
		t.Fatalf("camera list output:\n%s", s)
	}

	out.Reset()
	if err := history(ctx, db, Config{Camera: camera}, &out); err != nil {
		t.Fatalf("history: %v", err)
	}
	if s := out.String(); !strings.Contains(s, "DSC_0002.NEF") || !strings.Contains(s, "2.0 KiB") || !strings.Contains(s, "/photos/DSC_0001.NEF") {
		t.Fatalf("entry list output:\n%s", s)
	}

	out.Reset()
	if err := history(ctx, db, Config{Camera: camera, Clear: true}, &out); err != nil {
		t.Fatalf("history --clear: %v", err)
	}
	if !strings.Contains(out.String(), "Cleared 2") {
		t.Fatalf("clear output:\n%s", out.String())
	}
	if n, err := db.CountHistory(ctx, camera); err != nil || n != 0 {
		t.Fatalf("CountHistory after clear = %d, %v", n, err)
	}
}
