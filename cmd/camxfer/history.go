package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/superfly/camxfer/database"
)

// runHistory runs the history command.
func runHistory(cfg Config) error {
	if err := setupLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	db, err := database.New(database.DefaultConfig(cfg.MetadataDir))
	if err != nil {
		return err
	}
	defer db.Close()
	return history(context.Background(), db, cfg, os.Stdout)
}

func history(ctx context.Context, db *database.DB, cfg Config, w io.Writer) error {
	if cfg.Camera == "" {
		cameras, err := db.Cameras(ctx)
		if err != nil {
			return err
		}
		if len(cameras) == 0 {
			fmt.Fprintln(w, "No download history")
			return nil
		}
		for _, id := range cameras {
			n, err := db.CountHistory(ctx, id)
			if err != nil {
				return err
			}
			locked, err := db.IsCameraLocked(ctx, id)
			if err != nil {
				return err
			}
			line := fmt.Sprintf("%-32s %8s file(s)", id, humanize.Comma(int64(n)))
			if locked {
				line += " (download in progress)"
			}
			fmt.Fprintln(w, line)
		}
		return nil
	}

	if cfg.Clear {
		n, err := db.ClearHistory(ctx, cfg.Camera)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Cleared %d history entries for %s\n", n, cfg.Camera)
		return nil
	}

	entries, err := db.ListHistory(ctx, cfg.Camera)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-20s %12s  %s\n",
			e.DownloadedAt.Local().Format(time.DateTime), e.Filename, humanize.IBytes(uint64(e.SizeBytes)), e.LocalPath)
	}
	fmt.Fprintf(w, "%d file(s)\n", len(entries))
	return nil
}
