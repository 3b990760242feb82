// main_test.go - Tests for command line parsing, configuration and exit codes.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/superfly/camxfer"
	"github.com/superfly/camxfer/catalog"
	"github.com/superfly/camxfer/download"
	"github.com/superfly/camxfer/objcache"
	"github.com/superfly/camxfer/pipeline"
	"github.com/superfly/camxfer/ptpip"
	"github.com/superfly/camxfer/realtime"
	"github.com/superfly/camxfer/session"
	"github.com/superfly/camxfer/ssdp"
)

func parse(t *testing.T, args ...string) Config {
	t.Helper()
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	if err := parseDownloadFlags(&cfg, fs, args); err != nil {
		t.Fatalf("parseDownloadFlags(%v): %v", args, err)
	}
	return cfg
}

func TestPipelineConfig_Defaults(t *testing.T) {
	pc, err := pipelineConfig(parse(t))
	if err != nil {
		t.Fatalf("pipelineConfig: %v", err)
	}
	if pc.Session.Address != "192.168.1.1" || pc.Session.Dial.Port != ptpip.DefaultPort {
		t.Fatalf("address = %s:%d", pc.Session.Address, pc.Session.Dial.Port)
	}
	if pc.Session.OpenSessionID != nil {
		t.Fatalf("session id override set by default")
	}
	if pc.Session.ClockSync.Threshold != 5*time.Second {
		t.Fatalf("clock sync = %+v", pc.Session.ClockSync)
	}
	if pc.Download.Action != camxfer.ActionGetFiles || pc.Download.IfExists != download.IfExistsUniqueName {
		t.Fatalf("download config = %+v", pc.Download)
	}
	if pc.CacheMode != objcache.ModeEnabled || pc.TransferList != pipeline.TransferListUseIfAvailable {
		t.Fatalf("cache %s, transfer list %s", pc.CacheMode, pc.TransferList)
	}
	if pc.RealtimeMode != camxfer.RealtimeDisabled || pc.RealtimeMethod != camxfer.RealtimeAuto {
		t.Fatalf("realtime %s/%s", pc.RealtimeMode, pc.RealtimeMethod)
	}
	if pc.Filter.Extensions != nil || !pc.Filter.Start.IsZero() {
		t.Fatalf("filter = %+v", pc.Filter)
	}
}

func TestPipelineConfig_Options(t *testing.T) {
	cfg := parse(t,
		"--address", "auto",
		"--ext", "nef, jpg",
		"--start-date", "03/01/24",
		"--end-date", "03/31/24",
		"--exclude-folders", "101NIKON",
		"--slot", "both",
		"--order", "newestfirst",
		"--if-exists", "skip",
		"--history", "ignore",
		"--obj-cache", "verify",
		"--camera-time-sync", "disabled",
		"--session-id", "7",
		"--realtime", "afternormal",
		"--realtime-method", "polling",
		"--realtime-detection", "numobjs",
		"--realtime-interval", "1s",
		"--transfer-list", "exitifnotavail",
		"--chunk-size", "65536",
		"--dirname-spec", "@cameramodel@/@capturedate@",
		"--filename-spec", "@dlnum@-@filename@",
	)
	pc, err := pipelineConfig(cfg)
	if err != nil {
		t.Fatalf("pipelineConfig: %v", err)
	}
	if pc.Session.Address != session.AutoAddress {
		t.Fatalf("address = %q", pc.Session.Address)
	}
	if !pc.Filter.Extensions["NEF"] || !pc.Filter.Extensions["JPG"] || len(pc.Filter.Extensions) != 2 {
		t.Fatalf("extensions = %v", pc.Filter.Extensions)
	}
	if !pc.Filter.ExcludeFolders["101NIKON"] {
		t.Fatalf("exclude folders = %v", pc.Filter.ExcludeFolders)
	}
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.Local)
	if !pc.Filter.Start.Equal(start) || !pc.Filter.End.After(time.Date(2024, 3, 31, 23, 59, 0, 0, time.Local)) {
		t.Fatalf("dates = %v - %v", pc.Filter.Start, pc.Filter.End)
	}
	if pc.Session.Slot != session.SlotBoth || !pc.Session.ClockSync.Disabled {
		t.Fatalf("session = %+v", pc.Session)
	}
	if pc.Session.OpenSessionID == nil || *pc.Session.OpenSessionID != 7 {
		t.Fatalf("session id = %v", pc.Session.OpenSessionID)
	}
	if pc.Download.Order != camxfer.OrderNewestFirst || pc.Download.IfExists != download.IfExistsSkip {
		t.Fatalf("download = %+v", pc.Download)
	}
	if pc.CacheMode != objcache.ModeVerify || pc.TransferList != pipeline.TransferListRequired {
		t.Fatalf("cache %s, transfer list %s", pc.CacheMode, pc.TransferList)
	}
	if pc.RealtimeMode != camxfer.RealtimeAfterNormal || pc.RealtimeMethod != camxfer.RealtimePolling {
		t.Fatalf("realtime %s/%s", pc.RealtimeMode, pc.RealtimeMethod)
	}
	if pc.Realtime.Detection != realtime.DetectObjectCount || pc.Realtime.PollInterval != time.Second {
		t.Fatalf("realtime config = %+v", pc.Realtime)
	}
	if pc.Download.ChunkSize != 65536 {
		t.Fatalf("chunk size = %d", pc.Download.ChunkSize)
	}
	if pc.Download.DirnameSpec != "@cameramodel@/@capturedate@" || pc.Download.FilenameSpec != "@dlnum@-@filename@" {
		t.Fatalf("naming templates = %q, %q", pc.Download.DirnameSpec, pc.Download.FilenameSpec)
	}
}

func TestPipelineConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"action", []string{"--action", "copy"}},
		{"order", []string{"--order", "random"}},
		{"if exists", []string{"--if-exists", "ask"}},
		{"history", []string{"--history", "maybe"}},
		{"cache mode", []string{"--obj-cache", "sometimes"}},
		{"slot", []string{"--slot", "third"}},
		{"clock sync", []string{"--camera-time-sync", "-3"}},
		{"start date", []string{"--start-date", "2024-03-01"}},
		{"date range", []string{"--start-date", "03/02/24", "--end-date", "03/01/24"}},
		{"realtime", []string{"--realtime", "sometimes"}},
		{"realtime method", []string{"--realtime-method", "psychic"}},
		{"guid", []string{"--guid", "not-a-guid"}},
		{"session id", []string{"--session-id", "4294967296"}},
		{"chunk size", []string{"--chunk-size", "0"}},
		{"transfer list", []string{"--transfer-list", "always"}},
		{"listfiles realtime", []string{"--action", "listfiles", "--realtime", "only"}},
		{"filename spec", []string{"--filename-spec", "@lens@.jpg"}},
		{"dirname spec", []string{"--dirname-spec", "@capturedate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pipelineConfig(parse(t, tt.args...))
			if !errors.Is(err, errUsage) {
				t.Fatalf("pipelineConfig(%v) = %v, want usage error", tt.args, err)
			}
			if exitCode(err) != exitUsage {
				t.Fatalf("exit code = %d", exitCode(err))
			}
		})
	}
}

func TestParseDownloadFlags_ExtraArgument(t *testing.T) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	if err := parseDownloadFlags(&cfg, fs, []string{"--port", "1", "stray"}); !errors.Is(err, errUsage) {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestParseHistoryFlags(t *testing.T) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	if err := parseHistoryFlags(&cfg, fs, []string{"--clear"}); !errors.Is(err, errUsage) {
		t.Fatalf("--clear without camera: %v", err)
	}

	cfg = DefaultConfig()
	fs = flag.NewFlagSet("history", flag.ContinueOnError)
	if err := parseHistoryFlags(&cfg, fs, []string{"--camera", "D7200-SN3012345", "--clear"}); err != nil {
		t.Fatalf("parseHistoryFlags: %v", err)
	}
	if cfg.Camera != "D7200-SN3012345" || !cfg.Clear {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestExecHook(t *testing.T) {
	cfg := DefaultConfig()
	if h, err := execHook(cfg); h != nil || err != nil {
		t.Fatalf("execHook without command = %v, %v", h, err)
	}

	cfg.DownloadExec = "/usr/bin/echo @pf@"
	cfg.DownloadExecOptions = "wait,exitonfailcode"
	cfg.DownloadExecExts = "nef"
	h, err := execHook(cfg)
	if err != nil {
		t.Fatalf("execHook: %v", err)
	}
	if len(h.Args) != 2 || !h.Options.Wait || !h.Options.ExitOnFailCode || !h.Extensions["NEF"] {
		t.Fatalf("hook = %+v", h)
	}

	cfg.DownloadExecOptions = "sometimes"
	if _, err := execHook(cfg); !errors.Is(err, errUsage) {
		t.Fatalf("bad option: %v", err)
	}
}

func TestSetupLogger(t *testing.T) {
	if err := setupLogger("debug", "json"); err != nil {
		t.Fatalf("setupLogger: %v", err)
	}
	if err := setupLogger("loud", "text"); !errors.Is(err, errUsage) {
		t.Fatalf("bad level: %v", err)
	}
	if err := setupLogger("info", "xml"); !errors.Is(err, errUsage) {
		t.Fatalf("bad format: %v", err)
	}
	if err := setupLogger("info", "text"); err != nil {
		t.Fatalf("setupLogger: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	connect := &ptpip.ConnectError{Addr: "192.168.1.1:15740", Msg: "camera not reachable"}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"usage", fmt.Errorf("%w: bad flag", errUsage), exitUsage},
		{"cancelled", context.Canceled, exitInterrupted},
		{"interrupted", fmt.Errorf("download: %w", ptpip.ErrInterrupted), exitInterrupted},
		{"hook", fmt.Errorf("hook: %w", &download.HookExitError{Args: []string{"x"}, ExitCode: 42}), 42},
		{"file exists", download.ErrFileExists, exitFileExists},
		{"different camera", session.ErrDifferentCamera, exitDifferentCam},
		{"reenter", realtime.ErrReenter, exitReenter},
		{"cache mismatch", catalog.ErrCacheMismatch, exitIntegrity},
		{"resume mismatch", download.ErrResumeMismatch, exitIntegrity},
		{"local io", fmt.Errorf("%w: disk full", download.ErrLocalIO), exitLocalIO},
		{"invalid name", download.ValidName("../escaped.JPG"), exitLocalIO},
		{"no card", session.ErrNoCard, exitNotFound},
		{"no transfer list", pipeline.ErrNoTransferList, exitNotFound},
		{"not discovered", &ptpip.ConnectError{Msg: "no camera found", Err: ssdp.ErrNotFound}, exitNotFound},
		{"rejected", &ptpip.OpError{Op: ptpip.OpGetObjectInfo, Code: ptpip.RespInvalidObjectHandle}, exitRejected},
		{"connect", connect, exitConnect},
		{"protocol", &ptpip.ProtocolError{Msg: "bad frame"}, exitConnect},
		{"communication", &ptpip.OpError{Op: ptpip.OpGetPartialObject, Code: ptpip.RespCommunicationError}, exitConnect},
		{"other", errors.New("boom"), exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Fatalf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
