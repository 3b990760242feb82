// Package main implements camxfer, a command line client that downloads
// photos and videos from WiFi cameras over PTP/IP.
//
// The download command connects to the camera, builds the catalog of the
// selected media card(s), downloads every file passing the configured
// filter and optionally keeps watching for new captures. Failed sessions
// are retried; interrupted transfers resume where they stopped.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/superfly/camxfer"
	"github.com/superfly/camxfer/catalog"
	"github.com/superfly/camxfer/database"
	"github.com/superfly/camxfer/download"
	"github.com/superfly/camxfer/metrics"
	"github.com/superfly/camxfer/objcache"
	"github.com/superfly/camxfer/perf"
	"github.com/superfly/camxfer/pipeline"
	"github.com/superfly/camxfer/ptpip"
	"github.com/superfly/camxfer/realtime"
	"github.com/superfly/camxfer/s3"
	"github.com/superfly/camxfer/safeguards"
	"github.com/superfly/camxfer/session"
	"github.com/superfly/camxfer/ssdp"
	"github.com/superfly/camxfer/tui"
)

// Config holds application configuration. Option values are kept as given
// on the command line and parsed by pipelineConfig.
type Config struct {
	// Camera connection
	Address        string
	Port           int
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	GUID           string
	HostName       string
	SessionID      int64

	// Retry configuration
	Retries    int
	RetryDelay time.Duration

	// Transfer selection
	Action         string
	Extensions     string
	StartDate      string
	EndDate        string
	OnlyFolders    string
	ExcludeFolders string
	Slot           string
	TransferList   string
	Order          string

	// Local files
	OutputDir    string
	MetadataDir  string
	IfExists     string
	History      string
	MinFreeBytes uint64
	DirnameSpec  string
	FilenameSpec string

	// Transfer tuning
	ChunkSize     uint
	BufferCeiling int

	// Object cache
	CacheMode        string
	CacheMaxAge      time.Duration
	CacheValidateAll bool

	// Camera setup
	CameraTimeSync string
	SonyCommands   uint
	CameraSleep    bool

	// Real-time
	Realtime          string
	RealtimeMethod    string
	RealtimeDetection string
	RealtimeInterval  time.Duration
	ClockSkew         time.Duration

	// Post-download hook
	DownloadExec        string
	DownloadExecOptions string
	DownloadExecExts    string

	// S3 mirror
	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string

	// Logging and observability
	LogLevel    string
	LogFormat   string
	MetricsAddr string
	TUI         bool

	// history command
	Camera string
	Clear  bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Address:           "192.168.1.1",
		Port:              ptpip.DefaultPort,
		ConnectTimeout:    10 * time.Second,
		IOTimeout:         5 * time.Second,
		GUID:              ptpip.DefaultGUID,
		HostName:          "camxfer",
		SessionID:         -1,
		Retries:           -1,
		RetryDelay:        5 * time.Second,
		Action:            string(camxfer.ActionGetFiles),
		Slot:              string(session.SlotFirstFound),
		TransferList:      string(pipeline.TransferListUseIfAvailable),
		Order:             camxfer.OrderOldestFirst.String(),
		OutputDir:         ".",
		MetadataDir:       defaultMetadataDir(),
		IfExists:          string(download.IfExistsUniqueName),
		History:           string(database.HistoryUse),
		ChunkSize:         1 << 20,
		BufferCeiling:     32 << 20,
		CacheMode:         string(objcache.ModeEnabled),
		CameraTimeSync:    "5",
		SonyCommands:      uint(session.SonySendingMessage),
		CameraSleep:       true,
		Realtime:          string(camxfer.RealtimeDisabled),
		RealtimeMethod:    "auto",
		RealtimeDetection: string(realtime.DetectObjectList),
		RealtimeInterval:  3 * time.Second,
		ClockSkew:         35 * time.Second,
		S3Region:          "us-east-1",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// defaultMetadataDir returns $XDG_DATA_HOME/camxfer or
// ~/.local/share/camxfer.
func defaultMetadataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "camxfer")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "camxfer-data"
	}
	return filepath.Join(home, ".local", "share", "camxfer")
}

var (
	// Global logger
	log = logrus.New()

	// errUsage marks command line errors
	errUsage = errors.New("usage error")

	// Command flags
	downloadCmd = flag.NewFlagSet("download", flag.ContinueOnError)
	listCmd     = flag.NewFlagSet("list", flag.ContinueOnError)
	historyCmd  = flag.NewFlagSet("history", flag.ContinueOnError)
	discoverCmd = flag.NewFlagSet("discover", flag.ContinueOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	config := DefaultConfig()
	var err error

	switch os.Args[1] {
	case "download":
		if err = parseDownloadFlags(&config, downloadCmd, os.Args[2:]); err == nil {
			err = runDownload(config)
		}
	case "list":
		if err = parseDownloadFlags(&config, listCmd, os.Args[2:]); err == nil {
			config.Action = string(camxfer.ActionListFiles)
			err = runDownload(config)
		}
	case "history":
		if err = parseHistoryFlags(&config, historyCmd, os.Args[2:]); err == nil {
			err = runHistory(config)
		}
	case "discover":
		if err = parseDiscoverFlags(&config, discoverCmd, os.Args[2:]); err == nil {
			err = runDiscover(config)
		}
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitUsage)
	}

	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		if !errors.Is(err, errUsage) {
			log.WithError(err).Error("camxfer failed")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	os.Exit(exitCode(err))
}

func printUsage() {
	fmt.Println("camxfer - download photos and videos from WiFi cameras")
	fmt.Println()
	fmt.Println("Usage: camxfer <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  download    Download files from the camera")
	fmt.Println("  list        List the files on the camera without downloading")
	fmt.Println("  history     Show or clear the download history of a camera")
	fmt.Println("  discover    Find a camera on the local network via SSDP")
	fmt.Println()
	fmt.Println("Run 'camxfer <command> --help' for more information on a command.")
}

// addLoggingFlags registers the flags shared by every command.
func addLoggingFlags(cfg *Config, fs *flag.FlagSet) {
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
}

// parseDownloadFlags parses flags for the download and list commands.
func parseDownloadFlags(cfg *Config, fs *flag.FlagSet, args []string) error {
	fs.StringVar(&cfg.Address, "address", cfg.Address, "Camera IP address or host name, or 'auto' for SSDP discovery")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Camera PTP/IP port")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Timeout for each connection attempt")
	fs.DurationVar(&cfg.IOTimeout, "io-timeout", cfg.IOTimeout, "Timeout for each socket read and write")
	fs.StringVar(&cfg.GUID, "guid", cfg.GUID, "Host GUID presented to the camera")
	fs.StringVar(&cfg.HostName, "host-name", cfg.HostName, "Host name presented to the camera")
	fs.Int64Var(&cfg.SessionID, "session-id", cfg.SessionID, "OpenSession id override (-1 uses the id from the camera)")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "Session retries after connection failures (-1 for unlimited)")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Delay between session attempts")

	fs.StringVar(&cfg.Action, "action", cfg.Action, "Action (getfiles, getsmallthumbs, getlargethumbs, listfiles)")
	fs.StringVar(&cfg.Extensions, "ext", cfg.Extensions, "Comma separated extensions to download, <NOEXT> for none (default all)")
	fs.StringVar(&cfg.StartDate, "start-date", cfg.StartDate, "Earliest capture date (mm/dd/yy [hh:mm:ss])")
	fs.StringVar(&cfg.EndDate, "end-date", cfg.EndDate, "Latest capture date (mm/dd/yy [hh:mm:ss])")
	fs.StringVar(&cfg.OnlyFolders, "only-folders", cfg.OnlyFolders, "Comma separated camera folders to include, <ROOT> for the root")
	fs.StringVar(&cfg.ExcludeFolders, "exclude-folders", cfg.ExcludeFolders, "Comma separated camera folders to exclude")
	fs.StringVar(&cfg.Slot, "slot", cfg.Slot, "Media card slot (firstfound, first, second, both)")
	fs.StringVar(&cfg.TransferList, "transfer-list", cfg.TransferList, "Camera transfer list use (useifavail, exitifnotavail, ignore)")
	fs.StringVar(&cfg.Order, "order", cfg.Order, "Transfer order (oldestfirst, newestfirst)")

	fs.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory receiving the downloaded files")
	fs.StringVar(&cfg.MetadataDir, "metadata-dir", cfg.MetadataDir, "Directory for the download history and object caches")
	fs.StringVar(&cfg.IfExists, "if-exists", cfg.IfExists, "Existing local file policy (skip, overwrite, uniquename, exit)")
	fs.StringVar(&cfg.History, "history", cfg.History, "Download history use (skipfiles, ignore, clear)")
	fs.Uint64Var(&cfg.MinFreeBytes, "min-free-bytes", cfg.MinFreeBytes, "Refuse to start with less free space in the output directory")
	fs.StringVar(&cfg.DirnameSpec, "dirname-spec", cfg.DirnameSpec, "Subdirectory template for downloaded files, e.g. @cameramodel@/@capturedate@")
	fs.StringVar(&cfg.FilenameSpec, "filename-spec", cfg.FilenameSpec, "File name template for downloaded files, e.g. @dlnum@-@filename@")

	fs.UintVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Bytes per partial object request")
	fs.IntVar(&cfg.BufferCeiling, "buffer-ceiling", cfg.BufferCeiling, "Bytes buffered in memory before writing to disk")

	fs.StringVar(&cfg.CacheMode, "obj-cache", cfg.CacheMode, "Object cache mode (enabled, disabled, readonly, writeonly, verify)")
	fs.DurationVar(&cfg.CacheMaxAge, "obj-cache-max-age", cfg.CacheMaxAge, "Discard object caches older than this (0 for no limit)")
	fs.BoolVar(&cfg.CacheValidateAll, "obj-cache-validate-all", cfg.CacheValidateAll, "Validate every cached object instead of folders only")

	fs.StringVar(&cfg.CameraTimeSync, "camera-time-sync", cfg.CameraTimeSync, "Camera clock sync (disabled, always, or allowed skew in seconds)")
	fs.UintVar(&cfg.SonyCommands, "sony-commands", cfg.SonyCommands, "Sony on-screen message bits (1 sending, 2 end, 4 cancelled)")
	fs.BoolVar(&cfg.CameraSleep, "camera-sleep", cfg.CameraSleep, "Put Sony cameras to sleep when done")

	fs.StringVar(&cfg.Realtime, "realtime", cfg.Realtime, "Real-time download mode (disabled, afternormal, only)")
	fs.StringVar(&cfg.RealtimeMethod, "realtime-method", cfg.RealtimeMethod, "Real-time detection (auto, nikonevents, polling, sonyexit)")
	fs.StringVar(&cfg.RealtimeDetection, "realtime-detection", cfg.RealtimeDetection, "Polling detection (objlist, numobjs)")
	fs.DurationVar(&cfg.RealtimeInterval, "realtime-interval", cfg.RealtimeInterval, "Real-time poll interval")
	fs.DurationVar(&cfg.ClockSkew, "clock-skew", cfg.ClockSkew, "Camera clock lag allowed for captures during real-time reconnects")

	fs.StringVar(&cfg.DownloadExec, "download-exec", cfg.DownloadExec, "Program and arguments run after each download")
	fs.StringVar(&cfg.DownloadExecOptions, "download-exec-options", cfg.DownloadExecOptions, "Comma separated hook options (wait, exitonfailcode, delay, notildereplacement, ignorelauncherror)")
	fs.StringVar(&cfg.DownloadExecExts, "download-exec-ext", cfg.DownloadExecExts, "Comma separated extensions the hook runs for (default all)")

	fs.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "Mirror downloaded files to this S3 bucket")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", cfg.S3Prefix, "Key prefix for mirrored files")
	fs.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint, "S3 endpoint for S3-compatible stores")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")
	fs.BoolVar(&cfg.TUI, "tui", cfg.TUI, "Show the interactive progress view")
	addLoggingFlags(cfg, fs)

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}
	return nil
}

// parseHistoryFlags parses flags for the history command.
func parseHistoryFlags(cfg *Config, fs *flag.FlagSet, args []string) error {
	fs.StringVar(&cfg.MetadataDir, "metadata-dir", cfg.MetadataDir, "Directory for the download history")
	fs.StringVar(&cfg.Camera, "camera", cfg.Camera, "Camera id (model-SNserial); lists cameras when omitted")
	fs.BoolVar(&cfg.Clear, "clear", cfg.Clear, "Delete the camera's history")
	addLoggingFlags(cfg, fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Clear && cfg.Camera == "" {
		return fmt.Errorf("%w: --clear requires --camera", errUsage)
	}
	return nil
}

// parseDiscoverFlags parses flags for the discover command.
func parseDiscoverFlags(cfg *Config, fs *flag.FlagSet, args []string) error {
	addLoggingFlags(cfg, fs)
	return fs.Parse(args)
}

// setupLogger configures the global logger.
func setupLogger(level, format string) error {
	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.DateTime,
		})
	default:
		return fmt.Errorf("%w: invalid log format %q", errUsage, format)
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("%w: invalid log level: %w", errUsage, err)
	}
	log.SetLevel(lvl)
	return nil
}

// splitList splits a comma separated option value.
func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// pipelineConfig validates cfg and turns it into the run configuration.
func pipelineConfig(cfg Config) (pipeline.Config, error) {
	pc := pipeline.DefaultConfig(cfg.Address, cfg.OutputDir, cfg.MetadataDir)
	usage := func(err error) error { return fmt.Errorf("%w: %w", errUsage, err) }

	sc := &pc.Session
	sc.Dial.Port = cfg.Port
	sc.Dial.ConnectTimeout = cfg.ConnectTimeout
	sc.IOTimeout = cfg.IOTimeout
	sc.HostName = cfg.HostName
	sc.SonyCommands = session.SonyCommands(cfg.SonyCommands)
	sc.CameraSleep = cfg.CameraSleep
	guid, err := ptpip.ParseGUID(cfg.GUID)
	if err != nil {
		return pc, usage(err)
	}
	sc.GUID = guid
	if cfg.SessionID >= 0 {
		if cfg.SessionID > 0xFFFFFFFF {
			return pc, usage(fmt.Errorf("session id %d out of range", cfg.SessionID))
		}
		id := uint32(cfg.SessionID)
		sc.OpenSessionID = &id
	}
	if sc.Slot, err = session.ParseSlotPolicy(cfg.Slot); err != nil {
		return pc, usage(err)
	}
	if sc.ClockSync, err = session.ParseClockSync(cfg.CameraTimeSync); err != nil {
		return pc, usage(err)
	}

	dc := &pc.Download
	dc.ChunkSize = uint32(cfg.ChunkSize)
	dc.BufferCeiling = cfg.BufferCeiling
	if dc.Action, err = camxfer.ParseAction(cfg.Action); err != nil {
		return pc, usage(err)
	}
	if dc.Order, err = camxfer.ParseOrder(cfg.Order); err != nil {
		return pc, usage(err)
	}
	if dc.IfExists, err = download.ParseIfExists(cfg.IfExists); err != nil {
		return pc, usage(err)
	}
	if dc.HistoryMode, err = database.ParseHistoryMode(cfg.History); err != nil {
		return pc, usage(err)
	}
	for _, spec := range []string{cfg.DirnameSpec, cfg.FilenameSpec} {
		if err := download.ValidateTemplate(spec); err != nil {
			return pc, usage(err)
		}
	}
	dc.DirnameSpec = cfg.DirnameSpec
	dc.FilenameSpec = cfg.FilenameSpec
	if cfg.ChunkSize == 0 || cfg.ChunkSize > 0xFFFFFFFF {
		return pc, usage(fmt.Errorf("chunk size %d out of range", cfg.ChunkSize))
	}

	if pc.CacheMode, err = objcache.ParseMode(cfg.CacheMode); err != nil {
		return pc, usage(err)
	}
	pc.CacheMaxAge = cfg.CacheMaxAge
	pc.CacheValidateAll = cfg.CacheValidateAll
	if pc.TransferList, err = pipeline.ParseTransferListMode(cfg.TransferList); err != nil {
		return pc, usage(err)
	}

	f := &pc.Filter
	if cfg.Extensions != "" {
		f.Extensions = catalog.NewSet(splitList(cfg.Extensions))
	}
	if cfg.OnlyFolders != "" {
		f.OnlyFolders = catalog.NewSet(splitList(cfg.OnlyFolders))
	}
	if cfg.ExcludeFolders != "" {
		f.ExcludeFolders = catalog.NewSet(splitList(cfg.ExcludeFolders))
	}
	if f.Start, err = catalog.ParseDateArg(cfg.StartDate, time.Local, false); err != nil {
		return pc, usage(err)
	}
	if f.End, err = catalog.ParseDateArg(cfg.EndDate, time.Local, true); err != nil {
		return pc, usage(err)
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return pc, usage(errors.New("end date is before start date"))
	}

	if pc.RealtimeMode, err = camxfer.ParseRealtimeMode(cfg.Realtime); err != nil {
		return pc, usage(err)
	}
	if pc.RealtimeMethod, err = camxfer.ParseRealtimeMethod(cfg.RealtimeMethod); err != nil {
		return pc, usage(err)
	}
	if pc.Realtime.Detection, err = realtime.ParseDetection(cfg.RealtimeDetection); err != nil {
		return pc, usage(err)
	}
	pc.Realtime.PollInterval = cfg.RealtimeInterval
	pc.ClockSkew = cfg.ClockSkew
	if dc.Action == camxfer.ActionListFiles && pc.RealtimeMode != camxfer.RealtimeDisabled {
		return pc, usage(errors.New("listfiles cannot be combined with real-time download"))
	}
	return pc, nil
}

// execHook builds the post-download hook, or returns nil when none is
// configured.
func execHook(cfg Config) (*download.ExecHook, error) {
	if cfg.DownloadExec == "" {
		return nil, nil
	}
	opts, err := download.ParseHookOptions(splitList(cfg.DownloadExecOptions))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	h := &download.ExecHook{
		Args:    strings.Fields(cfg.DownloadExec),
		Options: opts,
		Logger:  log,
	}
	if cfg.DownloadExecExts != "" {
		h.Extensions = catalog.NewSet(splitList(cfg.DownloadExecExts))
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	return h, nil
}

// runDownload runs the download or list command.
func runDownload(cfg Config) error {
	if err := setupLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	pc, err := pipelineConfig(cfg)
	if err != nil {
		return err
	}
	hook, err := execHook(cfg)
	if err != nil {
		return err
	}

	runID := camxfer.NewRunID()
	logger := log.WithField("run_id", runID)
	pc.Logger = logger
	pc.Download.RunID = runID
	pc.Session.Discovery.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if pc.Download.Action != camxfer.ActionListFiles {
		checker := safeguards.NewOutputDirChecker(cfg.OutputDir, cfg.MinFreeBytes, logger)
		if err := checker.CheckAll(ctx); err != nil {
			return fmt.Errorf("%w: %w", download.ErrLocalIO, err)
		}
	}
	if err := os.MkdirAll(cfg.MetadataDir, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create metadata directory: %w", download.ErrLocalIO, err)
	}

	db, err := database.New(database.DefaultConfig(cfg.MetadataDir))
	if err != nil {
		return fmt.Errorf("%w: %w", download.ErrLocalIO, err)
	}
	defer db.Close()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, logger)
		defer srv.Close()
	}

	runMetrics := perf.NewRunMetrics()
	deps := pipeline.Dependencies{
		History: db,
		Hook:    hook,
		Metrics: runMetrics,
	}
	if cfg.S3Bucket != "" {
		mirror, err := s3.New(ctx, s3.Config{
			Region:   cfg.S3Region,
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Endpoint: cfg.S3Endpoint,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		deps.Mirror = mirror
	}

	var lockedCamera string
	deps.OnCamera = func(ctx context.Context, cameraID string) error {
		if err := db.AcquireCameraLock(ctx, cameraID, fmt.Sprintf("camxfer pid %d run %s", os.Getpid(), runID)); err != nil {
			return err
		}
		lockedCamera = cameraID
		if pc.Download.HistoryMode == database.HistoryClear {
			n, err := db.ClearHistory(ctx, cameraID)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{"camera": cameraID, "entries": n}).Info("cleared download history")
		}
		return nil
	}
	defer func() {
		if lockedCamera != "" {
			if err := db.ReleaseCameraLock(context.Background(), lockedCamera); err != nil {
				logger.WithError(err).Warn("failed to release camera lock")
			}
		}
	}()

	retry := RetryConfig{Retries: cfg.Retries, Delay: cfg.RetryDelay, Logger: logger}

	var run *pipeline.Run
	if cfg.TUI {
		err = runWithTUI(ctx, cfg, pc, deps, retry, &run)
	} else {
		run = pipeline.New(pc, deps)
		err = Retry(ctx, retry, run.Attempt)
	}

	if err != nil && run != nil {
		if n := run.TempFiles().Cleanup(); n > 0 {
			logger.WithField("count", n).Info("removed incomplete downloads")
		}
	}
	if pc.Download.Action != camxfer.ActionListFiles {
		logger.Info(runMetrics.Summary())
	}
	return err
}

// runWithTUI runs the retry loop behind the progress view. Quitting the
// view cancels the run.
func runWithTUI(ctx context.Context, cfg Config, pc pipeline.Config, deps pipeline.Dependencies, retry RetryConfig, runOut **pipeline.Run) error {
	log.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := tui.NewProgressModel(cfg.Address)
	program := tea.NewProgram(model, tea.WithContext(ctx))
	reporter := tui.NewReporter(program)
	deps.Progress = reporter.Progress
	onCamera := deps.OnCamera
	deps.OnCamera = func(ctx context.Context, cameraID string) error {
		reporter.Status(tui.PhaseCatalog, cameraID)
		return onCamera(ctx, cameraID)
	}
	retry.OnRetry = func(err error, next time.Duration) {
		reporter.Status(tui.PhaseRetry, fmt.Sprintf("%v (next attempt in %s)", err, next))
	}

	run := pipeline.New(pc, deps)
	*runOut = run
	started := time.Now()
	done := make(chan error, 1)
	go func() {
		err := Retry(ctx, retry, run.Attempt)
		st := run.Stats()
		reporter.Done(tui.DoneMsg{Files: st.FilesDownloaded, Bytes: st.BytesDownloaded, Elapsed: time.Since(started), Error: err})
		done <- err
	}()

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()
		<-done
		return fmt.Errorf("TUI error: %w", err)
	}
	cancel()
	return <-done
}

// serveMetrics serves /metrics on addr until the returned server is
// closed.
func serveMetrics(addr string, logger logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()
	logger.WithField("addr", addr).Info("serving metrics")
	return srv
}

// runDiscover runs the discover command.
func runDiscover(cfg Config) error {
	if err := setupLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dc := ssdp.DefaultConfig()
	dc.Logger = log
	host, err := ssdp.Discover(ctx, dc)
	if err != nil {
		return err
	}
	fmt.Println(host)
	return nil
}

// Exit codes
const (
	exitOK           = 0
	exitUsage        = 1
	exitNotFound     = 2
	exitConnect      = 3
	exitRejected     = 4
	exitLocalIO      = 5
	exitIntegrity    = 6
	exitDifferentCam = 7
	exitReenter      = 8
	exitFileExists   = 9
	exitInterrupted  = 130
)

// exitCode maps the outcome of a command to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var hookErr *download.HookExitError
	switch {
	case errors.As(err, &hookErr):
		return hookErr.ExitCode
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, context.Canceled), errors.Is(err, ptpip.ErrInterrupted):
		return exitInterrupted
	case errors.Is(err, download.ErrFileExists):
		return exitFileExists
	case errors.Is(err, session.ErrDifferentCamera):
		return exitDifferentCam
	case errors.Is(err, realtime.ErrReenter):
		return exitReenter
	case errors.Is(err, catalog.ErrCacheMismatch), errors.Is(err, catalog.ErrCorruptTree),
		errors.Is(err, download.ErrResumeMismatch):
		return exitIntegrity
	case errors.Is(err, download.ErrLocalIO):
		return exitLocalIO
	case errors.Is(err, session.ErrNoCard), errors.Is(err, pipeline.ErrNoTransferList),
		errors.Is(err, ssdp.ErrNotFound):
		return exitNotFound
	}
	switch ptpip.KindOf(err) {
	case ptpip.KindRejected:
		return exitRejected
	case ptpip.KindConnect, ptpip.KindProtocol, ptpip.KindCommunication:
		return exitConnect
	}
	return exitUsage
}
