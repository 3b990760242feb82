// Package download transfers the catalog objects that pass a filter from
// the camera to local files.
//
// Full-size files are always fetched with bounded GetPartialObject requests
// rather than one GetObject: several camera firmwares stall or drop the
// connection on large single transfers. Received chunks are buffered in
// memory and flushed to "<name>.part" whenever the buffer reaches its
// ceiling or the object completes. The number of bytes flushed is kept on
// the catalog object so that a later session attempt resumes the transfer
// at that offset instead of starting over.
//
// # Usage Example
//
//	state := download.NewState(logger)
//	eng := download.New(download.DefaultConfig(outDir), download.Dependencies{
//		Device:  conn,
//		History: db,
//	}, state)
//	if err := eng.DownloadPassing(ctx, cat, &filter, nil); err != nil {
//		return err
//	}
//	fmt.Println(state.Stats().FilesDownloaded)
package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/superfly/camxfer"
	"github.com/superfly/camxfer/catalog"
	"github.com/superfly/camxfer/database"
	"github.com/superfly/camxfer/metrics"
	"github.com/superfly/camxfer/perf"
	"github.com/superfly/camxfer/ptpip"
)

var (
	// ErrLocalIO wraps failures creating, writing or renaming local files.
	ErrLocalIO = errors.New("local file operation failed")

	// ErrResumeMismatch is returned when the ".part" file of an interrupted
	// transfer does not hold exactly the bytes recorded as written.
	ErrResumeMismatch = errors.New("partial download does not match recorded size")

	// ErrFileExists is returned for an existing local file under IfExistsExit.
	ErrFileExists = errors.New("local file exists")

	// ErrInvalidName is returned when a camera file name or an expanded
	// naming template does not yield a file inside the output directory.
	// It is always wrapped together with ErrLocalIO.
	ErrInvalidName = errors.New("invalid local file name")

	errDeletedOnDevice = errors.New("object deleted on device during transfer")
)

// goneCodes are the responses to GetObjectInfo taken to mean that the user
// deleted the object on the camera while it was being transferred.
var goneCodes = map[ptpip.RespCode]bool{
	ptpip.RespInvalidObjectHandle:   true,
	ptpip.RespOperationNotSupported: true,
	ptpip.RespParameterNotSupported: true,
	ptpip.RespAccessDenied:          true,
	ptpip.RespPartialDeletion:       true,
	ptpip.RespNoValidObjectInfo:     true,
	ptpip.RespInvalidParentObject:   true,
	ptpip.RespInvalidParameter:      true,
}

// IfExists is the policy for a local file that already exists.
type IfExists string

const (
	IfExistsSkip       IfExists = "skip"
	IfExistsOverwrite  IfExists = "overwrite"
	IfExistsUniqueName IfExists = "uniquename"
	IfExistsExit       IfExists = "exit"
)

// ParseIfExists parses an if-exists policy name.
func ParseIfExists(s string) (IfExists, error) {
	switch p := IfExists(strings.ToLower(s)); p {
	case IfExistsSkip, IfExistsOverwrite, IfExistsUniqueName, IfExistsExit:
		return p, nil
	}
	return "", fmt.Errorf("unknown if-exists policy %q", s)
}

// Device is the part of the camera connection used to transfer objects.
type Device interface {
	GetObjectInfo(ctx context.Context, handle uint32) (ptpip.ObjectInfo, error)
	GetPartialObject(ctx context.Context, handle, offset, size uint32, progress ptpip.ProgressFunc) ([]byte, error)
	GetWholeObject(ctx context.Context, op ptpip.OpCode, handle uint32, progress ptpip.ProgressFunc) ([]byte, error)
	NotifyFileAcquisition(ctx context.Context, handle uint32, start bool) error
}

// History looks up and records completed downloads. *database.DB
// implements it.
type History interface {
	LookupHistory(ctx context.Context, cameraID, key string) (*database.HistoryEntry, error)
	RecordDownload(ctx context.Context, e database.HistoryEntry) error
}

// Mirror copies a finished file elsewhere. Failures are logged and do not
// fail the download.
type Mirror interface {
	Mirror(ctx context.Context, localPath, name string) error
}

// ProgressFunc receives the bytes received so far for the file being
// transferred.
type ProgressFunc func(name string, received, total int64)

// Config holds download settings.
type Config struct {
	// OutputDir receives the downloaded files
	OutputDir string

	Action camxfer.Action
	Order  camxfer.Order

	// ChunkSize is the size of each GetPartialObject request
	ChunkSize uint32

	// BufferCeiling is how much received data is held in memory before it
	// is flushed to the ".part" file
	BufferCeiling int

	IfExists    IfExists
	HistoryMode database.HistoryMode

	// CameraID keys the download history
	CameraID string

	// RunID is stored with every history row
	RunID string

	// Fields holds the per-camera template fields passed to the hook and
	// the naming templates
	Fields Fields

	// DirnameSpec, when set, is expanded per file into a directory below
	// OutputDir that receives the file. FilenameSpec likewise replaces the
	// camera's file name.
	DirnameSpec  string
	FilenameSpec string

	Logger logrus.FieldLogger
}

// DefaultConfig returns the default configuration for outputDir.
func DefaultConfig(outputDir string) Config {
	return Config{
		OutputDir:     outputDir,
		Action:        camxfer.ActionGetFiles,
		Order:         camxfer.OrderOldestFirst,
		ChunkSize:     1 << 20,
		BufferCeiling: 32 << 20,
		IfExists:      IfExistsUniqueName,
		HistoryMode:   database.HistoryUse,
	}
}

// Dependencies holds the external dependencies of the engine. Only Device
// is required.
type Dependencies struct {
	Device   Device
	History  History
	Mirror   Mirror
	Hook     *ExecHook
	Progress ProgressFunc

	// KeepAlive is called while waiting on the hook
	KeepAlive func(context.Context) error
}

// Stats are the transfer totals since the last reset.
type Stats struct {
	FilesDownloaded int
	BytesDownloaded int64
	DownloadTime    time.Duration

	SkippedHistory  int
	SkippedExisting int
	DeletedOnDevice int
}

// State is carried across session attempts: the temp-file registry, the
// statistics and the object the last invocation was working on.
type State struct {
	Temp *TempFiles

	stats Stats
	total int
	last  *catalog.Object
}

// NewState returns an empty state.
func NewState(logger logrus.FieldLogger) *State {
	return &State{Temp: NewTempFiles(logger)}
}

// Stats returns the totals since the last reset.
func (s *State) Stats() Stats {
	return s.stats
}

// ResetStats clears the totals. The lifetime download count is kept.
func (s *State) ResetStats() {
	s.stats = Stats{}
}

// Last returns the object most recently worked on, or nil.
func (s *State) Last() *catalog.Object {
	return s.last
}

// Engine downloads objects over one device session.
type Engine struct {
	cfg    Config
	deps   Dependencies
	state  *State
	log    logrus.FieldLogger
	tracer trace.Tracer
}

// New creates an engine. state must outlive the session so that transfers
// resume on the next attempt.
func New(cfg Config, deps Dependencies, state *State) *Engine {
	def := DefaultConfig(cfg.OutputDir)
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.BufferCeiling <= 0 {
		cfg.BufferCeiling = def.BufferCeiling
	}
	if cfg.Action == "" {
		cfg.Action = def.Action
	}
	if cfg.IfExists == "" {
		cfg.IfExists = def.IfExists
	}
	if cfg.HistoryMode == "" {
		cfg.HistoryMode = def.HistoryMode
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		state:  state,
		log:    logger.WithField("component", "download"),
		tracer: otel.Tracer("github.com/superfly/camxfer/download"),
	}
}

// DownloadPassing downloads every object that passes filter, walking the
// catalog in the configured order. With a nil start it resumes at the
// object the previous invocation was working on, or begins at the first
// passing object.
func (e *Engine) DownloadPassing(ctx context.Context, cat *catalog.Catalog, filter *catalog.Filter, start *catalog.Object) error {
	passing := func(o *catalog.Object) *catalog.Object {
		for ; o != nil; o = cat.Next(o, e.cfg.Order) {
			if ok, _ := filter.Match(cat, o); ok {
				return o
			}
		}
		return nil
	}

	o := start
	switch {
	case o != nil:
		o = passing(o)
	case e.state.last != nil:
		o = e.state.last
	default:
		o = passing(cat.First(e.cfg.Order))
	}

	for ; o != nil; o = passing(cat.Next(o, e.cfg.Order)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.Downloaded {
			continue
		}
		e.state.last = o
		if err := e.downloadObject(ctx, cat, o); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) downloadObject(ctx context.Context, cat *catalog.Catalog, o *catalog.Object) error {
	name := o.Info.Filename + e.cfg.Action.LocalSuffix()
	key := camxfer.HistoryKey(name, o.Info.CaptureDate, o.Info.CompressedSize)
	log := e.log.WithFields(logrus.Fields{
		"handle": fmt.Sprintf("0x%08x", o.Handle),
		"file":   name,
	})

	if e.deps.History != nil && e.cfg.HistoryMode != database.HistoryIgnore {
		prev, err := e.deps.History.LookupHistory(ctx, e.cfg.CameraID, key)
		if err != nil {
			return fmt.Errorf("failed to check download history: %w", err)
		}
		if prev != nil {
			log.WithFields(logrus.Fields{
				"downloaded_at": prev.DownloadedAt.Format(time.RFC3339),
				"local_path":    prev.LocalPath,
			}).Info("skipping, already downloaded")
			e.state.stats.SkippedHistory++
			metrics.RecordFileSkipped("history")
			o.MarkDownloaded()
			return nil
		}
	}

	p := o.Partial()
	if p.LocalName == "" {
		local, skip, err := e.localName(cat, o, name, log)
		if err != nil {
			return err
		}
		if skip {
			e.state.stats.SkippedExisting++
			metrics.RecordFileSkipped("exists")
			o.ReleasePartial()
			return nil
		}
		p.LocalName = local
	}
	path := filepath.Join(e.cfg.OutputDir, p.LocalName)
	log = log.WithField("path", path)

	ctx, span := e.tracer.Start(ctx, "download.file", trace.WithAttributes(
		attribute.String("camxfer.file", name),
		attribute.Int64("camxfer.size", int64(o.Info.CompressedSize)),
		attribute.Int64("camxfer.resume_offset", p.BytesWritten),
	))
	defer span.End()

	if o.InTransferList {
		if err := e.deps.Device.NotifyFileAcquisition(ctx, o.Handle, true); err != nil {
			return fmt.Errorf("failed to notify acquisition start: %w", err)
		}
	}

	var size int64
	var err error
	if e.cfg.Action == camxfer.ActionGetFiles {
		size, err = e.transferChunked(ctx, o, path, log)
	} else {
		size, err = e.transferWhole(ctx, o, path, log)
	}
	if errors.Is(err, errDeletedOnDevice) {
		e.state.Temp.Remove(path + partSuffix)
		o.MarkDownloaded()
		o.ReleasePartial()
		e.state.stats.DeletedOnDevice++
		metrics.RecordFileSkipped("deleted")
		span.SetAttributes(attribute.Bool("camxfer.deleted_on_device", true))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return e.complete(ctx, cat, o, path, key, size, log)
}

const partSuffix = ".part"

// localName chooses where o is stored, relative to the output directory.
// The naming templates are expanded, the target directory is created and
// the if-exists policy is applied.
func (e *Engine) localName(cat *catalog.Catalog, o *catalog.Object, name string, log logrus.FieldLogger) (string, bool, error) {
	fields := e.templateFields(cat, o, filepath.Join(e.cfg.OutputDir, name))
	fields[FieldDownloadNumber] = strconv.Itoa(e.state.total + 1)

	var subdir string
	if e.cfg.DirnameSpec != "" {
		s, err := Expand(e.cfg.DirnameSpec, fields)
		if err != nil {
			return "", false, fmt.Errorf("%w: %w: directory template: %w", ErrLocalIO, ErrInvalidName, err)
		}
		if s != "" {
			s = filepath.Clean(s)
			if !filepath.IsLocal(s) {
				return "", false, fmt.Errorf("%w: %w: directory %q is outside the output directory", ErrLocalIO, ErrInvalidName, s)
			}
			subdir = s
		}
	}
	dir := filepath.Join(e.cfg.OutputDir, subdir)
	fields[FieldPath] = dir

	if e.cfg.FilenameSpec != "" {
		s, err := Expand(e.cfg.FilenameSpec, fields)
		if err != nil {
			return "", false, fmt.Errorf("%w: %w: file name template: %w", ErrLocalIO, ErrInvalidName, err)
		}
		name = s
	}
	if err := ValidName(name); err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrLocalIO, err)
	}

	local, skip, err := e.resolveExisting(dir, name, log)
	if err != nil || skip {
		return "", skip, err
	}
	return filepath.Join(subdir, local), false, nil
}

// resolveExisting applies the if-exists policy to name in dir.
func (e *Engine) resolveExisting(dir, name string, log logrus.FieldLogger) (string, bool, error) {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return name, false, nil
		}
		return "", false, fmt.Errorf("%w: %w", ErrLocalIO, err)
	}

	switch e.cfg.IfExists {
	case IfExistsSkip:
		log.Info("skipping, file exists")
		return "", true, nil
	case IfExistsOverwrite:
		log.Debug("file exists, will be overwritten")
		if err := os.Remove(path); err != nil {
			return "", false, fmt.Errorf("%w: %w", ErrLocalIO, err)
		}
		return name, false, nil
	case IfExistsUniqueName:
		unique, err := UniqueName(dir, name)
		if err != nil {
			return "", false, err
		}
		log.WithField("unique_name", unique).Info("file exists, writing to unique name")
		return unique, false, nil
	}
	return "", false, fmt.Errorf("%w: %s", ErrFileExists, path)
}

// UniqueName returns name with the first free "-new-N" suffix inserted
// before its extension.
func UniqueName(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate := base + "-new-" + strconv.Itoa(n) + ext
		_, err := os.Stat(filepath.Join(dir, candidate))
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrLocalIO, err)
		}
	}
}

// transferChunked fetches the object with GetPartialObject requests,
// starting at the bytes already written by an earlier attempt.
func (e *Engine) transferChunked(ctx context.Context, o *catalog.Object, path string, log logrus.FieldLogger) (int64, error) {
	p := o.Partial()
	tmp := path + partSuffix
	total := int64(o.Info.CompressedSize)

	if p.BytesWritten > 0 {
		fi, err := os.Stat(tmp)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrResumeMismatch, tmp, err)
		}
		if fi.Size() != p.BytesWritten {
			return 0, fmt.Errorf("%w: %s holds %d bytes, expected %d", ErrResumeMismatch, tmp, fi.Size(), p.BytesWritten)
		}
		log.WithFields(logrus.Fields{
			"offset": p.BytesWritten,
			"size":   total,
		}).Info("resuming download")
	}

	f, err := e.openPart(tmp, p.BytesWritten > 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var buf []byte
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if _, err := f.Write(buf); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrLocalIO, tmp, err)
		}
		log.WithFields(logrus.Fields{
			"bytes":  len(buf),
			"offset": p.BytesWritten,
		}).Debug("flushed buffered data")
		p.BytesWritten += int64(len(buf))
		buf = buf[:0]
		return nil
	}

	offset := p.BytesWritten
	ceiling := int64(e.cfg.BufferCeiling)
	for offset < total {
		n := min(int64(e.cfg.ChunkSize), total-offset)
		if int64(len(buf))+n > ceiling {
			n = ceiling - int64(len(buf))
		}

		base := offset
		progress := e.progressFunc(o, base, total)
		start := time.Now()
		data, err := e.deps.Device.GetPartialObject(ctx, o.Handle, uint32(offset), uint32(n), progress)
		p.DownloadTime += time.Since(start)
		if err != nil {
			if e.deletedOnDevice(ctx, o, err, log) {
				return 0, errDeletedOnDevice
			}
			var opErr *ptpip.OpError
			if errors.As(err, &opErr) {
				buf = append(buf, opErr.Partial...)
			}
			if ferr := flush(); ferr != nil {
				log.WithError(ferr).Error("failed to save received data before giving up")
			}
			return 0, err
		}
		if len(data) == 0 {
			return 0, fmt.Errorf("device returned no data for %s at offset %d", o.Info.Filename, offset)
		}
		buf = append(buf, data...)
		offset += int64(len(data))
		if offset >= total || int64(len(buf)) >= ceiling {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}

	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrLocalIO, tmp, err)
	}
	return p.BytesWritten, nil
}

// transferWhole fetches a thumbnail in a single request.
func (e *Engine) transferWhole(ctx context.Context, o *catalog.Object, path string, log logrus.FieldLogger) (int64, error) {
	p := o.Partial()
	tmp := path + partSuffix

	start := time.Now()
	data, err := e.deps.Device.GetWholeObject(ctx, e.cfg.Action.TransferOp(), o.Handle, e.progressFunc(o, 0, 0))
	p.DownloadTime += time.Since(start)
	if err != nil {
		if e.deletedOnDevice(ctx, o, err, log) {
			return 0, errDeletedOnDevice
		}
		return 0, err
	}

	f, err := e.openPart(tmp, false)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return 0, fmt.Errorf("%w: %s: %w", ErrLocalIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrLocalIO, tmp, err)
	}
	return int64(len(data)), nil
}

func (e *Engine) openPart(tmp string, appending bool) (*os.File, error) {
	e.state.Temp.Track(tmp)
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appending {
		flags = os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(tmp, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocalIO, err)
	}
	return f, nil
}

func (e *Engine) progressFunc(o *catalog.Object, base, total int64) ptpip.ProgressFunc {
	if e.deps.Progress == nil {
		return nil
	}
	name := o.Info.Filename
	return func(received, expected int) {
		t := total
		if t == 0 {
			t = int64(expected)
		}
		e.deps.Progress(name, base+int64(received), t)
	}
}

// deletedOnDevice reports whether a device rejection of a transfer was
// caused by the object being deleted on the camera. It asks for the
// object's info once; a "gone" response confirms the deletion.
func (e *Engine) deletedOnDevice(ctx context.Context, o *catalog.Object, err error, log logrus.FieldLogger) bool {
	var opErr *ptpip.OpError
	if !errors.As(err, &opErr) || opErr.Communication() {
		return false
	}
	_, infoErr := catalog.FetchInfo(ctx, e.deps.Device, o.Handle, catalog.NoRetry)
	if infoErr == nil {
		return false
	}
	code, ok := ptpip.RespCodeOf(infoErr)
	if !ok || ptpip.IsCommunication(infoErr) || !goneCodes[code] {
		return false
	}
	log.WithFields(logrus.Fields{
		"transfer_resp": opErr.Code.String(),
		"info_resp":     code.String(),
	}).Warn("file appears to have been deleted on the camera, ignoring")
	return true
}

// complete finalizes a transferred object. The object is marked downloaded
// first so that a failure in any later step does not re-download it.
func (e *Engine) complete(ctx context.Context, cat *catalog.Catalog, o *catalog.Object, path, key string, size int64, log logrus.FieldLogger) error {
	elapsed := o.Partial().DownloadTime
	o.MarkDownloaded()
	o.ReleasePartial()

	tmp := path + partSuffix
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %w", ErrLocalIO, err)
	}
	e.state.Temp.Forget(tmp)

	log.WithFields(logrus.Fields{
		"size":        size,
		"duration_ms": elapsed.Milliseconds(),
		"mb_per_sec":  fmt.Sprintf("%.2f", perf.Rate(size, elapsed)),
	}).Info("downloaded")

	e.state.stats.FilesDownloaded++
	e.state.stats.BytesDownloaded += size
	e.state.stats.DownloadTime += elapsed
	e.state.total++
	metrics.RecordFileDownloaded()
	if m := perf.MetricsFromContext(ctx); m != nil {
		m.RecordTransfer(size, elapsed)
	}

	if o.InTransferList {
		if err := e.deps.Device.NotifyFileAcquisition(ctx, o.Handle, false); err != nil {
			return fmt.Errorf("failed to notify acquisition end: %w", err)
		}
	}

	if e.deps.History != nil {
		entry := database.HistoryEntry{
			CameraID:    e.cfg.CameraID,
			HistoryKey:  key,
			Filename:    o.Info.Filename + e.cfg.Action.LocalSuffix(),
			CaptureDate: o.Info.CaptureDate,
			SizeBytes:   int64(o.Info.CompressedSize),
			LocalPath:   path,
			RunID:       e.cfg.RunID,
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			entry.TraceID = sc.TraceID().String()
		}
		if err := e.deps.History.RecordDownload(ctx, entry); err != nil {
			return fmt.Errorf("failed to record download history: %w", err)
		}
	}

	if t := o.CaptureTime(); !t.IsZero() {
		if err := os.Chtimes(path, t, t); err != nil {
			log.WithError(err).Warn("failed to set file time to capture time")
		}
	}

	if e.deps.Mirror != nil {
		if err := e.deps.Mirror.Mirror(ctx, path, filepath.Base(path)); err != nil {
			log.WithError(err).Warn("failed to mirror downloaded file")
		}
	}

	if e.deps.Hook != nil {
		fields := e.templateFields(cat, o, path)
		if err := e.deps.Hook.Run(ctx, o.Info.Filename, fields, e.deps.KeepAlive); err != nil {
			return err
		}
	}
	return nil
}

// templateFields returns the fields describing o stored at path.
func (e *Engine) templateFields(cat *catalog.Catalog, o *catalog.Object, path string) Fields {
	f := Fields{}
	for k, v := range e.cfg.Fields {
		f[k] = v
	}
	dir, file := filepath.Split(path)
	f[FieldFilename] = file
	f[FieldPath] = filepath.Clean(dir)
	f[FieldPathFilename] = path
	f[FieldCaptureFilename] = o.Info.Filename
	f[FieldCameraFolder] = cat.ImmediateDirectory(o)
	f[FieldDownloadNumber] = strconv.Itoa(e.state.total)
	if t := o.CaptureTime(); !t.IsZero() {
		f[FieldCaptureDate] = t.Format("20060102")
	}
	return f
}
