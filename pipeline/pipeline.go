// Package pipeline runs one session attempt end to end: open the session,
// build the catalog from the object cache and the camera, list or download
// the passing objects and then watch for new captures.
//
// A Run holds everything that must survive a failed attempt. The catalog,
// the partial transfers recorded on its objects and the download position
// are reused by the next attempt so that an interrupted transfer resumes
// where it stopped.
//
// # Usage Example
//
//	run := pipeline.New(cfg, deps)
//	for {
//	    err := run.Attempt(ctx)
//	    if err == nil || !retryable(err) {
//	        return err
//	    }
//	}
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/camxfer"
	"github.com/superfly/camxfer/catalog"
	"github.com/superfly/camxfer/download"
	"github.com/superfly/camxfer/metrics"
	"github.com/superfly/camxfer/objcache"
	"github.com/superfly/camxfer/perf"
	"github.com/superfly/camxfer/ptpip"
	"github.com/superfly/camxfer/realtime"
	"github.com/superfly/camxfer/session"
)

// ErrNoTransferList is returned when the transfer list is required but the
// camera offered none and there is no real-time phase to wait in.
var ErrNoTransferList = errors.New("camera has no transfer list")

// TransferListMode controls the use of the camera's transfer list, the
// objects the user marked for transfer on the camera.
type TransferListMode string

const (
	// TransferListUseIfAvailable downloads only the listed objects when the
	// camera offers a list, and everything passing the filter otherwise
	TransferListUseIfAvailable TransferListMode = "useifavail"

	// TransferListRequired ends the run when the camera offers no list
	TransferListRequired TransferListMode = "exitifnotavail"

	// TransferListIgnore never asks for the list
	TransferListIgnore TransferListMode = "ignore"
)

// ParseTransferListMode parses a transfer list mode name.
func ParseTransferListMode(s string) (TransferListMode, error) {
	switch m := TransferListMode(strings.ToLower(s)); m {
	case TransferListUseIfAvailable, TransferListRequired, TransferListIgnore:
		return m, nil
	}
	return "", fmt.Errorf("unknown transfer list mode %q", s)
}

// Config configures a run.
type Config struct {
	Session  session.Config
	Download download.Config

	// MetadataDir holds the per-camera object cache
	MetadataDir string

	// Object cache settings; the path is derived from the camera id
	CacheMode        objcache.Mode
	CacheMaxAge      time.Duration
	CacheValidateAll bool

	TransferList TransferListMode
	Filter       catalog.Filter

	RealtimeMode   camxfer.RealtimeMode
	RealtimeMethod camxfer.RealtimeMethod
	Realtime       realtime.Config

	// CatalogDeadline forces the catalog build in real-time-only mode once
	// this much time passed since the run started. New captures are only
	// recognized against a complete catalog.
	CatalogDeadline time.Duration

	// ClockSkew backdates the capture date filter of the pass that precedes
	// real-time, for camera clocks running behind the host
	ClockSkew time.Duration

	// ListOutput receives the listfiles report
	ListOutput io.Writer

	Logger logrus.FieldLogger
}

// DefaultConfig returns the default configuration for a camera at address
// downloading to outputDir.
func DefaultConfig(address, outputDir, metadataDir string) Config {
	return Config{
		Session:         session.DefaultConfig(address),
		Download:        download.DefaultConfig(outputDir),
		MetadataDir:     metadataDir,
		CacheMode:       objcache.ModeEnabled,
		TransferList:    TransferListUseIfAvailable,
		RealtimeMode:    camxfer.RealtimeDisabled,
		Realtime:        realtime.DefaultConfig(0),
		CatalogDeadline: 5 * time.Second,
		ClockSkew:       35 * time.Second,
		ListOutput:      os.Stdout,
	}
}

// Dependencies are the collaborators shared by every attempt. All are
// optional.
type Dependencies struct {
	History  download.History
	Mirror   download.Mirror
	Hook     *download.ExecHook
	Progress download.ProgressFunc
	Metrics  *perf.RunMetrics

	// OnCamera is called once, when the first session identified the
	// camera. An error ends the attempt.
	OnCamera func(ctx context.Context, cameraID string) error
}

// Run is the state of one invocation across session attempts.
type Run struct {
	cfg     Config
	deps    Dependencies
	log     logrus.FieldLogger
	started time.Time

	device          *ptpip.DeviceInfo
	cameraID        string
	catalog         *catalog.Catalog
	retrieved       bool
	realtimeStarted bool
	knownHandles    []uint32
	transferList    TransferListMode
	filter          catalog.Filter
	order           camxfer.Order

	state *download.State
}

// New returns a run. The run's clock for the real-time skew and the
// catalog deadline starts now.
func New(cfg Config, deps Dependencies) *Run {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.ListOutput == nil {
		cfg.ListOutput = os.Stdout
	}
	if cfg.TransferList == "" {
		cfg.TransferList = TransferListUseIfAvailable
	}
	if cfg.RealtimeMode == "" {
		cfg.RealtimeMode = camxfer.RealtimeDisabled
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	if cfg.Download.Logger == nil {
		cfg.Download.Logger = cfg.Logger
	}
	return &Run{
		cfg:          cfg,
		deps:         deps,
		log:          cfg.Logger.WithField("component", "pipeline"),
		started:      time.Now(),
		catalog:      catalog.New(time.Local),
		transferList: cfg.TransferList,
		filter:       cfg.Filter,
		order:        cfg.Download.Order,
		state:        download.NewState(cfg.Logger),
	}
}

// Stats returns the download totals since the last reset.
func (r *Run) Stats() download.Stats {
	return r.state.Stats()
}

// TempFiles returns the registry of incomplete local files, removed by the
// caller when the run ends abnormally.
func (r *Run) TempFiles() *download.TempFiles {
	return r.state.Temp
}

// CameraID returns the id of the camera reached by the first successful
// session, or "".
func (r *Run) CameraID() string {
	return r.cameraID
}

// Attempt runs one session. Communication and protocol failures close the
// sockets without further device operations; any other outcome ends the
// session normally.
func (r *Run) Attempt(ctx context.Context) (err error) {
	if m := r.deps.Metrics; m != nil {
		m.RecordAttempt()
		ctx = perf.WithMetrics(ctx, m)
	}

	t := perf.Start("connect", r.log)
	s, err := session.Open(ctx, r.cfg.Session, r.device)
	r.recordPhase(perf.PhaseConnect, t.Stop())
	if err != nil {
		return err
	}
	defer func() { r.end(s, err) }()

	if r.device == nil {
		r.device = s.Device
		r.cameraID = s.CameraID()
		r.log.WithFields(logrus.Fields{
			"make":   s.Make.String(),
			"model":  s.Device.Model,
			"serial": s.Device.SerialNumber,
			"host":   s.Host,
		}).Info("connected to camera")
		if r.deps.OnCamera != nil {
			if err := r.deps.OnCamera(ctx, r.cameraID); err != nil {
				return err
			}
		}
	}

	if err := s.SyncClock(ctx); err != nil {
		return err
	}
	storage, err := s.SelectStorage(ctx)
	if err != nil {
		return err
	}
	if err := s.NotifyStart(ctx); err != nil {
		return err
	}

	if r.needCatalog() {
		t := perf.Start("catalog", r.log)
		err := r.buildCatalog(ctx, s, storage)
		r.recordPhase(perf.PhaseCatalog, t.Stop())
		if err != nil {
			return err
		}
		r.retrieved = true
	}

	if r.cfg.Download.Action == camxfer.ActionListFiles {
		return r.list(r.cfg.ListOutput, storage)
	}

	if r.retrieved {
		filter := r.filter
		if r.realtimeStarted || r.cfg.RealtimeMode == camxfer.RealtimeOnly {
			filter.Start = r.started.Add(-r.cfg.ClockSkew)
			filter.End = time.Time{}
		}
		t := perf.Start("download", r.log)
		err := r.engine(s).DownloadPassing(ctx, r.catalog, &filter, nil)
		r.recordPhase(perf.PhaseDownload, t.Stop())
		r.reportStats(r.realtimeStarted)
		if err != nil {
			return err
		}
	}

	if r.cfg.RealtimeMode == camxfer.RealtimeDisabled {
		return nil
	}
	t = perf.Start("realtime", r.log)
	err = r.runRealtime(ctx, s, storage)
	r.recordPhase(perf.PhaseRealtime, t.Stop())
	return err
}

// needCatalog reports whether this attempt builds the catalog. In
// real-time-only mode the initial catalog is skipped until either
// real-time started or the catalog deadline passed.
func (r *Run) needCatalog() bool {
	if !r.retrieved && r.cfg.RealtimeMode != camxfer.RealtimeOnly {
		return true
	}
	return r.realtimeStarted || time.Since(r.started) > r.cfg.CatalogDeadline
}

// end closes the session according to how the attempt finished.
func (r *Run) end(s *session.Session, err error) {
	switch ptpip.KindOf(err) {
	case ptpip.KindCommunication, ptpip.KindProtocol:
		s.Abort()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := s.Close(ctx); cerr != nil {
		r.log.WithError(cerr).Warn("failed to close session")
	}
	if s.Make == camxfer.MakeSony && !r.cfg.Session.CameraSleep {
		r.log.Warn("re-enter 'Send to Computer' on the camera to start another transfer")
	}
}

// buildCatalog adds the storage's objects to the catalog, using the
// validated object cache for unchanged objects and the camera's transfer
// list when one is offered.
func (r *Run) buildCatalog(ctx context.Context, s *session.Session, storage *session.Storage) error {
	full, err := s.Primary.GetObjectHandles(ctx, storage.ID)
	if err != nil {
		return fmt.Errorf("failed to get object handles: %w", err)
	}

	handles := full
	fromList := false
	if r.transferList != TransferListIgnore {
		list, ok, err := r.fetchTransferList(ctx, s)
		if err != nil {
			return err
		}
		if ok {
			handles, fromList = list, true
		} else if r.transferList == TransferListRequired {
			if r.cfg.RealtimeMode == camxfer.RealtimeDisabled {
				return ErrNoTransferList
			}
			r.log.Warn("camera has no transfer list, waiting for new captures only")
			return nil
		}
	}

	store := objcache.New(r.cacheConfig())
	cached, err := store.LoadValidated(ctx, s.Primary, full)
	if err != nil {
		return err
	}

	bcfg := catalog.DefaultBuildConfig()
	bcfg.Verify = store.Mode() == objcache.ModeVerify
	bcfg.Logger = r.cfg.Logger
	b := catalog.NewBuilder(r.catalog, s.Primary, cached, bcfg)
	progress := func(done, total int) {
		if done%100 == 0 || done == total {
			r.log.WithFields(logrus.Fields{"done": done, "total": total}).Debug("retrieving object info")
		}
	}
	if err := b.AddHandles(ctx, handles, progress); err != nil {
		return err
	}
	if fromList {
		for _, h := range handles {
			if o := r.catalog.Lookup(h); o != nil {
				o.InTransferList = true
			}
		}
	}

	stats := b.Stats()
	metrics.SetCatalogObjects(r.catalog.Len())
	r.log.WithFields(logrus.Fields{
		"objects":      r.catalog.Len(),
		"folders":      r.catalog.Folders(),
		"processed":    stats.Processed,
		"cache_hits":   stats.CacheHits,
		"cached":       cached.Len(),
		"transferlist": fromList,
	}).Info("catalog built")

	save := true
	if fromList {
		// A transfer list covers only part of the card; it replaces the
		// cache only when it fetched something new and is not much
		// smaller than what the cache holds.
		save = stats.CacheHits < stats.Processed && stats.Processed*2 >= cached.Len()
		r.knownHandles = nil
	} else {
		r.knownHandles = full
	}
	if save {
		if err := store.Save(r.catalog); err != nil {
			r.log.WithError(err).Warn("failed to save object cache")
		}
	}
	return nil
}

// fetchTransferList asks for the transfer list when the camera may offer
// one. A rejected request means there is no list.
func (r *Run) fetchTransferList(ctx context.Context, s *session.Session) ([]uint32, bool, error) {
	if !s.Device.Supports(ptpip.OpGetTransferList) && s.Make != camxfer.MakeNikon {
		return nil, false, nil
	}
	list, err := s.Primary.GetTransferList(ctx)
	if err != nil {
		if ptpip.KindOf(err) != ptpip.KindRejected {
			return nil, false, err
		}
		r.log.WithError(err).Debug("no transfer list")
		return nil, false, nil
	}
	r.log.WithField("count", len(list)).Info("using transfer list from camera")
	return list, true, nil
}

func (r *Run) cacheConfig() objcache.Config {
	cfg := objcache.DefaultConfig(r.cfg.MetadataDir, r.cameraID)
	if r.cfg.CacheMode != "" {
		cfg.Mode = r.cfg.CacheMode
	}
	if r.cfg.MetadataDir == "" {
		cfg.Mode = objcache.ModeDisabled
	}
	cfg.MaxAge = r.cfg.CacheMaxAge
	cfg.ValidateAll = r.cfg.CacheValidateAll
	cfg.Logger = r.cfg.Logger
	return cfg
}

// engine returns a download engine bound to the session.
func (r *Run) engine(s *session.Session) *download.Engine {
	cfg := r.cfg.Download
	cfg.Order = r.order
	cfg.CameraID = r.cameraID
	fields := download.Fields{}
	for k, v := range cfg.Fields {
		fields[k] = v
	}
	fields[download.FieldCameraMake] = s.Make.String()
	fields[download.FieldCameraModel] = s.Device.Model
	fields[download.FieldCameraSerial] = s.Device.SerialNumber
	cfg.Fields = fields

	return download.New(cfg, download.Dependencies{
		Device:    s.Primary,
		History:   r.deps.History,
		Mirror:    r.deps.Mirror,
		Hook:      r.deps.Hook,
		Progress:  r.deps.Progress,
		KeepAlive: s.KeepAlive,
	}, r.state)
}

// runRealtime switches the run into real-time mode and runs the strategy
// for the camera until ctx is done or the strategy fails.
func (r *Run) runRealtime(ctx context.Context, s *session.Session, storage *session.Storage) error {
	r.filter.ClearDates()
	r.transferList = TransferListIgnore
	r.order = camxfer.OrderOldestFirst
	r.state.ResetStats()
	r.realtimeStarted = true

	method := r.cfg.RealtimeMethod
	if method == camxfer.RealtimeAuto {
		method = camxfer.DefaultRealtimeMethod(s.Make)
	}

	bcfg := catalog.DefaultBuildConfig()
	bcfg.Logger = r.cfg.Logger
	rcfg := r.cfg.Realtime
	rcfg.StorageID = storage.ID
	rcfg.KnownHandles = r.knownHandles
	if rcfg.Logger == nil {
		rcfg.Logger = r.cfg.Logger
	}
	strategy, err := realtime.New(method, s.Primary, realtime.Env{
		Catalog:  r.catalog,
		Builder:  catalog.NewBuilder(r.catalog, s.Primary, nil, bcfg),
		Filter:   &r.filter,
		Download: r.engine(s),
	}, rcfg)
	if err != nil {
		return err
	}
	err = strategy.Run(ctx)
	r.reportStats(true)
	return err
}

// reportStats logs the totals since the last reset. With quiet set
// nothing is logged when nothing was downloaded.
func (r *Run) reportStats(quiet bool) {
	st := r.state.Stats()
	if quiet && st.FilesDownloaded == 0 {
		return
	}
	fields := logrus.Fields{
		"files":            st.FilesDownloaded,
		"bytes":            st.BytesDownloaded,
		"skipped_history":  st.SkippedHistory,
		"skipped_existing": st.SkippedExisting,
		"deleted":          st.DeletedOnDevice,
	}
	if st.DownloadTime > 0 {
		fields["mb_per_sec"] = fmt.Sprintf("%.2f", perf.Rate(st.BytesDownloaded, st.DownloadTime))
	}
	r.log.WithFields(fields).Info("download summary")
}

func (r *Run) recordPhase(p perf.Phase, d time.Duration) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordPhase(p, d)
	}
}
