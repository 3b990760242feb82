// Package realtime picks up objects the camera creates while a session is
// open and hands them to the download engine.
//
// Three strategies exist. Nikon bodies queue object-added events that are
// drained with a vendor operation. Other bodies are polled, either by
// comparing the full handle list or by watching the object count. Sony
// bodies accept a single session per 'Send to Computer' activation, so the
// vendor-exit strategy ends the session and asks the caller to wait for the
// user to re-arm transfer mode.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/camxfer"
	"github.com/superfly/camxfer/catalog"
	"github.com/superfly/camxfer/metrics"
	"github.com/superfly/camxfer/ptpip"
	"github.com/superfly/camxfer/session"
)

// ErrReenter is returned by the vendor-exit strategy: the session is done
// and a new one must be started once the user re-enters transfer mode.
var ErrReenter = errors.New("transfer session done, waiting for transfer mode to be re-entered on the camera")

// Device is the subset of the device operations the strategies use.
type Device interface {
	catalog.InfoFetcher
	GetNikonEvents(ctx context.Context) ([]ptpip.Event, error)
	GetObjectHandles(ctx context.Context, storageID uint32) ([]uint32, error)
	GetNumObjects(ctx context.Context, storageID uint32) (uint32, error)
}

// Downloader downloads the objects of a catalog that pass a filter,
// starting at start (nil resumes after the last object handled).
type Downloader interface {
	DownloadPassing(ctx context.Context, cat *catalog.Catalog, filter *catalog.Filter, start *catalog.Object) error
}

// Strategy watches for new objects until ctx is done or a failure occurs.
type Strategy interface {
	Run(ctx context.Context) error
}

// Detection selects how the polling strategy notices new objects.
type Detection string

const (
	// DetectObjectList fetches the full handle list every interval. It
	// notices a delete followed by a capture, which leaves the count unchanged.
	DetectObjectList Detection = "objlist"

	// DetectObjectCount fetches the object count and the handle list only
	// when the count changed
	DetectObjectCount Detection = "numobjs"
)

// ParseDetection parses a detection method name.
func ParseDetection(s string) (Detection, error) {
	switch d := Detection(strings.ToLower(s)); d {
	case DetectObjectList, DetectObjectCount:
		return d, nil
	}
	return "", fmt.Errorf("unknown new object detection %q", s)
}

// Config configures a strategy.
type Config struct {
	// StorageID is the storage selected for the session
	StorageID uint32

	// PollInterval is the wait between checks that found nothing new
	PollInterval time.Duration

	// Detection is the polling strategy's detection method
	Detection Detection

	// KnownHandles is the handle list the last catalog build processed.
	// When empty the polling strategy fetches its own baseline.
	KnownHandles []uint32

	// Logger for real-time logging
	Logger logrus.FieldLogger
}

// DefaultConfig returns the default real-time configuration.
func DefaultConfig(storageID uint32) Config {
	return Config{
		StorageID:    storageID,
		PollInterval: 3 * time.Second,
		Detection:    DetectObjectList,
	}
}

// Env is the state the strategies add new objects to.
type Env struct {
	Catalog  *catalog.Catalog
	Builder  *catalog.Builder
	Filter   *catalog.Filter
	Download Downloader
}

// New returns the strategy for method, which must not be RealtimeAuto.
func New(method camxfer.RealtimeMethod, dev Device, env Env, cfg Config) (Strategy, error) {
	def := DefaultConfig(cfg.StorageID)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Detection == "" {
		cfg.Detection = def.Detection
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	log := cfg.Logger.WithFields(logrus.Fields{"component": "realtime", "method": string(method)})

	switch method {
	case camxfer.RealtimeNikonEvents:
		return &EventStrategy{dev: dev, env: env, cfg: cfg, log: log}, nil
	case camxfer.RealtimePolling:
		return &PollingStrategy{dev: dev, env: env, cfg: cfg, log: log}, nil
	case camxfer.RealtimeVendorExit:
		return &VendorExitStrategy{log: log}, nil
	}
	return nil, fmt.Errorf("unsupported realtime method %q", method)
}

// EventStrategy drains the Nikon vendor event queue for object-added
// events.
type EventStrategy struct {
	dev Device
	env Env
	cfg Config
	log logrus.FieldLogger
}

// Run polls the event queue until ctx is done.
func (s *EventStrategy) Run(ctx context.Context) error {
	s.log.Info("waiting for new captures")
	for {
		events, err := s.dev.GetNikonEvents(ctx)
		if err != nil {
			return fmt.Errorf("failed to get events: %w", err)
		}

		var first *catalog.Object
		added := 0
		for _, ev := range events {
			if ev.Code != ptpip.EventObjectAdded {
				continue
			}
			o, err := s.add(ctx, ev.Param)
			if err != nil {
				return err
			}
			if o == nil || o.IsFolder() {
				continue
			}
			added++
			if first == nil {
				first = o
			}
		}

		if added > 0 {
			metrics.RecordRealtimeObjects(added)
			s.log.WithField("count", added).Info("new captures")
			if err := s.env.Download.DownloadPassing(ctx, s.env.Catalog, s.env.Filter, first); err != nil {
				return err
			}
			continue
		}
		if err := sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// add creates the object for an object-added event. It returns nil for
// known handles and for objects on a card outside the session's storage.
func (s *EventStrategy) add(ctx context.Context, handle uint32) (*catalog.Object, error) {
	log := s.log.WithField("handle", fmt.Sprintf("0x%08x", handle))
	if s.env.Catalog.Lookup(handle) != nil {
		log.Debug("object already exists, skipping")
		return nil, nil
	}
	policy := catalog.DefaultRetryPolicy()
	policy.Logger = s.log
	info, err := catalog.FetchInfo(ctx, s.dev, handle, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to get info for new object 0x%08x: %w", handle, err)
	}
	if s.cfg.StorageID != session.StorageAll && info.StorageID != s.cfg.StorageID {
		log.WithField("filename", info.Filename).Debug("ignoring object outside the selected slot")
		return nil, nil
	}
	return s.env.Builder.AddWithInfo(ctx, handle, info)
}

// PollingStrategy compares the device's handle list with the last one
// seen and downloads the difference.
type PollingStrategy struct {
	dev Device
	env Env
	cfg Config
	log logrus.FieldLogger
}

// Run polls until ctx is done.
func (s *PollingStrategy) Run(ctx context.Context) error {
	known := s.cfg.KnownHandles
	if len(known) == 0 {
		var err error
		known, err = s.dev.GetObjectHandles(ctx, s.cfg.StorageID)
		if err != nil {
			return fmt.Errorf("failed to get object handles: %w", err)
		}
		s.log.WithField("count", len(known)).Debug("initial object list")
	}

	s.log.WithField("detection", string(s.cfg.Detection)).Info("waiting for new captures")
	for {
		check := s.cfg.Detection == DetectObjectList
		if !check {
			n, err := s.dev.GetNumObjects(ctx, s.cfg.StorageID)
			if err != nil {
				return fmt.Errorf("failed to get object count: %w", err)
			}
			if int(n) != len(known) {
				s.log.WithFields(logrus.Fields{"previous": len(known), "current": n}).Debug("object count changed")
				check = true
			}
		}

		if check {
			current, err := s.dev.GetObjectHandles(ctx, s.cfg.StorageID)
			if err != nil {
				return fmt.Errorf("failed to get object handles: %w", err)
			}
			added := difference(current, known)
			known = current
			if len(added) > 0 {
				s.log.WithField("count", len(added)).Info("new objects")
				metrics.RecordRealtimeObjects(len(added))
				if err := s.env.Builder.AddHandles(ctx, added, nil); err != nil {
					return err
				}
				if err := s.env.Download.DownloadPassing(ctx, s.env.Catalog, s.env.Filter, nil); err != nil {
					return err
				}
				continue
			}
		}
		if err := sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// difference returns the handles of current missing from previous, in
// device order.
func difference(current, previous []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(previous))
	for _, h := range previous {
		seen[h] = struct{}{}
	}
	var out []uint32
	for _, h := range current {
		if _, ok := seen[h]; !ok {
			out = append(out, h)
		}
	}
	return out
}

// VendorExitStrategy ends the session at once. The caller closes the
// session, which puts a Sony body to sleep, and retries.
type VendorExitStrategy struct {
	log logrus.FieldLogger
}

// Run returns ErrReenter.
func (s *VendorExitStrategy) Run(context.Context) error {
	s.log.Info("transfer session done, entering staged realtime wait for new images")
	return ErrReenter
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
