// Package objcache persists the object catalog across sessions.
//
// Fetching the info of every object is the slowest part of connecting to a
// camera, so the infos from the previous session are saved per camera and
// reused. Device handles are not guaranteed to survive a power cycle or a
// card swap, so a loaded cache is checked against the device before use:
// every cached folder must still exist under the same handle with identical
// info. Cameras have been observed to never touch a folder's timestamps when
// files are added below it, while a reformatted or swapped card produces
// folders with new timestamps. One mismatch discards the whole cache.
//
// The cache is an optimization only. Every read or write failure degrades
// to "no cache" and is never fatal to the run.
package objcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/sirupsen/logrus"

	"github.com/superfly/camxfer"
	"github.com/superfly/camxfer/catalog"
	"github.com/superfly/camxfer/metrics"
	"github.com/superfly/camxfer/ptpip"
)

// Mode controls how the cache is used.
type Mode string

const (
	// ModeEnabled loads and saves the cache
	ModeEnabled Mode = "enabled"

	// ModeDisabled neither loads nor saves
	ModeDisabled Mode = "disabled"

	// ModeReadOnly loads but never saves
	ModeReadOnly Mode = "readonly"

	// ModeWriteOnly saves but ignores an existing cache
	ModeWriteOnly Mode = "writeonly"

	// ModeVerify loads the cache, fetches every object anyway and fails on
	// any difference
	ModeVerify Mode = "verify"
)

// ParseMode parses a cache mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeEnabled, ModeDisabled, ModeReadOnly, ModeWriteOnly, ModeVerify:
		return m, nil
	}
	return "", fmt.Errorf("unknown object cache mode %q", s)
}

// Suffix names the cache file next to the other per-camera metadata.
const Suffix = "objinfocache"

// Config configures a Store.
type Config struct {
	// Path of the cache file (see camxfer.MetadataPath)
	Path string

	// Mode of operation
	Mode Mode

	// MaxAge discards caches at least this old. Zero disables the check.
	MaxAge time.Duration

	// ValidateAll checks every cached object against the device instead of
	// folders only, for cameras that do not match the folder assumption
	ValidateAll bool

	// Retry policy for the validation GetObjectInfo requests
	Retry catalog.RetryPolicy

	// Logger for cache events
	Logger logrus.FieldLogger
}

// DefaultConfig returns the cache configuration for a camera whose
// metadata lives in dir.
func DefaultConfig(dir, cameraID string) Config {
	return Config{
		Path:  camxfer.MetadataPath(dir, cameraID, Suffix),
		Mode:  ModeEnabled,
		Retry: catalog.DefaultRetryPolicy(),
	}
}

// Store reads and writes the cache file of one camera.
type Store struct {
	cfg Config
	log logrus.FieldLogger
	now func() time.Time
}

// New returns a store for cfg.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeEnabled
	}
	log := cfg.Logger.WithFields(logrus.Fields{"component": "objcache", "path": cfg.Path})
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = log
	}
	return &Store{
		cfg: cfg,
		log: log,
		now: time.Now,
	}
}

// Mode returns the configured mode.
func (s *Store) Mode() Mode {
	return s.cfg.Mode
}

// Save writes every object of cat, oldest first. A failed write leaves no
// file behind.
func (s *Store) Save(cat *catalog.Catalog) error {
	if s.cfg.Mode == ModeDisabled || s.cfg.Mode == ModeReadOnly {
		return nil
	}

	snap := &Snapshot{SavedAt: s.now()}
	err := cat.Each(nil, camxfer.OrderOldestFirst, func(o *catalog.Object) error {
		snap.Handles = append(snap.Handles, o.Handle)
		snap.Infos = append(snap.Infos, o.Info)
		return nil
	})
	if err != nil {
		return err
	}

	if err := writeAtomic(s.cfg.Path, encodeFile(snap)); err != nil {
		s.log.WithError(err).Error("Failed to write object cache, cache will not be available next session")
		os.Remove(s.cfg.Path)
		return fmt.Errorf("failed to save object cache: %w", err)
	}
	s.log.WithField("objects", len(snap.Handles)).Debug("Saved object cache")
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// Load reads the cache file. It returns nil when there is no usable cache:
// the mode ignores it, the file is missing, corrupt (it is then deleted) or
// too old.
func (s *Store) Load() *Snapshot {
	if s.cfg.Mode == ModeDisabled || s.cfg.Mode == ModeWriteOnly {
		return nil
	}
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.WithError(err).Error("I/O error reading object cache")
			metrics.RecordCacheLoad("io_error")
		} else {
			metrics.RecordCacheLoad("missing")
		}
		return nil
	}

	snap, err := decodeFile(data)
	if err != nil {
		s.log.WithError(err).Error("Object cache is corrupt - will delete and ignore")
		os.Remove(s.cfg.Path)
		metrics.RecordCacheLoad("corrupt")
		return nil
	}
	if len(snap.Handles) != len(snap.Infos) {
		metrics.RecordCacheLoad("corrupt")
		return nil
	}

	age := s.now().Sub(snap.SavedAt)
	s.log.WithFields(logrus.Fields{
		"objects": len(snap.Handles),
		"age":     age.Round(time.Second).String(),
	}).Info("Loaded object cache")
	if s.cfg.MaxAge > 0 && age >= s.cfg.MaxAge {
		s.log.WithField("max_age", s.cfg.MaxAge.String()).Info("Discarding object cache due to age")
		metrics.RecordCacheLoad("expired")
		return nil
	}
	return snap
}

// Validated is a cache that passed validation against the device, keyed by
// handle. It implements catalog.CachedInfo.
type Validated struct {
	infos *immutable.Map[uint32, ptpip.ObjectInfo]
}

// Lookup returns the cached info of handle.
func (v *Validated) Lookup(handle uint32) (ptpip.ObjectInfo, bool) {
	if v == nil {
		return ptpip.ObjectInfo{}, false
	}
	return v.infos.Get(handle)
}

// Len returns the number of cached objects.
func (v *Validated) Len() int {
	if v == nil {
		return 0
	}
	return v.infos.Len()
}

// LoadValidated loads the cache and checks it against the device, given the
// device's current full handle list. It returns nil with a nil error when
// there is no cache or it is stale. Only failures that end the session
// (communication, protocol, cancellation) are returned as errors.
func (s *Store) LoadValidated(ctx context.Context, dev catalog.InfoFetcher, current []uint32) (*Validated, error) {
	snap := s.Load()
	if snap == nil {
		return nil, nil
	}

	present := make(map[uint32]struct{}, len(current))
	for _, h := range current {
		present[h] = struct{}{}
	}

	b := immutable.NewMapBuilder[uint32, ptpip.ObjectInfo](nil)
	for i, handle := range snap.Handles {
		cached := snap.Infos[i]
		b.Set(handle, cached)
		if !cached.IsFolder() && !s.cfg.ValidateAll {
			continue
		}

		log := s.log.WithFields(logrus.Fields{"handle": fmt.Sprintf("0x%08x", handle), "filename": cached.Filename})
		if _, ok := present[handle]; !ok {
			log.Info("Cached object no longer exists on device, discarding object cache")
			metrics.RecordCacheLoad("stale")
			return nil, nil
		}
		fresh, err := catalog.FetchInfo(ctx, dev, handle, s.cfg.Retry)
		if err != nil {
			if ptpip.KindOf(err) == ptpip.KindRejected {
				log.WithError(err).Info("Cached object validation failed, discarding object cache")
				metrics.RecordCacheLoad("stale")
				return nil, nil
			}
			return nil, fmt.Errorf("failed to validate object cache: %w", err)
		}
		if fresh != cached {
			log.WithFields(logrus.Fields{
				"cached_modified": cached.ModificationDate,
				"device_modified": fresh.ModificationDate,
			}).Info("Cached object differs from device, discarding object cache")
			metrics.RecordCacheLoad("stale")
			return nil, nil
		}
	}
	metrics.RecordCacheLoad("valid")
	return &Validated{infos: b.Map()}, nil
}
