package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/superfly/camxfer/metrics"
	"github.com/superfly/camxfer/ptpip"
)

// ErrCacheMismatch is returned in verify mode when a cached object info
// differs from the one the device reports.
var ErrCacheMismatch = errors.New("object cache mismatch")

// InfoFetcher retrieves object metadata from the device.
type InfoFetcher interface {
	GetObjectInfo(ctx context.Context, handle uint32) (ptpip.ObjectInfo, error)
}

// CachedInfo is a validated set of object infos from a previous session.
type CachedInfo interface {
	Lookup(handle uint32) (ptpip.ObjectInfo, bool)
	Len() int
}

// RetryPolicy bounds the retries of a GetObjectInfo the device rejects.
// Cameras answer with an error for a short time after an object is created.
type RetryPolicy struct {
	Interval time.Duration
	Timeout  time.Duration

	// Logger receives the retry notices (default: the standard logger)
	Logger logrus.FieldLogger
}

// DefaultRetryPolicy retries every 250ms for up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Interval: 250 * time.Millisecond, Timeout: 5 * time.Second}
}

// NoRetry makes FetchInfo give up on the first failure.
var NoRetry = RetryPolicy{}

// FetchInfo fetches the info of handle, retrying device rejections under
// policy. Communication and protocol failures are returned immediately.
func FetchInfo(ctx context.Context, dev InfoFetcher, handle uint32, policy RetryPolicy) (ptpip.ObjectInfo, error) {
	var info ptpip.ObjectInfo
	op := func() error {
		var err error
		info, err = dev.GetObjectInfo(ctx, handle)
		if err == nil {
			return nil
		}
		if ptpip.KindOf(err) != ptpip.KindRejected {
			return backoff.Permanent(err)
		}
		return err
	}

	if policy.Interval <= 0 || policy.Timeout <= 0 {
		return dev.GetObjectInfo(ctx, handle)
	}

	retries := uint64(policy.Timeout / policy.Interval)
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Interval), retries), ctx)
	log := policy.Logger
	if log == nil {
		log = logrus.StandardLogger().WithField("component", "catalog")
	}
	notify := func(err error, next time.Duration) {
		log.WithField("handle", fmt.Sprintf("0x%08x", handle)).WithError(err).Debug("GetObjectInfo rejected, retrying")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return ptpip.ObjectInfo{}, err
	}
	return info, nil
}

// BuildConfig configures a Builder.
type BuildConfig struct {
	// Verify fetches every object from the device even when cached and
	// fails with ErrCacheMismatch if the copies differ
	Verify bool

	// Retry policy for GetObjectInfo
	Retry RetryPolicy

	// MaxDepth guards the recursive creation of ancestor folders
	MaxDepth int

	// Logger for build progress
	Logger logrus.FieldLogger
}

// DefaultBuildConfig returns the default build configuration.
func DefaultBuildConfig() BuildConfig {
	return BuildConfig{
		Retry:    DefaultRetryPolicy(),
		MaxDepth: 100,
	}
}

// BuildStats counts the work done by a Builder.
type BuildStats struct {
	Processed       int
	CacheHits       int
	AlreadyExisting int
}

// ProgressFunc reports catalog build progress: handles done out of total.
type ProgressFunc func(done, total int)

// Builder populates a catalog from device handles, creating the ancestor
// folders of every object before the object itself.
type Builder struct {
	cat    *Catalog
	dev    InfoFetcher
	cached CachedInfo
	cfg    BuildConfig
	log    logrus.FieldLogger
	stats  BuildStats
	depth  int
}

// NewBuilder returns a builder adding objects to cat. cached may be nil.
func NewBuilder(cat *Catalog, dev InfoFetcher, cached CachedInfo, cfg BuildConfig) *Builder {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 100
	}
	log := cfg.Logger.WithField("component", "catalog")
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = log
	}
	return &Builder{
		cat:    cat,
		dev:    dev,
		cached: cached,
		cfg:    cfg,
		log:    log,
	}
}

// Stats returns the counts accumulated so far.
func (b *Builder) Stats() BuildStats {
	return b.stats
}

// AddHandles adds every handle in order.
func (b *Builder) AddHandles(ctx context.Context, handles []uint32, progress ProgressFunc) error {
	for i, h := range handles {
		if progress != nil {
			progress(i, len(handles))
		}
		if _, err := b.Add(ctx, h); err != nil {
			return err
		}
	}
	if progress != nil {
		progress(len(handles), len(handles))
	}
	metrics.SetCatalogObjects(b.cat.Len())
	return nil
}

// Add returns the object for handle, creating it and any missing ancestor
// folders first.
func (b *Builder) Add(ctx context.Context, handle uint32) (*Object, error) {
	return b.add(ctx, handle, nil)
}

// AddWithInfo is Add for an object whose info the caller already fetched.
func (b *Builder) AddWithInfo(ctx context.Context, handle uint32, info ptpip.ObjectInfo) (*Object, error) {
	return b.add(ctx, handle, &info)
}

func (b *Builder) add(ctx context.Context, handle uint32, known *ptpip.ObjectInfo) (*Object, error) {
	b.depth++
	defer func() { b.depth-- }()
	if b.depth >= b.cfg.MaxDepth {
		return nil, fmt.Errorf("recursive loop detected while building directory tree at handle 0x%08x", handle)
	}

	if o := b.cat.Lookup(handle); o != nil {
		b.stats.AlreadyExisting++
		b.stats.Processed++
		return o, nil
	}

	var info ptpip.ObjectInfo
	var inCache bool
	if known != nil {
		info = *known
	} else {
		var cachedInfo ptpip.ObjectInfo
		if b.cached != nil {
			cachedInfo, inCache = b.cached.Lookup(handle)
		}
		if inCache && !b.cfg.Verify {
			info = cachedInfo
		} else {
			fetched, err := FetchInfo(ctx, b.dev, handle, b.cfg.Retry)
			if err != nil {
				return nil, fmt.Errorf("failed to get info for handle 0x%08x: %w", handle, err)
			}
			if inCache && fetched != cachedInfo {
				b.log.WithFields(logrus.Fields{
					"handle":          fmt.Sprintf("0x%08x", handle),
					"cached":          cachedInfo.Filename,
					"device":          fetched.Filename,
					"cached_modified": cachedInfo.ModificationDate,
					"device_modified": fetched.ModificationDate,
				}).Error("Object cache mismatch")
				return nil, fmt.Errorf("%w for %q vs %q", ErrCacheMismatch, fetched.Filename, cachedInfo.Filename)
			}
			info = fetched
		}
	}

	if info.ParentObject != 0 && b.cat.Lookup(info.ParentObject) == nil {
		b.log.WithFields(logrus.Fields{
			"handle": fmt.Sprintf("0x%08x", handle),
			"parent": fmt.Sprintf("0x%08x", info.ParentObject),
		}).Debugf("Fetching parent folder of %s", info.Filename)
		if _, err := b.add(ctx, info.ParentObject, nil); err != nil {
			return nil, err
		}
	}

	o, err := b.cat.Insert(handle, info)
	if err != nil {
		return nil, err
	}
	if inCache {
		b.stats.CacheHits++
	}
	b.stats.Processed++
	return o, nil
}
