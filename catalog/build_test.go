// build_test.go - Tests for catalog building, cache hits and info retries.

package catalog

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/camxfer"
	"github.com/superfly/camxfer/ptpip"
	"github.com/superfly/camxfer/ptpip/ptpiptest"
)

// fakeFetcher serves infos from a map and can fail a number of times first.
type fakeFetcher struct {
	infos    map[uint32]ptpip.ObjectInfo
	failures map[uint32][]error
	calls    map[uint32]int
}

func newFakeFetcher(infos map[uint32]ptpip.ObjectInfo) *fakeFetcher {
	return &fakeFetcher{infos: infos, failures: map[uint32][]error{}, calls: map[uint32]int{}}
}

func (f *fakeFetcher) GetObjectInfo(ctx context.Context, handle uint32) (ptpip.ObjectInfo, error) {
	f.calls[handle]++
	if errs := f.failures[handle]; len(errs) > 0 {
		f.failures[handle] = errs[1:]
		return ptpip.ObjectInfo{}, errs[0]
	}
	info, ok := f.infos[handle]
	if !ok {
		return ptpip.ObjectInfo{}, &ptpip.OpError{Op: ptpip.OpGetObjectInfo, Code: ptpip.RespInvalidObjectHandle}
	}
	return info, nil
}

// mapCache is a CachedInfo backed by a map.
type mapCache map[uint32]ptpip.ObjectInfo

func (m mapCache) Lookup(h uint32) (ptpip.ObjectInfo, bool) {
	info, ok := m[h]
	return info, ok
}

func (m mapCache) Len() int { return len(m) }

func TestBuild_ThreeObjects(t *testing.T) {
	cam := ptpiptest.NewCamera()
	cam.AddObject(0x10, folder("100ABC", 0), nil)
	cam.AddObject(0x20, file("DSC_0002.JPG", 0x10, "20150804T120930"), []byte("second"))
	cam.AddObject(0x30, file("DSC_0001.JPG", 0x10, "20150804T120900"), []byte("first"))
	conn := cam.Pipe(t)

	ctx := context.Background()
	handles, err := conn.GetObjectHandles(ctx, cam.StorageID)
	if err != nil {
		t.Fatalf("GetObjectHandles: %v", err)
	}

	cat := New(time.UTC)
	b := NewBuilder(cat, conn, nil, DefaultBuildConfig())
	if err := b.AddHandles(ctx, handles, nil); err != nil {
		t.Fatalf("AddHandles: %v", err)
	}
	if cat.Len() != 3 {
		t.Fatalf("Len = %d, want 3", cat.Len())
	}
	stats := b.Stats()
	if stats.Processed != 3 || stats.CacheHits != 0 || stats.AlreadyExisting != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	var files []string
	for o := cat.Oldest(); o != nil; o = cat.Next(o, camxfer.OrderOldestFirst) {
		if o.IsFolder() {
			continue
		}
		dir, err := cat.DirectoryPath(o)
		if err != nil {
			t.Fatalf("DirectoryPath: %v", err)
		}
		if dir != "100ABC" {
			t.Fatalf("DirectoryPath(%s) = %q", o.Info.Filename, dir)
		}
		files = append(files, o.Info.Filename)
	}
	if len(files) != 2 || files[0] != "DSC_0001.JPG" || files[1] != "DSC_0002.JPG" {
		t.Fatalf("files in capture order = %v", files)
	}
}

func TestBuild_ParentsFirst(t *testing.T) {
	dev := newFakeFetcher(map[uint32]ptpip.ObjectInfo{
		1: folder("DCIM", 0),
		2: folder("100NCD72", 1),
		3: file("DSC_0001.JPG", 2, "20150804T120900"),
	})
	cat := New(time.UTC)
	b := NewBuilder(cat, dev, nil, DefaultBuildConfig())

	if err := b.AddHandles(context.Background(), []uint32{3, 2, 1}, nil); err != nil {
		t.Fatalf("AddHandles: %v", err)
	}
	if cat.Len() != 3 {
		t.Fatalf("Len = %d, want 3", cat.Len())
	}
	stats := b.Stats()
	if stats.Processed != 5 || stats.AlreadyExisting != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	for h, n := range dev.calls {
		if n != 1 {
			t.Fatalf("handle %d fetched %d times", h, n)
		}
	}
}

func TestBuild_DepthGuard(t *testing.T) {
	infos := map[uint32]ptpip.ObjectInfo{}
	for h := uint32(1); h <= 20; h++ {
		infos[h] = folder("F", h+1)
	}
	infos[21] = folder("TOP", 0)
	cfg := DefaultBuildConfig()
	cfg.MaxDepth = 10
	b := NewBuilder(New(time.UTC), newFakeFetcher(infos), nil, cfg)
	if _, err := b.Add(context.Background(), 1); err == nil {
		t.Fatalf("expected recursion guard error")
	}
}

func TestBuild_Cache(t *testing.T) {
	device := map[uint32]ptpip.ObjectInfo{
		1: folder("100ABC", 0),
		2: file("A.JPG", 1, "20150804T120900"),
	}
	changed := device[2]
	changed.CompressedSize = 2000

	tests := []struct {
		name      string
		cached    mapCache
		verify    bool
		wantErr   error
		wantHits  int
		wantCalls int
	}{
		{"hits", mapCache{1: device[1], 2: device[2]}, false, nil, 2, 0},
		{"partial hits", mapCache{1: device[1]}, false, nil, 1, 1},
		{"verify equal", mapCache{1: device[1], 2: device[2]}, true, nil, 2, 2},
		{"verify mismatch", mapCache{1: device[1], 2: changed}, true, ErrCacheMismatch, 0, 0},
		{"stale hit used", mapCache{1: device[1], 2: changed}, false, nil, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeFetcher(device)
			cfg := DefaultBuildConfig()
			cfg.Verify = tt.verify
			b := NewBuilder(New(time.UTC), dev, tt.cached, cfg)
			err := b.AddHandles(context.Background(), []uint32{1, 2}, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AddHandles: %v", err)
			}
			if b.Stats().CacheHits != tt.wantHits {
				t.Fatalf("CacheHits = %d, want %d", b.Stats().CacheHits, tt.wantHits)
			}
			calls := 0
			for _, n := range dev.calls {
				calls += n
			}
			if calls != tt.wantCalls {
				t.Fatalf("device fetches = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestAddWithInfo(t *testing.T) {
	dev := newFakeFetcher(map[uint32]ptpip.ObjectInfo{1: folder("100ABC", 0)})
	cat := New(time.UTC)
	b := NewBuilder(cat, dev, nil, DefaultBuildConfig())
	o, err := b.AddWithInfo(context.Background(), 9, file("NEW.JPG", 1, "20150804T120900"))
	if err != nil {
		t.Fatalf("AddWithInfo: %v", err)
	}
	if o.Handle != 9 || dev.calls[9] != 0 || dev.calls[1] != 1 {
		t.Fatalf("unexpected fetches %v", dev.calls)
	}
}

func TestFetchInfo_Retry(t *testing.T) {
	busy := &ptpip.OpError{Op: ptpip.OpGetObjectInfo, Code: ptpip.RespGeneralError}
	comm := &ptpip.OpError{Op: ptpip.OpGetObjectInfo, Code: ptpip.RespCommunicationError}
	policy := RetryPolicy{Interval: time.Millisecond, Timeout: 50 * time.Millisecond}

	tests := []struct {
		name      string
		failures  []error
		policy    RetryPolicy
		wantKind  ptpip.Kind
		wantCalls int
	}{
		{"busy then ready", []error{busy, busy}, policy, ptpip.KindNone, 3},
		{"communication not retried", []error{comm, busy}, policy, ptpip.KindCommunication, 1},
		{"no retry", []error{busy}, NoRetry, ptpip.KindRejected, 1},
		{"gives up", repeat(busy, 200), policy, ptpip.KindRejected, 51},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeFetcher(map[uint32]ptpip.ObjectInfo{5: file("A.JPG", 0, "")})
			dev.failures[5] = tt.failures
			info, err := FetchInfo(context.Background(), dev, 5, tt.policy)
			if kind := ptpip.KindOf(err); kind != tt.wantKind {
				t.Fatalf("KindOf = %s, want %s (%v)", kind, tt.wantKind, err)
			}
			if err == nil && info.Filename != "A.JPG" {
				t.Fatalf("unexpected info %+v", info)
			}
			if dev.calls[5] != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", dev.calls[5], tt.wantCalls)
			}
		})
	}
}

// TestBuilder_RetryLogsToConfiguredLogger verifies the GetObjectInfo retry
// notices go to the builder's logger.
func TestBuilder_RetryLogsToConfiguredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	dev := newFakeFetcher(map[uint32]ptpip.ObjectInfo{5: file("A.JPG", 0, "")})
	dev.failures[5] = []error{&ptpip.OpError{Op: ptpip.OpGetObjectInfo, Code: ptpip.RespGeneralError}}

	cfg := DefaultBuildConfig()
	cfg.Retry = RetryPolicy{Interval: time.Millisecond, Timeout: 50 * time.Millisecond}
	cfg.Logger = logger
	b := NewBuilder(New(time.UTC), dev, nil, cfg)
	if err := b.AddHandles(context.Background(), []uint32{5}, nil); err != nil {
		t.Fatalf("AddHandles: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "GetObjectInfo rejected, retrying") || !strings.Contains(out, "handle=0x00000005") {
		t.Fatalf("retry notice missing from builder log:\n%s", out)
	}
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}
