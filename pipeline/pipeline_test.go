// pipeline_test.go - Tests for session attempts against the fake camera.

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/superfly/camxfer"
	"github.com/superfly/camxfer/download"
	"github.com/superfly/camxfer/objcache"
	"github.com/superfly/camxfer/ptpip"
	"github.com/superfly/camxfer/ptpip/ptpiptest"
	"github.com/superfly/camxfer/realtime"
	"github.com/superfly/camxfer/session"
)

var (
	jpeg1 = bytes.Repeat([]byte{0xd8}, 3000)
	jpeg2 = bytes.Repeat([]byte{0xe1}, 5000)
)

func newCamera() *ptpiptest.Camera {
	cam := ptpiptest.NewCamera()
	cam.AddObject(1, ptpip.ObjectInfo{AssociationType: ptpip.AssociationGenericFolder, Filename: "DCIM"}, nil)
	cam.AddObject(2, ptpip.ObjectInfo{AssociationType: ptpip.AssociationGenericFolder, Filename: "100NIKON", ParentObject: 1}, nil)
	cam.AddObject(3, ptpip.ObjectInfo{Filename: "DSC_0001.JPG", ParentObject: 2, CaptureDate: "20150804T120900"}, jpeg1)
	cam.AddObject(4, ptpip.ObjectInfo{Filename: "DSC_0002.JPG", ParentObject: 2, CaptureDate: "20150804T121000"}, jpeg2)
	return cam
}

func testConfig(t *testing.T, cam *ptpiptest.Camera) Config {
	t.Helper()
	addr := cam.Listen(t)
	cfg := DefaultConfig("127.0.0.1", t.TempDir(), t.TempDir())
	cfg.Session.Dial.Port = addr.Port
	cfg.Session.Dial.ConnectTimeout = 2 * time.Second
	cfg.Session.MinSessionTime = 10 * time.Millisecond
	cfg.Session.ClockSync = session.ClockSync{Disabled: true}
	cfg.Download.ChunkSize = 1024
	return cfg
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return b
}

func TestAttempt_Download(t *testing.T) {
	cam := newCamera()
	cfg := testConfig(t, cam)
	run := New(cfg, Dependencies{})

	if err := run.Attempt(context.Background()); err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	if got := readFile(t, filepath.Join(cfg.Download.OutputDir, "DSC_0001.JPG")); !bytes.Equal(got, jpeg1) {
		t.Fatalf("DSC_0001.JPG has %d bytes, want %d", len(got), len(jpeg1))
	}
	if got := readFile(t, filepath.Join(cfg.Download.OutputDir, "DSC_0002.JPG")); !bytes.Equal(got, jpeg2) {
		t.Fatalf("DSC_0002.JPG has %d bytes, want %d", len(got), len(jpeg2))
	}
	if st := run.Stats(); st.FilesDownloaded != 2 || st.BytesDownloaded != int64(len(jpeg1)+len(jpeg2)) {
		t.Fatalf("stats = %+v", st)
	}

	id := camxfer.CameraID("D7200", "3012345")
	if run.CameraID() != id {
		t.Fatalf("camera id = %q, want %q", run.CameraID(), id)
	}
	if _, err := os.Stat(camxfer.MetadataPath(cfg.MetadataDir, id, objcache.Suffix)); err != nil {
		t.Fatalf("object cache not saved: %v", err)
	}
	if n := len(cam.RequestsFor(ptpip.OpCloseSession)); n != 1 {
		t.Fatalf("CloseSession sent %d times, want 1", n)
	}
	if n := len(cam.RequestsFor(ptpip.OpGetTransferList)); n != 1 {
		t.Fatalf("GetTransferList sent %d times, want 1", n)
	}
}

func TestAttempt_CachedCatalog(t *testing.T) {
	cam := newCamera()
	cfg := testConfig(t, cam)
	cfg.Download.IfExists = download.IfExistsSkip

	if err := New(cfg, Dependencies{}).Attempt(context.Background()); err != nil {
		t.Fatalf("first Attempt: %v", err)
	}
	before := len(cam.RequestsFor(ptpip.OpGetObjectInfo))

	run := New(cfg, Dependencies{})
	if err := run.Attempt(context.Background()); err != nil {
		t.Fatalf("second Attempt: %v", err)
	}
	// Only the two folders are validated against the camera.
	if n := len(cam.RequestsFor(ptpip.OpGetObjectInfo)) - before; n != 2 {
		t.Fatalf("GetObjectInfo sent %d times with a valid cache, want 2", n)
	}
	if st := run.Stats(); st.FilesDownloaded != 0 || st.SkippedExisting != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestAttempt_TransferList(t *testing.T) {
	cam := newCamera()
	cam.Handle(ptpip.OpGetTransferList, func(ptpiptest.Request) ptpiptest.Response {
		return ptpiptest.Response{Data: ptpip.EncodeUint32List([]uint32{4})}
	})
	cam.Handle(ptpip.OpNotifyFileAcquisitionStart, func(ptpiptest.Request) ptpiptest.Response { return ptpiptest.Response{} })
	cam.Handle(ptpip.OpNotifyFileAcquisitionEnd, func(ptpiptest.Request) ptpiptest.Response { return ptpiptest.Response{} })
	cfg := testConfig(t, cam)
	cfg.Filter.Extensions = map[string]bool{"NEF": true}

	run := New(cfg, Dependencies{})
	if err := run.Attempt(context.Background()); err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cfg.Download.OutputDir, "DSC_0001.JPG")); !os.IsNotExist(err) {
		t.Fatalf("object outside the transfer list was downloaded")
	}
	if got := readFile(t, filepath.Join(cfg.Download.OutputDir, "DSC_0002.JPG")); !bytes.Equal(got, jpeg2) {
		t.Fatalf("DSC_0002.JPG has %d bytes, want %d", len(got), len(jpeg2))
	}
	for _, op := range []ptpip.OpCode{ptpip.OpNotifyFileAcquisitionStart, ptpip.OpNotifyFileAcquisitionEnd} {
		reqs := cam.RequestsFor(op)
		if len(reqs) != 1 || reqs[0].Arg(0) != 4 {
			t.Fatalf("%v requests = %+v", op, reqs)
		}
	}
}

func TestAttempt_TransferListRequired(t *testing.T) {
	cam := newCamera()
	cfg := testConfig(t, cam)
	cfg.TransferList = TransferListRequired

	err := New(cfg, Dependencies{}).Attempt(context.Background())
	if !errors.Is(err, ErrNoTransferList) {
		t.Fatalf("expected ErrNoTransferList, got %v", err)
	}
	if n := len(cam.RequestsFor(ptpip.OpGetPartialObject)); n != 0 {
		t.Fatalf("GetPartialObject sent %d times, want 0", n)
	}
	if n := len(cam.RequestsFor(ptpip.OpCloseSession)); n != 1 {
		t.Fatalf("CloseSession sent %d times, want 1", n)
	}
}

func TestAttempt_List(t *testing.T) {
	cam := newCamera()
	cfg := testConfig(t, cam)
	cfg.Download.Action = camxfer.ActionListFiles
	var out bytes.Buffer
	cfg.ListOutput = &out

	if err := New(cfg, Dependencies{}).Attempt(context.Background()); err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	text := out.String()
	for _, want := range []string{
		"3,000 DCIM/100NIKON/DSC_0001.JPG",
		"5,000 DCIM/100NIKON/DSC_0002.JPG",
		"2 File(s)",
		"8,000 bytes",
		"bytes free",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("listing missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "DSC_0001") > strings.Index(text, "DSC_0002") {
		t.Fatalf("listing not in oldest-first order:\n%s", text)
	}
	if n := len(cam.RequestsFor(ptpip.OpGetPartialObject)); n != 0 {
		t.Fatalf("GetPartialObject sent %d times, want 0", n)
	}
}

func TestAttempt_RealtimeOnly(t *testing.T) {
	cam := newCamera()
	cfg := testConfig(t, cam)
	cfg.RealtimeMode = camxfer.RealtimeOnly
	cfg.RealtimeMethod = camxfer.RealtimeVendorExit
	run := New(cfg, Dependencies{})

	if err := run.Attempt(context.Background()); !errors.Is(err, realtime.ErrReenter) {
		t.Fatalf("expected ErrReenter, got %v", err)
	}
	if n := len(cam.RequestsFor(ptpip.OpGetObjectHandles)); n != 0 {
		t.Fatalf("catalog built before real-time started")
	}

	// Once real-time started the catalog is built, and objects captured
	// before the run are outside the backdated date filter.
	if err := run.Attempt(context.Background()); !errors.Is(err, realtime.ErrReenter) {
		t.Fatalf("expected ErrReenter, got %v", err)
	}
	if n := len(cam.RequestsFor(ptpip.OpGetObjectHandles)); n != 1 {
		t.Fatalf("GetObjectHandles sent %d times, want 1", n)
	}
	if n := len(cam.RequestsFor(ptpip.OpGetPartialObject)); n != 0 {
		t.Fatalf("old objects downloaded in real-time mode")
	}
}

func TestAttempt_DifferentCamera(t *testing.T) {
	cam := newCamera()
	cfg := testConfig(t, cam)
	run := New(cfg, Dependencies{})
	if err := run.Attempt(context.Background()); err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	other := newCamera()
	other.Serial = "0009999999"
	run.cfg.Session.Dial.Port = other.Listen(t).Port
	if err := run.Attempt(context.Background()); !errors.Is(err, session.ErrDifferentCamera) {
		t.Fatalf("expected ErrDifferentCamera, got %v", err)
	}
}

func TestAttempt_CommunicationFailure(t *testing.T) {
	cam := newCamera()
	cam.Handle(ptpip.OpGetObjectHandles, func(ptpiptest.Request) ptpiptest.Response {
		return ptpiptest.Response{Data: ptpip.EncodeUint32List([]uint32{1, 2, 3, 4}), DropAfter: 6}
	})
	cfg := testConfig(t, cam)

	err := New(cfg, Dependencies{}).Attempt(context.Background())
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !ptpip.KindOf(err).Retryable() {
		t.Fatalf("expected a retryable failure, got %v (%v)", err, ptpip.KindOf(err))
	}
	if n := len(cam.RequestsFor(ptpip.OpCloseSession)); n != 0 {
		t.Fatalf("CloseSession sent after a communication failure")
	}
}

func TestParseTransferListMode(t *testing.T) {
	tests := []struct {
		in      string
		want    TransferListMode
		wantErr bool
	}{
		{in: "useifavail", want: TransferListUseIfAvailable},
		{in: "ExitIfNotAvail", want: TransferListRequired},
		{in: "ignore", want: TransferListIgnore},
		{in: "always", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTransferListMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTransferListMode(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseTransferListMode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
