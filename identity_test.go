// identity_test.go - Tests for history keys and camera identity.

package camxfer

import (
	"testing"

	"github.com/superfly/camxfer/ptpip"
)

func TestHistoryKey(t *testing.T) {
	tests := []struct {
		filename string
		date     string
		size     uint32
		want     string
	}{
		{"DSC_0094.NEF", "20150804T120900", 22719774, "DSC_0094.NEF::20150804T120900::22,719,774"},
		{"DSC_2570.JPG.sthumb.jpg", "20150828T112418", 3419512, "DSC_2570.JPG.sthumb.jpg::20150828T112418::3,419,512"},
		{"A.JPG", "", 999, "A.JPG::::999"},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			if got := HistoryKey(tt.filename, tt.date, tt.size); got != tt.want {
				t.Fatalf("HistoryKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCameraID(t *testing.T) {
	if got := CameraID("D7200", "3012345"); got != "D7200-SN3012345" {
		t.Fatalf("CameraID = %q", got)
	}
	if a, b := NewRunID(), NewRunID(); a == b || len(a) != 26 {
		t.Fatalf("run ids %q %q", a, b)
	}
}

func TestDetectMake(t *testing.T) {
	tests := []struct {
		manufacturer string
		want         Make
		method       RealtimeMethod
	}{
		{"Nikon Corporation", MakeNikon, RealtimeNikonEvents},
		{"Canon Inc.", MakeCanon, RealtimePolling},
		{"Sony Corporation", MakeSony, RealtimeVendorExit},
		{"FUJIFILM", MakeUnknown, RealtimePolling},
	}
	for _, tt := range tests {
		t.Run(tt.manufacturer, func(t *testing.T) {
			got := DetectMake(tt.manufacturer)
			if got != tt.want {
				t.Fatalf("DetectMake = %s, want %s", got, tt.want)
			}
			if m := DefaultRealtimeMethod(got); m != tt.method {
				t.Fatalf("DefaultRealtimeMethod = %q, want %q", m, tt.method)
			}
		})
	}
}

func TestAction(t *testing.T) {
	tests := []struct {
		in     string
		op     ptpip.OpCode
		suffix string
	}{
		{"getfiles", ptpip.OpGetObject, ""},
		{"GetSmallThumbs", ptpip.OpGetThumb, ".sthumb.jpg"},
		{"getlargethumbs", ptpip.OpGetLargeThumb, ".lthumb.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := ParseAction(tt.in)
			if err != nil {
				t.Fatalf("ParseAction: %v", err)
			}
			if a.TransferOp() != tt.op || a.LocalSuffix() != tt.suffix {
				t.Fatalf("got %s %q", a.TransferOp(), a.LocalSuffix())
			}
		})
	}
	if _, err := ParseAction("delete"); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}
