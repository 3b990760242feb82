// catalog_test.go - Tests for the object arena, ordering and path building.

package catalog

import (
	"errors"
	"testing"
	"time"

	"github.com/superfly/camxfer"
	"github.com/superfly/camxfer/ptpip"
)

func folder(name string, parent uint32) ptpip.ObjectInfo {
	return ptpip.ObjectInfo{
		Filename:        name,
		ParentObject:    parent,
		ObjectFormat:    ptpip.FormatAssociation,
		AssociationType: ptpip.AssociationGenericFolder,
	}
}

func file(name string, parent uint32, date string) ptpip.ObjectInfo {
	return ptpip.ObjectInfo{
		Filename:       name,
		ParentObject:   parent,
		ObjectFormat:   ptpip.FormatEXIFJPEG,
		CaptureDate:    date,
		CompressedSize: 1000,
	}
}

func TestInsert_Uniqueness(t *testing.T) {
	cat := New(time.UTC)
	if _, err := cat.Insert(1, file("A.JPG", 0, "20150804T120900")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := cat.Insert(1, file("B.JPG", 0, "20150804T120901")); !errors.Is(err, ErrDuplicateHandle) {
		t.Fatalf("expected ErrDuplicateHandle, got %v", err)
	}
	if _, err := cat.Insert(2, file("B.JPG", 0, "20150804T120901")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("Len = %d, want 2", cat.Len())
	}
	if got := cat.Lookup(1).Info.Filename; got != "A.JPG" {
		t.Fatalf("Lookup(1) = %s, duplicate replaced original", got)
	}
	if cat.Lookup(3) != nil {
		t.Fatalf("Lookup of unknown handle returned an object")
	}
}

func TestCaptureEpoch(t *testing.T) {
	tests := []struct {
		name string
		info ptpip.ObjectInfo
		want int64
	}{
		{"file date", file("A.JPG", 0, "20150804T120900"), time.Date(2015, 8, 4, 12, 9, 0, 0, time.UTC).Unix()},
		{"bad date", file("A.JPG", 0, "2015-08-04"), 0},
		{"no date", file("A.JPG", 0, ""), 0},
		{"dated folder", folder("2015-09-27", 0), time.Date(2015, 9, 27, 0, 0, 0, 0, time.UTC).Unix()},
		{"plain folder", folder("100NCD72", 0), 0},
		{"file named like a date", file("2015-09-27", 0, ""), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := New(time.UTC)
			o, err := cat.Insert(1, tt.info)
			if err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if o.CaptureEpoch != tt.want {
				t.Fatalf("CaptureEpoch = %d, want %d", o.CaptureEpoch, tt.want)
			}
		})
	}
}

func TestOrdering(t *testing.T) {
	cat := New(time.UTC)
	dates := []string{
		"20150804T120905",
		"20150804T120900",
		"20150804T120910",
		"20150804T120900",
		"",
		"20150804T120905",
	}
	for i, d := range dates {
		if _, err := cat.Insert(uint32(i+1), file("F.JPG", 0, d)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	var forward []uint32
	for o := cat.Oldest(); o != nil; o = cat.Next(o, camxfer.OrderOldestFirst) {
		forward = append(forward, o.Handle)
	}
	wantForward := []uint32{5, 2, 4, 1, 6, 3}
	if !equalHandles(forward, wantForward) {
		t.Fatalf("oldest first = %v, want %v", forward, wantForward)
	}

	var backward []uint32
	for o := cat.Newest(); o != nil; o = cat.Next(o, camxfer.OrderNewestFirst) {
		backward = append(backward, o.Handle)
	}
	wantBackward := []uint32{3, 6, 1, 4, 2, 5}
	if !equalHandles(backward, wantBackward) {
		t.Fatalf("newest first = %v, want %v", backward, wantBackward)
	}

	if !equalHandles(cat.Handles(), wantForward) {
		t.Fatalf("Handles = %v, want %v", cat.Handles(), wantForward)
	}

	var visited []uint32
	err := cat.Each(cat.Lookup(4), camxfer.OrderOldestFirst, func(o *Object) error {
		visited = append(visited, o.Handle)
		if o.Handle == 6 {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if !equalHandles(visited, []uint32{4, 1, 6}) {
		t.Fatalf("Each visited %v", visited)
	}
}

func TestOrdering_Empty(t *testing.T) {
	cat := New(time.UTC)
	if cat.Oldest() != nil || cat.Newest() != nil || cat.First(camxfer.OrderNewestFirst) != nil {
		t.Fatalf("empty catalog returned an object")
	}
	o, err := cat.Insert(7, file("A.JPG", 0, ""))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if cat.Next(o, camxfer.OrderOldestFirst) != nil || cat.Next(o, camxfer.OrderNewestFirst) != nil {
		t.Fatalf("single object has a neighbor")
	}
}

func TestPaths(t *testing.T) {
	cat := New(time.UTC)
	mustInsert(t, cat, 1, folder("DCIM", 0))
	mustInsert(t, cat, 2, folder("100NCD72", 1))
	img := mustInsert(t, cat, 3, file("DSC_0001.JPG", 2, ""))
	root := mustInsert(t, cat, 4, file("ROOT.TXT", 0, ""))
	orphan := mustInsert(t, cat, 5, file("LOST.JPG", 99, ""))

	tests := []struct {
		name string
		obj  *Object
		dir  string
		full string
		imm  string
	}{
		{"nested", img, "DCIM/100NCD72", "DCIM/100NCD72/DSC_0001.JPG", "100NCD72"},
		{"root", root, "", "ROOT.TXT", ""},
		{"missing parent", orphan, "", "LOST.JPG", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, err := cat.DirectoryPath(tt.obj)
			if err != nil {
				t.Fatalf("DirectoryPath: %v", err)
			}
			full, err := cat.FullPath(tt.obj)
			if err != nil {
				t.Fatalf("FullPath: %v", err)
			}
			if dir != tt.dir || full != tt.full {
				t.Fatalf("got %q %q, want %q %q", dir, full, tt.dir, tt.full)
			}
			if imm := cat.ImmediateDirectory(tt.obj); imm != tt.imm {
				t.Fatalf("ImmediateDirectory = %q, want %q", imm, tt.imm)
			}
		})
	}
	if cat.Folders() != 2 {
		t.Fatalf("Folders = %d, want 2", cat.Folders())
	}
}

func TestPaths_Cycle(t *testing.T) {
	cat := New(time.UTC)
	mustInsert(t, cat, 1, folder("A", 2))
	mustInsert(t, cat, 2, folder("B", 1))
	o := mustInsert(t, cat, 3, file("X.JPG", 1, ""))
	if _, err := cat.FullPath(o); !errors.Is(err, ErrCorruptTree) {
		t.Fatalf("expected ErrCorruptTree, got %v", err)
	}
}

func TestPartial(t *testing.T) {
	cat := New(time.UTC)
	o := mustInsert(t, cat, 1, file("A.NEF", 0, ""))
	if o.HasPartial() {
		t.Fatalf("new object has a resume record")
	}
	o.Partial().BytesWritten = 4096
	if !o.HasPartial() || o.Partial().BytesWritten != 4096 {
		t.Fatalf("resume record not retained")
	}
	o.ReleasePartial()
	if o.HasPartial() {
		t.Fatalf("resume record not released")
	}
}

func mustInsert(t *testing.T, cat *Catalog, h uint32, info ptpip.ObjectInfo) *Object {
	t.Helper()
	o, err := cat.Insert(h, info)
	if err != nil {
		t.Fatalf("Insert(%d): %v", h, err)
	}
	return o
}

func equalHandles(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
