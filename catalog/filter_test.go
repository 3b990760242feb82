// filter_test.go - Tests for the object filter and date arguments.

package catalog

import (
	"testing"
	"time"

	"github.com/superfly/camxfer/ptpip"
)

func TestFilter_Match(t *testing.T) {
	cat := New(time.UTC)
	mustInsert(t, cat, 1, folder("100NCD72", 0))
	mustInsert(t, cat, 2, folder("101NCD72", 0))
	nef := mustInsert(t, cat, 3, file("DSC_0001.NEF", 1, "20150804T120900"))
	jpg := mustInsert(t, cat, 4, file("DSC_0002.JPG", 2, "20150805T120900"))
	noext := mustInsert(t, cat, 5, file("README", 0, "20150806T120900"))
	none := mustInsert(t, cat, 6, ptpip.ObjectInfo{Filename: "X", ObjectFormat: ptpip.FormatNone})
	listed := mustInsert(t, cat, 7, file("DSC_0003.MOV", 2, "20100101T000000"))
	listed.InTransferList = true

	day := func(d int) time.Time { return time.Date(2015, 8, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		filter Filter
		obj    *Object
		want   bool
	}{
		{"folder rejected", Filter{}, cat.Lookup(1), false},
		{"format none rejected", Filter{}, none, false},
		{"no filter", Filter{}, nef, true},
		{"extension match", Filter{Extensions: NewSet([]string{"nef"})}, nef, true},
		{"extension miss", Filter{Extensions: NewSet([]string{"NEF"})}, jpg, false},
		{"no extension needs marker", Filter{Extensions: NewSet([]string{"NEF"})}, noext, false},
		{"no extension marker", Filter{Extensions: NewSet([]string{NoExtension})}, noext, true},
		{"before start", Filter{Start: day(5)}, nef, false},
		{"on start", Filter{Start: day(5).Add(12*time.Hour + 9*time.Minute)}, jpg, true},
		{"after end", Filter{End: day(5)}, jpg, false},
		{"only folders", Filter{OnlyFolders: NewSet([]string{"100ncd72"})}, nef, true},
		{"only folders miss", Filter{OnlyFolders: NewSet([]string{"100NCD72"})}, jpg, false},
		{"only root", Filter{OnlyFolders: NewSet([]string{RootFolder})}, noext, true},
		{"only folders root miss", Filter{OnlyFolders: NewSet([]string{"100NCD72"})}, noext, false},
		{"exclude folder", Filter{ExcludeFolders: NewSet([]string{"101NCD72"})}, jpg, false},
		{"exclude root", Filter{ExcludeFolders: NewSet([]string{RootFolder})}, noext, false},
		{"exclude other", Filter{ExcludeFolders: NewSet([]string{"101NCD72"})}, nef, true},
		{"transfer list bypasses filters", Filter{Extensions: NewSet([]string{"NEF"}), Start: day(5)}, listed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := tt.filter.Match(cat, tt.obj)
			if got != tt.want {
				t.Fatalf("Match = %v (%s), want %v", got, reason, tt.want)
			}
			if !got && reason == "" {
				t.Fatalf("rejection without a reason")
			}
		})
	}
}

func TestFilter_ClearDates(t *testing.T) {
	f := Filter{Start: time.Now(), End: time.Now()}
	f.ClearDates()
	if !f.Start.IsZero() || !f.End.IsZero() {
		t.Fatalf("dates not cleared")
	}
}

func TestParseDateArg(t *testing.T) {
	tests := []struct {
		in        string
		inclusive bool
		want      time.Time
		wantErr   bool
	}{
		{"", false, time.Time{}, false},
		{"08/04/15", false, time.Date(2015, 8, 4, 0, 0, 0, 0, time.UTC), false},
		{"08/04/15", true, time.Date(2015, 8, 4, 23, 59, 59, 0, time.UTC), false},
		{"08/04/15 13:30:05", true, time.Date(2015, 8, 4, 13, 30, 5, 0, time.UTC), false},
		{"2015-08-04", false, time.Time{}, true},
		{"13/01/15", false, time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDateArg(tt.in, time.UTC, tt.inclusive)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDateArg: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}
