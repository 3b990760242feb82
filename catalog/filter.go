package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/superfly/camxfer/ptpip"
)

const (
	// NoExtension in Filter.Extensions matches files without an extension
	NoExtension = "<NOEXT>"

	// RootFolder in a folder list matches files at the root of the card
	RootFolder = "<ROOT>"
)

// Filter selects the objects to list or download.
type Filter struct {
	// Extensions to include, upper case without the dot. Empty includes all.
	Extensions map[string]bool

	// Start and End bound the capture time. Zero values leave that side open.
	Start time.Time
	End   time.Time

	// OnlyFolders and ExcludeFolders match the name of the immediate
	// folder holding an object, upper case
	OnlyFolders    map[string]bool
	ExcludeFolders map[string]bool
}

// NewSet builds an upper-case set from user-supplied values.
func NewSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToUpper(strings.TrimPrefix(v, "."))] = true
	}
	return set
}

// ClearDates removes both capture date bounds.
func (f *Filter) ClearDates() {
	f.Start = time.Time{}
	f.End = time.Time{}
}

// Match reports whether o passes the filter. When it does not, reason
// explains why for logging.
func (f *Filter) Match(cat *Catalog, o *Object) (ok bool, reason string) {
	if o.Info.ObjectFormat == ptpip.FormatAssociation || o.Info.ObjectFormat == ptpip.FormatNone {
		return false, "object is not a file"
	}
	if o.InTransferList {
		return true, ""
	}
	if len(f.Extensions) > 0 && !f.extensionMatches(o.Info.Filename) {
		return false, "filename extension not in list"
	}
	if !f.Start.IsZero() && o.CaptureEpoch < f.Start.Unix() {
		return false, "captured before start date"
	}
	if !f.End.IsZero() && o.CaptureEpoch > f.End.Unix() {
		return false, "captured after end date"
	}
	if len(f.OnlyFolders) > 0 || len(f.ExcludeFolders) > 0 {
		folder := strings.ToUpper(cat.ImmediateDirectory(o))
		if folder == "" {
			folder = RootFolder
		}
		if len(f.OnlyFolders) > 0 && !f.OnlyFolders[folder] {
			return false, "folder not in only-folders list"
		}
		if f.ExcludeFolders[folder] {
			return false, "folder in exclude-folders list"
		}
	}
	return true, ""
}

func (f *Filter) extensionMatches(filename string) bool {
	ext := Extension(filename)
	if ext == "" {
		return f.Extensions[NoExtension]
	}
	return f.Extensions[strings.ToUpper(ext)]
}

// Extension returns the text after the last dot of filename, or "".
func Extension(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 {
		return ""
	}
	return filename[i+1:]
}

// ParseDateArg parses a user date in "mm/dd/yy" or "mm/dd/yy hh:mm:ss"
// form. A date-only end bound is made inclusive by moving it to 23:59:59.
func ParseDateArg(s string, loc *time.Location, inclusiveEnd bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	layout := "01/02/06"
	dateOnly := !strings.Contains(s, ":")
	if !dateOnly {
		layout = "01/02/06 15:04:05"
	}
	t, err := time.ParseInLocation(layout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q must be formatted as mm/dd/yy or mm/dd/yy hh:mm:ss: %w", s, err)
	}
	if dateOnly && inclusiveEnd {
		t = t.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
	}
	return t, nil
}
