package camxfer

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
)

// HistoryKey returns the download-history key for a file.
//
// The key combines the local filename before any renaming (including the
// thumbnail suffix, so thumbnails and full files are tracked separately),
// the device capture date string and the size with thousands separators:
//
//	DSC_0094.NEF::20150804T120900::22,719,774
//
// Cameras reuse filenames after a card format, but the combination of name,
// capture time and size does not repeat in practice.
func HistoryKey(filename, captureDate string, size uint32) string {
	return fmt.Sprintf("%s::%s::%s", filename, captureDate, humanize.Comma(int64(size)))
}

// CameraID identifies a camera body across runs. It names the per-camera
// metadata files and keys its download history.
func CameraID(model, serial string) string {
	return fmt.Sprintf("%s-SN%s", model, serial)
}

// MetadataPath returns the path of a per-camera metadata file in dir.
func MetadataPath(dir, cameraID, suffix string) string {
	return filepath.Join(dir, cameraID+"-"+suffix)
}

// NewRunID returns a sortable identifier for one invocation. It is logged
// and stored with every history row written by the run.
func NewRunID() string {
	return ulid.Make().String()
}
