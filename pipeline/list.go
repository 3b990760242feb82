package pipeline

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/superfly/camxfer/catalog"
	"github.com/superfly/camxfer/session"
)

const listTimeLayout = "01/02/2006  03:04:05 PM"

// list writes one row per passing object followed by the totals, in the
// layout of a directory listing. Paths carry a CARDn\ prefix when more
// than one card is in use.
func (r *Run) list(w io.Writer, storage *session.Storage) error {
	multi := len(storage.Infos) > 1
	var files int
	var bytes int64
	dirs := map[string]struct{}{}

	err := r.catalog.Each(nil, r.order, func(o *catalog.Object) error {
		if ok, _ := r.filter.Match(r.catalog, o); !ok {
			return nil
		}
		dir, err := r.catalog.DirectoryPath(o)
		if err != nil {
			return err
		}
		path := o.Info.Filename
		if dir != "" {
			path = dir + "/" + path
		}
		if multi {
			dir = fmt.Sprintf("CARD%d\\%s", session.Slot(o.Info.StorageID), dir)
			path = fmt.Sprintf("CARD%d\\%s", session.Slot(o.Info.StorageID), path)
		}
		dirs[dir] = struct{}{}

		date := "<no capture date>      "
		if t := o.CaptureTime(); !t.IsZero() {
			date = t.Format(listTimeLayout)
		}
		size := int64(o.Info.CompressedSize)
		fmt.Fprintf(w, "%s %15s %s\n", date, humanize.Comma(size), path)
		files++
		bytes += size
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list objects: %w", err)
	}

	fmt.Fprintf(w, "%16d File(s) %15s bytes\n", files, humanize.Comma(bytes))
	for _, info := range storage.Infos {
		fmt.Fprintf(w, "%16d Dir(s)  %15s bytes free %s\n", len(dirs), humanize.Comma(int64(info.FreeSpaceBytes)), info.VolumeLabel)
	}
	return nil
}
