// Package catalog holds the in-memory model of the objects on a camera.
//
// Objects live in an arena keyed by device handle. Parent links are stored
// as handles and resolved through the same arena, so folders and their
// children never reference each other directly. A second index orders every
// object by capture time (ties broken by insertion order) and backs the
// oldest/newest/next traversal used by the download engine.
//
// # Usage Example
//
//	cat := catalog.New(time.Local)
//	folder, _ := cat.Insert(1, ptpip.ObjectInfo{Filename: "DCIM", AssociationType: ptpip.AssociationGenericFolder})
//	file, _ := cat.Insert(2, ptpip.ObjectInfo{Filename: "DSC_0001.JPG", ParentObject: 1, CaptureDate: "20150804T120900"})
//
//	for o := cat.First(camxfer.OrderOldestFirst); o != nil; o = cat.Next(o, camxfer.OrderOldestFirst) {
//		path, _ := cat.FullPath(o)
//		fmt.Println(path)
//	}
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/immutable"

	"github.com/superfly/camxfer"
	"github.com/superfly/camxfer/ptpip"
)

// maxPathDepth bounds the parent walk. Cameras use one or two folder levels;
// anything deeper than this is a cycle in corrupt data.
const maxPathDepth = 512

var (
	// ErrDuplicateHandle is returned when inserting a handle already present.
	ErrDuplicateHandle = errors.New("object handle already in catalog")

	// ErrCorruptTree is returned when a parent walk exceeds maxPathDepth.
	ErrCorruptTree = errors.New("endless loop detected while building directory chain")

	// ErrStop ends an Each walk without reporting an error.
	ErrStop = errors.New("stop iteration")
)

// PartialTransfer tracks an object whose chunked download is in flight or
// was interrupted and can be resumed.
type PartialTransfer struct {
	BytesWritten int64
	DownloadTime time.Duration
	LocalName    string
}

// Object is one file or folder on the camera.
type Object struct {
	Handle       uint32
	Info         ptpip.ObjectInfo
	CaptureEpoch int64

	// InTransferList is set for objects the user marked for upload on the camera
	InTransferList bool

	// Downloaded is set once the object was transferred or found unnecessary
	// to transfer during this process
	Downloaded bool

	partial *PartialTransfer
	seq     uint64
}

// IsFolder reports whether the object is a folder.
func (o *Object) IsFolder() bool {
	return o.Info.IsFolder()
}

// CaptureTime returns the capture time, or the zero time if unknown.
func (o *Object) CaptureTime() time.Time {
	if o.CaptureEpoch == 0 {
		return time.Time{}
	}
	return time.Unix(o.CaptureEpoch, 0)
}

// Partial returns the resume record, creating it on first use.
func (o *Object) Partial() *PartialTransfer {
	if o.partial == nil {
		o.partial = &PartialTransfer{}
	}
	return o.partial
}

// HasPartial reports whether a resume record exists.
func (o *Object) HasPartial() bool {
	return o.partial != nil
}

// ReleasePartial drops the resume record.
func (o *Object) ReleasePartial() {
	o.partial = nil
}

// MarkDownloaded flags the object as handled for the rest of the process.
func (o *Object) MarkDownloaded() {
	o.Downloaded = true
}

type orderKey struct {
	epoch int64
	seq   uint64
}

type orderComparer struct{}

func (orderComparer) Compare(a, b orderKey) int {
	switch {
	case a.epoch < b.epoch:
		return -1
	case a.epoch > b.epoch:
		return 1
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

// Catalog is the set of known objects. It is not safe for concurrent use.
type Catalog struct {
	loc     *time.Location
	objects map[uint32]*Object
	index   *immutable.SortedMap[orderKey, uint32]
	nextSeq uint64
	folders int
}

// New returns an empty catalog. Device date strings are interpreted in loc.
func New(loc *time.Location) *Catalog {
	if loc == nil {
		loc = time.Local
	}
	return &Catalog{
		loc:     loc,
		objects: make(map[uint32]*Object),
		index:   immutable.NewSortedMap[orderKey, uint32](orderComparer{}),
	}
}

// Insert adds an object. It fails if the handle is already present.
func (c *Catalog) Insert(handle uint32, info ptpip.ObjectInfo) (*Object, error) {
	if existing, ok := c.objects[handle]; ok {
		return nil, fmt.Errorf("%w: handle 0x%08x (%s), existing %s", ErrDuplicateHandle, handle, info.Filename, existing.Info.Filename)
	}
	o := &Object{
		Handle:       handle,
		Info:         info,
		CaptureEpoch: c.captureEpoch(info),
		seq:          c.nextSeq,
	}
	c.nextSeq++
	c.objects[handle] = o
	c.index = c.index.Set(orderKey{o.CaptureEpoch, o.seq}, handle)
	if o.IsFolder() {
		c.folders++
	}
	return o, nil
}

// captureEpoch derives the ordering timestamp. Folders without a capture
// date fall back to a YYYY-MM-DD filename, which some vendors use for
// date-based folders.
func (c *Catalog) captureEpoch(info ptpip.ObjectInfo) int64 {
	if info.CaptureDate != "" {
		if t := ptpip.ParseDateTime(info.CaptureDate, c.loc); !t.IsZero() {
			return t.Unix()
		}
		return 0
	}
	if info.IsFolder() && len(info.Filename) == 10 && info.Filename[4] == '-' && info.Filename[7] == '-' {
		if t, err := time.ParseInLocation("2006-01-02", info.Filename, c.loc); err == nil {
			return t.Unix()
		}
	}
	return 0
}

// Lookup returns the object for handle, or nil.
func (c *Catalog) Lookup(handle uint32) *Object {
	return c.objects[handle]
}

// Len returns the number of objects.
func (c *Catalog) Len() int {
	return len(c.objects)
}

// Folders returns the number of folder objects.
func (c *Catalog) Folders() int {
	return c.folders
}

// Oldest returns the object with the earliest capture time, or nil.
func (c *Catalog) Oldest() *Object {
	itr := c.index.Iterator()
	itr.First()
	return c.take(itr.Next())
}

// Newest returns the object with the latest capture time, or nil.
func (c *Catalog) Newest() *Object {
	itr := c.index.Iterator()
	itr.Last()
	return c.take(itr.Prev())
}

// First returns the first object in the given order.
func (c *Catalog) First(order camxfer.Order) *Object {
	if order == camxfer.OrderNewestFirst {
		return c.Newest()
	}
	return c.Oldest()
}

// Next returns the neighbor of o in the given order, or nil at the end.
func (c *Catalog) Next(o *Object, order camxfer.Order) *Object {
	itr := c.index.Iterator()
	itr.Seek(orderKey{o.CaptureEpoch, o.seq})
	if order == camxfer.OrderNewestFirst {
		if _, _, ok := itr.Prev(); !ok {
			return nil
		}
		return c.take(itr.Prev())
	}
	if _, _, ok := itr.Next(); !ok {
		return nil
	}
	return c.take(itr.Next())
}

// Each calls fn for every object in order, starting at start (or the first
// object when start is nil). Returning ErrStop ends the walk early.
func (c *Catalog) Each(start *Object, order camxfer.Order, fn func(*Object) error) error {
	o := start
	if o == nil {
		o = c.First(order)
	}
	for ; o != nil; o = c.Next(o, order) {
		if err := fn(o); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *Catalog) take(_ orderKey, handle uint32, ok bool) *Object {
	if !ok {
		return nil
	}
	return c.objects[handle]
}

// Handles returns every handle in capture order.
func (c *Catalog) Handles() []uint32 {
	out := make([]uint32, 0, len(c.objects))
	itr := c.index.Iterator()
	for !itr.Done() {
		_, h, _ := itr.Next()
		out = append(out, h)
	}
	return out
}

// ImmediateDirectory returns the name of the folder holding o, or "" for
// objects at the root or whose parent is unknown.
func (c *Catalog) ImmediateDirectory(o *Object) string {
	if o.Info.ParentObject == 0 {
		return ""
	}
	parent, ok := c.objects[o.Info.ParentObject]
	if !ok {
		return ""
	}
	return parent.Info.Filename
}

// DirectoryPath returns the folder path of o, e.g. "DCIM/100NCD72". A
// missing ancestor ends the walk with the path built so far.
func (c *Catalog) DirectoryPath(o *Object) (string, error) {
	var parts []string
	parent := o.Info.ParentObject
	for hops := 0; parent != 0; hops++ {
		if hops >= maxPathDepth {
			return "", fmt.Errorf("%w for %s", ErrCorruptTree, o.Info.Filename)
		}
		dir, ok := c.objects[parent]
		if !ok {
			break
		}
		parts = append(parts, dir.Info.Filename)
		parent = dir.Info.ParentObject
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/"), nil
}

// FullPath returns the directory path of o joined with its filename.
func (c *Catalog) FullPath(o *Object) (string, error) {
	dir, err := c.DirectoryPath(o)
	if err != nil {
		return "", err
	}
	if dir == "" {
		return o.Info.Filename, nil
	}
	return dir + "/" + o.Info.Filename, nil
}
