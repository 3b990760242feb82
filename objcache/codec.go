package objcache

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/superfly/camxfer/ptpip"
)

// Snapshot is the persisted form of a catalog: every object info in
// capture order with its handle.
type Snapshot struct {
	SavedAt time.Time
	Handles []uint32
	Infos   []ptpip.ObjectInfo
}

var errCorrupt = errors.New("object cache is corrupt")

// Snapshot fields.
const (
	fieldSavedAt protowire.Number = 1
	fieldEntry   protowire.Number = 2
)

// Entry fields, in ObjectInfo order after the handle.
const (
	fieldHandle protowire.Number = iota + 1
	fieldStorageID
	fieldObjectFormat
	fieldProtectionStatus
	fieldCompressedSize
	fieldThumbFormat
	fieldThumbCompressedSize
	fieldThumbPixWidth
	fieldThumbPixHeight
	fieldImagePixWidth
	fieldImagePixHeight
	fieldImageBitDepth
	fieldParentObject
	fieldAssociationType
	fieldAssociationDesc
	fieldSequenceNumber
	fieldFilename
	fieldCaptureDate
	fieldModificationDate
)

// encodeFile returns the file contents for s: the encoded snapshot and its
// SHA-512 digest, each as a length-delimited record.
func encodeFile(s *Snapshot) []byte {
	body := encodeSnapshot(s)
	sum := sha512.Sum512(body)
	out := protowire.AppendBytes(nil, body)
	return protowire.AppendBytes(out, sum[:])
}

// decodeFile verifies the digest and decodes the snapshot.
func decodeFile(b []byte) (*Snapshot, error) {
	body, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: snapshot record: %v", errCorrupt, protowire.ParseError(n))
	}
	b = b[n:]
	digest, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: digest record: %v", errCorrupt, protowire.ParseError(n))
	}
	if n != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", errCorrupt, len(b)-n)
	}
	sum := sha512.Sum512(body)
	if string(digest) != string(sum[:]) {
		return nil, fmt.Errorf("%w: digest mismatch", errCorrupt)
	}
	return decodeSnapshot(body)
}

func encodeSnapshot(s *Snapshot) []byte {
	b := protowire.AppendTag(nil, fieldSavedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.SavedAt.UnixNano()))
	for i, info := range s.Infos {
		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeEntry(s.Handles[i], info))
	}
	return b
}

func encodeEntry(handle uint32, info ptpip.ObjectInfo) []byte {
	var b []byte
	uints := []struct {
		num protowire.Number
		val uint64
	}{
		{fieldHandle, uint64(handle)},
		{fieldStorageID, uint64(info.StorageID)},
		{fieldObjectFormat, uint64(info.ObjectFormat)},
		{fieldProtectionStatus, uint64(info.ProtectionStatus)},
		{fieldCompressedSize, uint64(info.CompressedSize)},
		{fieldThumbFormat, uint64(info.ThumbFormat)},
		{fieldThumbCompressedSize, uint64(info.ThumbCompressedSize)},
		{fieldThumbPixWidth, uint64(info.ThumbPixWidth)},
		{fieldThumbPixHeight, uint64(info.ThumbPixHeight)},
		{fieldImagePixWidth, uint64(info.ImagePixWidth)},
		{fieldImagePixHeight, uint64(info.ImagePixHeight)},
		{fieldImageBitDepth, uint64(info.ImageBitDepth)},
		{fieldParentObject, uint64(info.ParentObject)},
		{fieldAssociationType, uint64(info.AssociationType)},
		{fieldAssociationDesc, uint64(info.AssociationDesc)},
		{fieldSequenceNumber, uint64(info.SequenceNumber)},
	}
	for _, f := range uints {
		b = protowire.AppendTag(b, f.num, protowire.VarintType)
		b = protowire.AppendVarint(b, f.val)
	}
	strs := []struct {
		num protowire.Number
		val string
	}{
		{fieldFilename, info.Filename},
		{fieldCaptureDate, info.CaptureDate},
		{fieldModificationDate, info.ModificationDate},
	}
	for _, f := range strs {
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		b = protowire.AppendString(b, f.val)
	}
	return b
}

func decodeSnapshot(b []byte) (*Snapshot, error) {
	s := &Snapshot{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldSavedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: saved at: %v", errCorrupt, protowire.ParseError(n))
			}
			s.SavedAt = time.Unix(0, int64(v))
			b = b[n:]
		case num == fieldEntry && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: entry: %v", errCorrupt, protowire.ParseError(n))
			}
			handle, info, err := decodeEntry(v)
			if err != nil {
				return nil, err
			}
			s.Handles = append(s.Handles, handle)
			s.Infos = append(s.Infos, info)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", errCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return s, nil
}

func decodeEntry(b []byte) (uint32, ptpip.ObjectInfo, error) {
	var handle uint32
	var info ptpip.ObjectInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, info, fmt.Errorf("%w: entry tag: %v", errCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		if typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, info, fmt.Errorf("%w: entry field %d: %v", errCorrupt, num, protowire.ParseError(n))
			}
			switch num {
			case fieldFilename:
				info.Filename = v
			case fieldCaptureDate:
				info.CaptureDate = v
			case fieldModificationDate:
				info.ModificationDate = v
			}
			b = b[n:]
			continue
		}
		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, info, fmt.Errorf("%w: entry field %d: %v", errCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, info, fmt.Errorf("%w: entry field %d: %v", errCorrupt, num, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldHandle:
			handle = uint32(v)
		case fieldStorageID:
			info.StorageID = uint32(v)
		case fieldObjectFormat:
			info.ObjectFormat = ptpip.ObjectFormat(v)
		case fieldProtectionStatus:
			info.ProtectionStatus = uint16(v)
		case fieldCompressedSize:
			info.CompressedSize = uint32(v)
		case fieldThumbFormat:
			info.ThumbFormat = ptpip.ObjectFormat(v)
		case fieldThumbCompressedSize:
			info.ThumbCompressedSize = uint32(v)
		case fieldThumbPixWidth:
			info.ThumbPixWidth = uint32(v)
		case fieldThumbPixHeight:
			info.ThumbPixHeight = uint32(v)
		case fieldImagePixWidth:
			info.ImagePixWidth = uint32(v)
		case fieldImagePixHeight:
			info.ImagePixHeight = uint32(v)
		case fieldImageBitDepth:
			info.ImageBitDepth = uint32(v)
		case fieldParentObject:
			info.ParentObject = uint32(v)
		case fieldAssociationType:
			info.AssociationType = uint16(v)
		case fieldAssociationDesc:
			info.AssociationDesc = uint32(v)
		case fieldSequenceNumber:
			info.SequenceNumber = uint32(v)
		}
	}
	return handle, info, nil
}
