package ptpip

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// errTruncated is the message used for datasets shorter than their fields.
const errTruncated = "truncated dataset"

// DecodeCountedString decodes a counted UTF-16 string: one length byte
// holding the character count including the terminating NUL, followed by
// that many little-endian code units. It returns the string and the number
// of bytes consumed.
func DecodeCountedString(b []byte) (string, int, error) {
	if len(b) < 1 {
		return "", 0, &ProtocolError{Msg: errTruncated + ": missing string length"}
	}
	count := int(b[0])
	if count == 0 {
		return "", 1, nil
	}
	end := 1 + count*2
	if len(b) < end {
		return "", 0, &ProtocolError{Msg: fmt.Sprintf("%s: string needs %d bytes, have %d", errTruncated, end, len(b))}
	}
	s, err := utf16le.NewDecoder().Bytes(b[1:end])
	if err != nil {
		return "", 0, &ProtocolError{Msg: fmt.Sprintf("invalid UTF-16 string: %v", err)}
	}
	return strings.TrimRight(string(s), "\x00"), end, nil
}

// EncodeUTF16 encodes s as little-endian UTF-16, optionally NUL terminated.
func EncodeUTF16(s string, nulTerminated bool) ([]byte, error) {
	if nulTerminated {
		s += "\x00"
	}
	return utf16le.NewEncoder().Bytes([]byte(s))
}

// EncodeCountedString encodes s as a counted UTF-16 string. An empty string
// is encoded as a single zero length byte.
func EncodeCountedString(s string) ([]byte, error) {
	if s == "" {
		return []byte{0}, nil
	}
	units, err := EncodeUTF16(s, true)
	if err != nil {
		return nil, err
	}
	count := len(units) / 2
	if count > 255 {
		return nil, fmt.Errorf("string too long for counted encoding: %d code units", count)
	}
	return append([]byte{byte(count)}, units...), nil
}

// DecodeUint32List decodes a counted array of u32 values.
func DecodeUint32List(b []byte) ([]uint32, int, error) {
	if len(b) < 4 {
		return nil, 0, &ProtocolError{Msg: errTruncated + ": missing array count"}
	}
	count := int(binary.LittleEndian.Uint32(b))
	end := 4 + count*4
	if count < 0 || len(b) < end {
		return nil, 0, &ProtocolError{Msg: fmt.Sprintf("%s: array of %d u32 needs %d bytes, have %d", errTruncated, count, end, len(b))}
	}
	out := make([]uint32, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[4+i*4:])
	}
	return out, end, nil
}

// DecodeUint16List decodes a counted array of u16 values.
func DecodeUint16List(b []byte) ([]uint16, int, error) {
	if len(b) < 4 {
		return nil, 0, &ProtocolError{Msg: errTruncated + ": missing array count"}
	}
	count := int(binary.LittleEndian.Uint32(b))
	end := 4 + count*2
	if count < 0 || len(b) < end {
		return nil, 0, &ProtocolError{Msg: fmt.Sprintf("%s: array of %d u16 needs %d bytes, have %d", errTruncated, count, end, len(b))}
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[4+i*2:])
	}
	return out, end, nil
}

// EncodeUint32List encodes a counted array of u32 values.
func EncodeUint32List(vals []uint32) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(vals)))
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	return out
}

// EncodeUint16List encodes a counted array of u16 values.
func EncodeUint16List(vals []uint16) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(vals)))
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint16(out, v)
	}
	return out
}

// ObjectInfo describes one file or folder on the device. It is comparable,
// so a cached copy can be checked against a fresh one with ==.
type ObjectInfo struct {
	StorageID           uint32
	ObjectFormat        ObjectFormat
	ProtectionStatus    uint16
	CompressedSize      uint32
	ThumbFormat         ObjectFormat
	ThumbCompressedSize uint32
	ThumbPixWidth       uint32
	ThumbPixHeight      uint32
	ImagePixWidth       uint32
	ImagePixHeight      uint32
	ImageBitDepth       uint32
	ParentObject        uint32
	AssociationType     uint16
	AssociationDesc     uint32
	SequenceNumber      uint32
	Filename            string
	CaptureDate         string
	ModificationDate    string
}

const objectInfoFixedSize = 52

// IsFolder reports whether the object is a generic folder.
func (o ObjectInfo) IsFolder() bool {
	return o.AssociationType == AssociationGenericFolder
}

// ParseObjectInfo decodes an ObjectInfo dataset. Date strings longer than
// the 15 character form are truncated (some devices append a timezone).
func ParseObjectInfo(b []byte) (ObjectInfo, error) {
	if len(b) < objectInfoFixedSize {
		return ObjectInfo{}, &ProtocolError{Op: OpGetObjectInfo, Msg: fmt.Sprintf("%s: object info is %d bytes", errTruncated, len(b))}
	}
	le := binary.LittleEndian
	info := ObjectInfo{
		StorageID:           le.Uint32(b[0:]),
		ObjectFormat:        ObjectFormat(le.Uint16(b[4:])),
		ProtectionStatus:    le.Uint16(b[6:]),
		CompressedSize:      le.Uint32(b[8:]),
		ThumbFormat:         ObjectFormat(le.Uint16(b[12:])),
		ThumbCompressedSize: le.Uint32(b[14:]),
		ThumbPixWidth:       le.Uint32(b[18:]),
		ThumbPixHeight:      le.Uint32(b[22:]),
		ImagePixWidth:       le.Uint32(b[26:]),
		ImagePixHeight:      le.Uint32(b[30:]),
		ImageBitDepth:       le.Uint32(b[34:]),
		ParentObject:        le.Uint32(b[38:]),
		AssociationType:     le.Uint16(b[42:]),
		AssociationDesc:     le.Uint32(b[44:]),
		SequenceNumber:      le.Uint32(b[48:]),
	}
	off := objectInfoFixedSize
	var err error
	var n int
	if info.Filename, n, err = DecodeCountedString(b[off:]); err != nil {
		return ObjectInfo{}, err
	}
	off += n
	if info.CaptureDate, n, err = DecodeCountedString(b[off:]); err != nil {
		return ObjectInfo{}, err
	}
	off += n
	if info.ModificationDate, _, err = DecodeCountedString(b[off:]); err != nil {
		return ObjectInfo{}, err
	}
	info.CaptureDate = truncate(info.CaptureDate, len(dateTimeLayout))
	info.ModificationDate = truncate(info.ModificationDate, len(dateTimeLayout))
	return info, nil
}

// EncodeObjectInfo encodes info as an ObjectInfo dataset followed by an
// empty keywords string.
func EncodeObjectInfo(info ObjectInfo) ([]byte, error) {
	le := binary.LittleEndian
	b := make([]byte, objectInfoFixedSize)
	le.PutUint32(b[0:], info.StorageID)
	le.PutUint16(b[4:], uint16(info.ObjectFormat))
	le.PutUint16(b[6:], info.ProtectionStatus)
	le.PutUint32(b[8:], info.CompressedSize)
	le.PutUint16(b[12:], uint16(info.ThumbFormat))
	le.PutUint32(b[14:], info.ThumbCompressedSize)
	le.PutUint32(b[18:], info.ThumbPixWidth)
	le.PutUint32(b[22:], info.ThumbPixHeight)
	le.PutUint32(b[26:], info.ImagePixWidth)
	le.PutUint32(b[30:], info.ImagePixHeight)
	le.PutUint32(b[34:], info.ImageBitDepth)
	le.PutUint32(b[38:], info.ParentObject)
	le.PutUint16(b[42:], info.AssociationType)
	le.PutUint32(b[44:], info.AssociationDesc)
	le.PutUint32(b[48:], info.SequenceNumber)
	for _, s := range []string{info.Filename, info.CaptureDate, info.ModificationDate, ""} {
		enc, err := EncodeCountedString(s)
		if err != nil {
			return nil, err
		}
		b = append(b, enc...)
	}
	return b, nil
}

// DeviceInfo describes the device and the operations it supports.
type DeviceInfo struct {
	StandardVersion     uint16
	VendorExtensionID   uint32
	VendorExtensionVer  uint16
	VendorExtensionDesc string
	OperationsSupported map[OpCode]bool
	EventsSupported     map[EventCode]bool
	PropertiesSupported map[uint32]bool
	CaptureFormats      []ObjectFormat
	ImageFormats        []ObjectFormat
	Manufacturer        string
	Model               string
	DeviceVersion       string
	SerialNumber        string
}

// Supports reports whether the device advertises op.
func (d *DeviceInfo) Supports(op OpCode) bool {
	return d.OperationsSupported[op]
}

// ParseDeviceInfo decodes a DeviceInfo dataset. Leading spaces and zeros
// are stripped from the serial number.
func ParseDeviceInfo(b []byte) (*DeviceInfo, error) {
	if len(b) < 8 {
		return nil, &ProtocolError{Op: OpGetDeviceInfo, Msg: errTruncated + ": device info header"}
	}
	le := binary.LittleEndian
	d := &DeviceInfo{
		StandardVersion:     le.Uint16(b[0:]),
		VendorExtensionID:   le.Uint32(b[2:]),
		VendorExtensionVer:  le.Uint16(b[6:]),
		OperationsSupported: map[OpCode]bool{},
		EventsSupported:     map[EventCode]bool{},
		PropertiesSupported: map[uint32]bool{},
	}
	off := 8
	s, n, err := DecodeCountedString(b[off:])
	if err != nil {
		return nil, err
	}
	d.VendorExtensionDesc = s
	off += n + 2 // functional mode

	lists := make([][]uint16, 5)
	for i := range lists {
		if off > len(b) {
			return nil, &ProtocolError{Op: OpGetDeviceInfo, Msg: errTruncated + ": device info lists"}
		}
		if lists[i], n, err = DecodeUint16List(b[off:]); err != nil {
			return nil, err
		}
		off += n
	}
	for _, v := range lists[0] {
		d.OperationsSupported[OpCode(v)] = true
	}
	for _, v := range lists[1] {
		d.EventsSupported[EventCode(v)] = true
	}
	for _, v := range lists[2] {
		d.PropertiesSupported[uint32(v)] = true
	}
	for _, v := range lists[3] {
		d.CaptureFormats = append(d.CaptureFormats, ObjectFormat(v))
	}
	for _, v := range lists[4] {
		d.ImageFormats = append(d.ImageFormats, ObjectFormat(v))
	}

	strs := make([]string, 4)
	for i := range strs {
		if strs[i], n, err = DecodeCountedString(b[off:]); err != nil {
			return nil, err
		}
		off += n
	}
	d.Manufacturer, d.Model, d.DeviceVersion = strs[0], strs[1], strs[2]
	d.SerialNumber = strings.TrimLeft(strs[3], " 0")
	return d, nil
}

// StorageInfo describes one storage (memory card) on the device.
type StorageInfo struct {
	StorageType        uint16
	FilesystemType     uint16
	AccessCapability   uint16
	MaxCapacity        uint64
	FreeSpaceBytes     uint64
	FreeSpaceImages    uint32
	StorageDescription string
	VolumeLabel        string
}

// ParseStorageInfo decodes a StorageInfo dataset.
func ParseStorageInfo(b []byte) (StorageInfo, error) {
	if len(b) < 26 {
		return StorageInfo{}, &ProtocolError{Op: OpGetStorageInfo, Msg: errTruncated + ": storage info"}
	}
	le := binary.LittleEndian
	si := StorageInfo{
		StorageType:      le.Uint16(b[0:]),
		FilesystemType:   le.Uint16(b[2:]),
		AccessCapability: le.Uint16(b[4:]),
		MaxCapacity:      le.Uint64(b[6:]),
		FreeSpaceBytes:   le.Uint64(b[14:]),
		FreeSpaceImages:  le.Uint32(b[22:]),
	}
	off := 26
	s, n, err := DecodeCountedString(b[off:])
	if err != nil {
		return StorageInfo{}, err
	}
	si.StorageDescription = s
	off += n
	if off < len(b) {
		if si.VolumeLabel, _, err = DecodeCountedString(b[off:]); err != nil {
			return StorageInfo{}, err
		}
	}
	return si, nil
}

// Event is one entry of a vendor event queue.
type Event struct {
	Code  EventCode
	Param uint32
}

// ParseNikonEvents decodes the reply to OpNikonGetEvent: a u16 count
// followed by (u16 code, u32 param) records.
func ParseNikonEvents(b []byte) ([]Event, error) {
	if len(b) < 2 {
		return nil, &ProtocolError{Op: OpNikonGetEvent, Msg: errTruncated + ": event count"}
	}
	count := int(binary.LittleEndian.Uint16(b))
	if len(b) < 2+count*6 {
		return nil, &ProtocolError{Op: OpNikonGetEvent, Msg: fmt.Sprintf("%s: %d events need %d bytes, have %d", errTruncated, count, 2+count*6, len(b))}
	}
	events := make([]Event, count)
	for i := range events {
		rec := b[2+i*6:]
		events[i] = Event{
			Code:  EventCode(binary.LittleEndian.Uint16(rec)),
			Param: binary.LittleEndian.Uint32(rec[2:]),
		}
	}
	return events, nil
}

// EncodeNikonEvents encodes events in the OpNikonGetEvent reply format.
func EncodeNikonEvents(events []Event) []byte {
	out := binary.LittleEndian.AppendUint16(nil, uint16(len(events)))
	for _, e := range events {
		out = binary.LittleEndian.AppendUint16(out, uint16(e.Code))
		out = binary.LittleEndian.AppendUint32(out, e.Param)
	}
	return out
}

// dateTimeLayout is the device date-time form "YYYYMMDDThhmmss".
const dateTimeLayout = "20060102T150405"

// nikonNullDate is reported by some devices for objects without a date.
const nikonNullDate = "19800000T000000"

// ParseDateTime converts a device date-time string to a time in loc. It
// returns the zero time for strings not in "YYYYMMDDThhmmss" form.
func ParseDateTime(s string, loc *time.Location) time.Time {
	if len(s) != len(dateTimeLayout) || s[8] != 'T' || s == nikonNullDate {
		return time.Time{}
	}
	t, err := time.ParseInLocation(dateTimeLayout, s, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatDateTime formats t in the device date-time form.
func FormatDateTime(t time.Time) string {
	return t.Format(dateTimeLayout)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
