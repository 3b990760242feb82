// Package ptpiptest provides a scripted in-process camera that speaks the
// PTP/IP wire protocol, for testing code built on package ptpip.
//
// # Usage Example
//
//	cam := ptpiptest.NewCamera()
//	cam.AddObject(1, ptpip.ObjectInfo{Filename: "DCIM", AssociationType: ptpip.AssociationGenericFolder}, nil)
//	cam.AddObject(2, ptpip.ObjectInfo{Filename: "DSC_0001.JPG", ParentObject: 1}, jpegBytes)
//
//	conn := cam.Pipe(t)
//	handles, err := conn.GetObjectHandles(ctx, cam.StorageID)
package ptpiptest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/superfly/camxfer/ptpip"
)

// Request is a command request as received by the camera, with the
// outbound data of host-to-device operations.
type Request struct {
	ptpip.CommandRequest
	Data []byte
}

// Arg returns the i-th u32 argument, or 0 if absent.
func (r Request) Arg(i int) uint32 {
	if len(r.Args) < 4*(i+1) {
		return 0
	}
	return binary.LittleEndian.Uint32(r.Args[4*i:])
}

// Response scripts the camera's reply to one request.
type Response struct {
	// Code is the response code (default RespOK)
	Code ptpip.RespCode

	// Param is the optional response parameter
	Param *uint32

	// Data is sent device-to-host behind a data start frame
	Data []byte

	// Advertise overrides the size announced in the data start frame
	Advertise *uint32

	// ChunkSize splits Data across several data payload frames
	ChunkSize int

	// TxID overrides the transaction id on every reply frame
	TxID *uint32

	// DropAfter, when > 0, sends only that many payload bytes of the first
	// data payload frame and then closes the connection
	DropAfter int

	// RawFrames are written verbatim instead of the frames built above
	RawFrames [][]byte
}

// Handler produces the response to a request.
type Handler func(req Request) Response

// Camera is a scripted PTP/IP device.
type Camera struct {
	mu sync.Mutex

	SessionID    uint32
	StorageID    uint32
	Manufacturer string
	Model        string
	Serial       string

	// RejectGUID makes the host introduction fail
	RejectGUID bool

	handlers map[ptpip.OpCode]Handler
	objects  map[uint32]ptpip.ObjectInfo
	contents map[uint32][]byte
	requests []Request
	props    map[uint32][]byte
}

// NewCamera returns a camera with a single populated card and default
// handlers for the operations used to enumerate and download objects.
func NewCamera() *Camera {
	c := &Camera{
		SessionID:    0x1234,
		StorageID:    0x00010001,
		Manufacturer: "Nikon Corporation",
		Model:        "D7200",
		Serial:       "0003012345",
		handlers:     map[ptpip.OpCode]Handler{},
		objects:      map[uint32]ptpip.ObjectInfo{},
		contents:     map[uint32][]byte{},
		props:        map[uint32][]byte{},
	}
	c.installDefaults()
	return c
}

// Handle overrides the handler for op.
func (c *Camera) Handle(op ptpip.OpCode, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[op] = h
}

// AddObject adds an object with its data. StorageID defaults to the
// camera's card.
func (c *Camera) AddObject(handle uint32, info ptpip.ObjectInfo, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info.StorageID == 0 {
		info.StorageID = c.StorageID
	}
	if data != nil && info.CompressedSize == 0 {
		info.CompressedSize = uint32(len(data))
	}
	if info.ObjectFormat == 0 {
		if info.AssociationType == ptpip.AssociationGenericFolder {
			info.ObjectFormat = ptpip.FormatAssociation
		} else {
			info.ObjectFormat = ptpip.FormatEXIFJPEG
		}
	}
	c.objects[handle] = info
	c.contents[handle] = data
}

// SetObjectInfo replaces the info of an existing object.
func (c *Camera) SetObjectInfo(handle uint32, info ptpip.ObjectInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[handle] = info
}

// RemoveObject deletes an object.
func (c *Camera) RemoveObject(handle uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, handle)
	delete(c.contents, handle)
}

// Prop returns the last value set for a device property.
func (c *Camera) Prop(prop uint32) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props[prop]
}

// SetProp sets a device property value.
func (c *Camera) SetProp(prop uint32, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props[prop] = value
}

// Requests returns the command requests received so far.
func (c *Camera) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.requests...)
}

// RequestsFor returns the received requests for op.
func (c *Camera) RequestsFor(op ptpip.OpCode) []Request {
	var out []Request
	for _, r := range c.Requests() {
		if r.Op == op {
			out = append(out, r)
		}
	}
	return out
}

// Handles returns the current object handles in ascending order.
func (c *Camera) Handles() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, 0, len(c.objects))
	for h := range c.objects {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pipe starts serving the camera on one end of an in-memory connection and
// returns a ptpip.Conn on the other end. Both are closed at test cleanup.
func (c *Camera) Pipe(t testing.TB) *ptpip.Conn {
	t.Helper()
	client, server := net.Pipe()
	go c.Serve(server)
	conn := ptpip.NewConn(client, ptpip.Config{Name: "test", IOTimeout: 5 * time.Second})
	t.Cleanup(func() {
		conn.Close()
		server.Close()
	})
	return conn
}

// Listen serves the camera on a loopback TCP listener and returns its
// address. The listener is closed at test cleanup.
func (c *Camera) Listen(t testing.TB) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go c.Serve(nc)
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// Serve answers frames on rw until it fails or is closed.
func (c *Camera) Serve(rw io.ReadWriteCloser) error {
	defer rw.Close()
	for {
		payload, err := ptpip.ReadFrame(rw)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		switch ptpip.PayloadTag(payload) {
		case ptpip.TagInitCmdReq:
			if c.RejectGUID {
				err = ptpip.WriteFrame(rw, binary.LittleEndian.AppendUint32(nil, 0x05))
				break
			}
			reply := binary.LittleEndian.AppendUint32(nil, ptpip.TagInitCmdAck)
			reply = binary.LittleEndian.AppendUint32(reply, c.SessionID)
			reply = append(reply, make([]byte, 16)...)
			err = ptpip.WriteFrame(rw, reply)
		case ptpip.TagInitEventReq:
			err = ptpip.WriteFrame(rw, binary.LittleEndian.AppendUint32(nil, ptpip.TagInitEventAck))
		case ptpip.TagProbeRequest:
			err = ptpip.WriteFrame(rw, binary.LittleEndian.AppendUint32(nil, ptpip.TagProbeResponse))
		case ptpip.TagCmdRequest:
			var closeAfter bool
			closeAfter, err = c.serveCommand(rw, payload)
			if err == nil && closeAfter {
				return nil
			}
		default:
			return fmt.Errorf("unexpected payload tag 0x%x", ptpip.PayloadTag(payload))
		}
		if err != nil {
			return err
		}
	}
}

func (c *Camera) serveCommand(rw io.ReadWriter, payload []byte) (bool, error) {
	cmd, err := ptpip.DecodeCommandRequest(payload)
	if err != nil {
		return false, err
	}
	req := Request{CommandRequest: cmd}
	if cmd.Direction == uint32(ptpip.DirHostToDevice) {
		if _, err := ptpip.ReadFrame(rw); err != nil {
			return false, err
		}
		data, err := ptpip.ReadFrame(rw)
		if err != nil {
			return false, err
		}
		req.Data = data[8:]
	}

	c.mu.Lock()
	c.requests = append(c.requests, req)
	h, ok := c.handlers[cmd.Op]
	c.mu.Unlock()

	resp := Response{Code: ptpip.RespOperationNotSupported}
	if ok {
		resp = h(req)
	}
	if resp.Code == 0 {
		resp.Code = ptpip.RespOK
	}
	return c.reply(rw, cmd.TransactionID, resp)
}

func (c *Camera) reply(w io.Writer, txID uint32, resp Response) (bool, error) {
	if resp.RawFrames != nil {
		for _, f := range resp.RawFrames {
			if err := ptpip.WriteFrame(w, f); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	if resp.TxID != nil {
		txID = *resp.TxID
	}

	if resp.Data != nil {
		size := uint32(len(resp.Data))
		if resp.Advertise != nil {
			size = *resp.Advertise
		}
		if err := ptpip.WriteFrame(w, ptpip.EncodeDataStart(txID, size)); err != nil {
			return false, err
		}
		if resp.DropAfter > 0 {
			frame := ptpip.EncodeDataPayload(ptpip.TagDataPayloadLast, txID, resp.Data)
			buf := binary.LittleEndian.AppendUint32(nil, uint32(4+len(frame)))
			buf = append(buf, frame[:resp.DropAfter]...)
			_, err := w.Write(buf)
			return true, err
		}
		chunk := resp.ChunkSize
		if chunk <= 0 {
			chunk = len(resp.Data)
		}
		for off := 0; ; off += chunk {
			end := off + chunk
			tag := ptpip.TagDataPayload
			if end >= len(resp.Data) {
				end = len(resp.Data)
				tag = ptpip.TagDataPayloadLast
			}
			if err := ptpip.WriteFrame(w, ptpip.EncodeDataPayload(tag, txID, resp.Data[off:end])); err != nil {
				return false, err
			}
			if tag == ptpip.TagDataPayloadLast {
				break
			}
		}
	}
	return false, ptpip.WriteFrame(w, ptpip.EncodeCmdResponse(resp.Code, txID, resp.Param))
}

func (c *Camera) installDefaults() {
	c.handlers[ptpip.OpGetDeviceInfo] = func(Request) Response {
		return Response{Data: c.deviceInfo()}
	}
	c.handlers[ptpip.OpOpenSession] = func(Request) Response { return Response{} }
	c.handlers[ptpip.OpCloseSession] = func(Request) Response { return Response{} }
	c.handlers[ptpip.OpGetStorageIDs] = func(Request) Response {
		return Response{Data: ptpip.EncodeUint32List([]uint32{c.StorageID})}
	}
	c.handlers[ptpip.OpGetStorageInfo] = func(Request) Response {
		return Response{Data: encodeStorageInfo()}
	}
	c.handlers[ptpip.OpGetNumObjects] = func(Request) Response {
		n := uint32(len(c.Handles()))
		return Response{Param: &n}
	}
	c.handlers[ptpip.OpGetObjectHandles] = func(Request) Response {
		return Response{Data: ptpip.EncodeUint32List(c.Handles())}
	}
	c.handlers[ptpip.OpGetObjectInfo] = func(req Request) Response {
		c.mu.Lock()
		info, ok := c.objects[req.Arg(0)]
		c.mu.Unlock()
		if !ok {
			return Response{Code: ptpip.RespInvalidObjectHandle}
		}
		data, err := ptpip.EncodeObjectInfo(info)
		if err != nil {
			return Response{Code: ptpip.RespGeneralError}
		}
		return Response{Data: data}
	}
	c.handlers[ptpip.OpGetPartialObject] = func(req Request) Response {
		c.mu.Lock()
		data, ok := c.contents[req.Arg(0)]
		c.mu.Unlock()
		if !ok {
			return Response{Code: ptpip.RespInvalidObjectHandle}
		}
		off, size := req.Arg(1), req.Arg(2)
		if int(off) > len(data) {
			return Response{Code: ptpip.RespInvalidParameter}
		}
		end := int(off) + int(size)
		if end > len(data) {
			end = len(data)
		}
		n := uint32(end - int(off))
		return Response{Data: data[off:end], Param: &n}
	}
	c.handlers[ptpip.OpGetDevicePropValue] = func(req Request) Response {
		v := c.Prop(req.Arg(0))
		if v == nil {
			return Response{Code: ptpip.RespDevicePropNotSupported}
		}
		return Response{Data: v}
	}
	c.handlers[ptpip.OpSetDevicePropValue] = func(req Request) Response {
		c.SetProp(req.Arg(0), req.Data)
		return Response{}
	}
}

func (c *Camera) deviceInfo() []byte {
	le := binary.LittleEndian
	b := le.AppendUint16(nil, 100)
	b = le.AppendUint32(b, 0x0a)
	b = le.AppendUint16(b, 100)
	b = append(b, mustCounted("microsoft.com: 1.0")...)
	b = le.AppendUint16(b, 0)

	c.mu.Lock()
	var ops []uint16
	for op := range c.handlers {
		ops = append(ops, uint16(op))
	}
	var props []uint16
	for p := range c.props {
		props = append(props, uint16(p))
	}
	c.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	sort.Slice(props, func(i, j int) bool { return props[i] < props[j] })

	b = append(b, ptpip.EncodeUint16List(ops)...)
	b = append(b, ptpip.EncodeUint16List([]uint16{uint16(ptpip.EventObjectAdded)})...)
	b = append(b, ptpip.EncodeUint16List(props)...)
	b = append(b, ptpip.EncodeUint16List(nil)...)
	b = append(b, ptpip.EncodeUint16List([]uint16{uint16(ptpip.FormatEXIFJPEG)})...)
	for _, s := range []string{c.Manufacturer, c.Model, "V1.00", c.Serial} {
		b = append(b, mustCounted(s)...)
	}
	return b
}

func encodeStorageInfo() []byte {
	le := binary.LittleEndian
	b := le.AppendUint16(nil, 4)
	b = le.AppendUint16(b, 2)
	b = le.AppendUint16(b, 0)
	b = le.AppendUint64(b, 32<<30)
	b = le.AppendUint64(b, 16<<30)
	b = le.AppendUint32(b, 1000)
	b = append(b, mustCounted("")...)
	return append(b, mustCounted("NIKON D7200")...)
}

func mustCounted(s string) []byte {
	b, err := ptpip.EncodeCountedString(s)
	if err != nil {
		panic(err)
	}
	return b
}
