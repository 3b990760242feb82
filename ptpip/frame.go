package ptpip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Payload type tags. Every payload starts with one of these as a u32le.
const (
	TagInitCmdReq      uint32 = 0x01
	TagInitCmdAck      uint32 = 0x02
	TagInitEventReq    uint32 = 0x03
	TagInitEventAck    uint32 = 0x04
	TagCmdRequest      uint32 = 0x06
	TagCmdResponse     uint32 = 0x07
	TagDataStart       uint32 = 0x09
	TagDataPayload     uint32 = 0x0a
	TagDataPayloadLast uint32 = 0x0c
	TagProbeRequest    uint32 = 0x0d
	TagProbeResponse   uint32 = 0x0e
)

const (
	// frameHeaderSize is the length prefix in front of every payload.
	frameHeaderSize = 4
	// dataHeaderSize is the tag + transaction id in front of data bytes.
	dataHeaderSize = 8
	// maxFrameSize bounds a single frame. The largest frames are partial
	// object chunks, which stay well below this.
	maxFrameSize = 128 << 20
)

// WriteFrame writes payload behind its length prefix in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// errShortPreamble is returned when the length prefix itself could not be read.
var errShortPreamble = errors.New("insufficient payload preamble")

// readFrame reads one frame and returns its payload without the length
// prefix. On a transport error partway through the payload, the bytes
// received so far are returned along with the error. progress, if set, is
// called after every read with the payload bytes received so far.
func readFrame(r io.Reader, progress func(partial []byte)) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", errShortPreamble, err)
		}
		return nil, err
	}
	total := binary.LittleEndian.Uint32(hdr[:])
	if total < frameHeaderSize+4 || total > maxFrameSize {
		return nil, &ProtocolError{Msg: fmt.Sprintf("invalid frame length %d", total)}
	}

	payload := make([]byte, total-frameHeaderSize)
	got := 0
	for got < len(payload) {
		n, err := r.Read(payload[got:])
		got += n
		if n > 0 && progress != nil {
			progress(payload[:got])
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return payload[:got], err
		}
	}
	return payload, nil
}

// ReadFrame reads one frame and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrame(r, nil)
}

// PayloadTag returns the type tag at the start of a payload.
func PayloadTag(payload []byte) uint32 {
	return binary.LittleEndian.Uint32(payload)
}

// CommandRequest is the decoded form of a command-request payload.
type CommandRequest struct {
	Direction     uint32
	Op            OpCode
	TransactionID uint32
	Args          []byte
}

const cmdRequestHeaderSize = 14

// EncodeCommandRequest builds a command-request payload.
func EncodeCommandRequest(req CommandRequest) []byte {
	buf := make([]byte, cmdRequestHeaderSize, cmdRequestHeaderSize+len(req.Args))
	binary.LittleEndian.PutUint32(buf[0:], TagCmdRequest)
	binary.LittleEndian.PutUint32(buf[4:], req.Direction)
	binary.LittleEndian.PutUint16(buf[8:], uint16(req.Op))
	binary.LittleEndian.PutUint32(buf[10:], req.TransactionID)
	return append(buf, req.Args...)
}

// DecodeCommandRequest parses a command-request payload.
func DecodeCommandRequest(payload []byte) (CommandRequest, error) {
	if len(payload) < cmdRequestHeaderSize || PayloadTag(payload) != TagCmdRequest {
		return CommandRequest{}, &ProtocolError{Msg: "not a command request"}
	}
	req := CommandRequest{
		Direction:     binary.LittleEndian.Uint32(payload[4:]),
		Op:            OpCode(binary.LittleEndian.Uint16(payload[8:])),
		TransactionID: binary.LittleEndian.Uint32(payload[10:]),
	}
	if len(payload) > cmdRequestHeaderSize {
		req.Args = append([]byte(nil), payload[cmdRequestHeaderSize:]...)
	}
	return req, nil
}

// EncodeDataStart builds a data-start payload announcing size bytes.
func EncodeDataStart(txID uint32, size uint32) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], TagDataStart)
	binary.LittleEndian.PutUint32(buf[4:], txID)
	binary.LittleEndian.PutUint32(buf[8:], size)
	return buf
}

// EncodeDataPayload builds a data-payload payload. tag is TagDataPayload or
// TagDataPayloadLast.
func EncodeDataPayload(tag, txID uint32, data []byte) []byte {
	buf := make([]byte, dataHeaderSize, dataHeaderSize+len(data))
	binary.LittleEndian.PutUint32(buf[0:], tag)
	binary.LittleEndian.PutUint32(buf[4:], txID)
	return append(buf, data...)
}

// EncodeCmdResponse builds a command-response payload with an optional
// response parameter.
func EncodeCmdResponse(code RespCode, txID uint32, param *uint32) []byte {
	size := 10
	if param != nil {
		size = 14
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], TagCmdResponse)
	binary.LittleEndian.PutUint16(buf[4:], uint16(code))
	binary.LittleEndian.PutUint32(buf[6:], txID)
	if param != nil {
		binary.LittleEndian.PutUint32(buf[10:], *param)
	}
	return buf
}

// Args packs 32-bit operation arguments.
func Args(vals ...uint32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return buf
}
