package ptpip

import (
	"errors"
	"fmt"
)

// ErrInterrupted is returned for every operation issued after a transfer was
// cut short by cancellation. The device session is in an unknown state and
// must be torn down and re-established.
var ErrInterrupted = errors.New("previous transfer interrupted - session in unknown state")

// ConnectError reports a failure to establish a device connection or session.
type ConnectError struct {
	Addr string
	// Msg is a user-facing diagnosis, stable across retries so callers can
	// suppress repeats.
	Msg string
	Err error
}

func (e *ConnectError) Error() string {
	return ">> Connection Failed << " + e.Msg
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports a violation of the wire protocol: a transaction id
// mismatch, an unexpected frame tag, a malformed frame or a data underrun.
// The session cannot continue after one.
type ProtocolError struct {
	Op  OpCode
	Msg string
}

func (e *ProtocolError) Error() string {
	if e.Op == 0 {
		return "protocol error: " + e.Msg
	}
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Msg)
}

// OpError reports an operation that did not complete with RespOK. Code is
// RespCommunicationError when the exchange broke down at the transport
// level, in which case Partial holds the data bytes received before the
// failure and TotalSize the size the device advertised in its data-start.
type OpError struct {
	Op        OpCode
	Code      RespCode
	Partial   []byte
	TotalSize uint32
	Err       error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Code)
}

func (e *OpError) Unwrap() error { return e.Err }

// Communication reports whether the failure happened at the transport level.
func (e *OpError) Communication() bool {
	return e.Code == RespCommunicationError
}

// RespCodeOf returns the response code carried by err, if any.
func RespCodeOf(err error) (RespCode, bool) {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Code, true
	}
	return 0, false
}

// IsCommunication reports whether err is a transport-level operation failure.
func IsCommunication(err error) bool {
	var opErr *OpError
	return errors.As(err, &opErr) && opErr.Communication()
}

// Kind is the closed set of failure classes surfaced by this package.
type Kind int

const (
	KindNone Kind = iota
	KindConnect
	KindProtocol
	KindRejected
	KindCommunication
	KindInterrupted
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnect:
		return "connect"
	case KindProtocol:
		return "protocol"
	case KindRejected:
		return "rejected"
	case KindCommunication:
		return "communication"
	case KindInterrupted:
		return "interrupted"
	}
	return "other"
}

// Retryable reports whether a fresh session may succeed where this one failed.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnect, KindProtocol, KindCommunication:
		return true
	}
	return false
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrInterrupted) {
		return KindInterrupted
	}
	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return KindConnect
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return KindProtocol
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		if opErr.Communication() {
			return KindCommunication
		}
		return KindRejected
	}
	return KindOther
}
