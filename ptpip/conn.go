// Package ptpip implements the host side of the PTP/IP transport used by
// Wi-Fi enabled cameras: frame encoding, the per-operation exchange, session
// bootstrap requests and the datasets carried by the operations this client
// needs.
//
// Every device interaction goes through Conn.Execute, which sends a command
// request, drives the data phase in the direction the operation requires
// and waits for the command response bearing the same transaction id.
//
// # Usage Example
//
//	nc, err := ptpip.Dial(ctx, "192.168.1.1:15740", ptpip.DefaultDialConfig())
//	if err != nil {
//		return err
//	}
//	conn := ptpip.NewConn(nc, ptpip.Config{Name: "primary", IOTimeout: 5 * time.Second})
//	defer conn.Close()
//
//	sessionID, err := conn.HostIntroduction(ctx, guid, "camxfer", ptpip.DefaultHostVersion)
//	if err != nil {
//		return err
//	}
//
// # Failure Handling
//
// Failures are returned as one of three typed errors (see KindOf):
//   - *ConnectError: the device could not be reached or refused the session
//   - *ProtocolError: the device violated the framing or transaction rules
//   - *OpError: the device rejected the operation, or the transport failed
//     mid-exchange (Code == RespCommunicationError). Transport failures carry
//     the data bytes received so far so large transfers can resume.
//
// Once an exchange is cut short by context cancellation, every later call
// returns ErrInterrupted: the device may still be streaming the abandoned
// response and the session must be re-established.
package ptpip

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/superfly/camxfer/metrics"
	"github.com/superfly/camxfer/safeguards"
)

// Transport is the byte stream to the device. *net.TCPConn satisfies it.
type Transport interface {
	io.ReadWriter
	SetDeadline(t time.Time) error
	Close() error
}

// ProgressFunc reports data received during an operation: the cumulative
// number of data bytes and the total the device advertised (0 if unknown).
type ProgressFunc func(received, total int)

// Result is the outcome of an operation the device completed with RespOK.
type Result struct {
	Code     RespCode
	Param    uint32
	HasParam bool
	Data     []byte
}

// Config configures a Conn.
type Config struct {
	// Name identifies the socket in logs ("primary" or "events")
	Name string

	// IOTimeout bounds every individual read and write. Zero disables it.
	IOTimeout time.Duration

	// Logger for protocol logging
	Logger logrus.FieldLogger
}

// Conn drives operations over one device socket.
type Conn struct {
	t           Transport
	name        string
	ioTimeout   time.Duration
	log         logrus.FieldLogger
	tracer      trace.Tracer
	guard       *safeguards.OperationGuard
	nextTxID    uint32
	interrupted bool
}

// NewConn wraps t. Transaction ids start at 1.
func NewConn(t Transport, cfg Config) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Name == "" {
		cfg.Name = "primary"
	}
	c := &Conn{
		t:         t,
		name:      cfg.Name,
		ioTimeout: cfg.IOTimeout,
		log:       cfg.Logger.WithFields(logrus.Fields{"component": "ptpip", "socket": cfg.Name}),
		tracer:    otel.Tracer("github.com/superfly/camxfer/ptpip"),
		nextTxID:  1,
	}
	c.guard = safeguards.NewOperationGuard(safeguards.GuardConfig{
		MaxConcurrent: 1,
		Logger:        c.log,
		HealthCheckFunc: func(context.Context) error {
			if c.interrupted {
				return ErrInterrupted
			}
			return nil
		},
	})
	return c
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.t.Close()
}

// Interrupted reports whether an exchange on this socket was cut short.
func (c *Conn) Interrupted() bool {
	return c.interrupted
}

// Execute performs one operation. args are the packed operation parameters
// (see Args); out is the outbound data for host-to-device operations.
func (c *Conn) Execute(ctx context.Context, op OpCode, args []byte, out []byte, progress ProgressFunc) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "ptpip."+op.Name(), trace.WithAttributes(
		attribute.String("ptpip.op", op.Name()),
		attribute.String("ptpip.socket", c.name),
	))
	defer span.End()

	start := time.Now()
	var res *Result
	err := c.guard.WithOperation(ctx, op.Name(), func() error {
		var err error
		res, err = c.exchange(ctx, op, args, out, progress)
		return err
	})

	err = c.notStarted(ctx, err)
	kind := KindOf(err)
	metrics.RecordDeviceOp(op.Name(), time.Since(start), kind.String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.WithFields(logrus.Fields{
			"op":   op.String(),
			"kind": kind.String(),
		}).WithError(err).Debug("operation failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("ptpip.bytes", len(res.Data)))
	metrics.RecordBytesReceived(len(res.Data))
	return res, nil
}

func (c *Conn) exchange(ctx context.Context, op OpCode, args []byte, out []byte, progress ProgressFunc) (*Result, error) {
	dir, ok := DirectionOf(op)
	if !ok {
		return nil, &ProtocolError{Op: op, Msg: "no data direction known for operation"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		c.t.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	txID := c.nextTxID
	c.nextTxID++

	log := c.log.WithFields(logrus.Fields{"op": op.String(), "txid": txID})
	log.Debug("sending command request")

	req := EncodeCommandRequest(CommandRequest{
		Direction:     dir.wireDirection(),
		Op:            op,
		TransactionID: txID,
		Args:          args,
	})
	if err := c.send(ctx, req); err != nil {
		return nil, c.transportFailure(ctx, op, err, nil, 0)
	}

	if dir == DirHostToDevice {
		log.WithField("bytes", len(out)).Debug("sending data phase")
		if err := c.send(ctx, EncodeDataStart(txID, uint32(len(out)))); err != nil {
			return nil, c.transportFailure(ctx, op, err, nil, 0)
		}
		if err := c.send(ctx, EncodeDataPayload(TagDataPayloadLast, txID, out)); err != nil {
			return nil, c.transportFailure(ctx, op, err, nil, 0)
		}
	}

	var data []byte
	var expected uint32
	for {
		onPartial := func(partial []byte) {
			if progress == nil || len(partial) < dataHeaderSize || !isDataTag(PayloadTag(partial)) {
				return
			}
			progress(len(data)+len(partial)-dataHeaderSize, int(expected))
		}

		payload, err := c.recv(ctx, onPartial)
		if err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				protoErr.Op = op
				return nil, protoErr
			}
			if len(payload) >= dataHeaderSize+4 && isDataTag(PayloadTag(payload)) {
				if got := binary.LittleEndian.Uint32(payload[4:]); got != txID {
					return nil, txMismatch(op, "partial data payload", txID, got)
				}
				data = append(data, payload[dataHeaderSize:]...)
			}
			return nil, c.transportFailure(ctx, op, err, data, expected)
		}

		tag := PayloadTag(payload)
		switch {
		case tag == TagDataStart:
			if dir != DirDeviceToHost {
				return nil, &ProtocolError{Op: op, Msg: "received data start for an operation without inbound data"}
			}
			if len(payload) < 12 {
				return nil, &ProtocolError{Op: op, Msg: "short data start payload"}
			}
			if got := binary.LittleEndian.Uint32(payload[4:]); got != txID {
				return nil, txMismatch(op, "data start", txID, got)
			}
			expected = binary.LittleEndian.Uint32(payload[8:])
			log.WithField("expected_bytes", expected).Trace("data start")

		case isDataTag(tag):
			if len(payload) < dataHeaderSize {
				return nil, &ProtocolError{Op: op, Msg: "short data payload"}
			}
			c.dump(op, "data payload", payload)
			if got := binary.LittleEndian.Uint32(payload[4:]); got != txID {
				return nil, txMismatch(op, "data payload", txID, got)
			}
			data = append(data, payload[dataHeaderSize:]...)

		case tag == TagCmdResponse:
			if len(payload) < 10 {
				return nil, &ProtocolError{Op: op, Msg: "short command response payload"}
			}
			code := RespCode(binary.LittleEndian.Uint16(payload[4:]))
			if got := binary.LittleEndian.Uint32(payload[6:]); got != txID {
				return nil, txMismatch(op, "command response", txID, got)
			}
			res := &Result{Code: code, Data: data}
			if len(payload) >= 14 {
				res.Param = binary.LittleEndian.Uint32(payload[10:])
				res.HasParam = true
			}
			log.WithField("resp", code.String()).Debug("command response")

			if code != RespOK {
				return nil, &OpError{Op: op, Code: code}
			}
			// Underrun is checked only after the response code so a device
			// that aborts a transfer reports its own reason.
			if expected > 0 && uint32(len(data)) < expected {
				return nil, &ProtocolError{Op: op, Msg: fmt.Sprintf("data underrun (exp=0x%08x, got=0x%08x)", expected, len(data))}
			}
			return res, nil

		default:
			c.dump(op, "unrecognized payload", payload)
			return nil, &ProtocolError{Op: op, Msg: fmt.Sprintf("unrecognized payload ID (0x%08x)", tag)}
		}
	}
}

// roundTrip sends a single-shot bootstrap payload and returns the reply.
func (c *Conn) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	var reply []byte
	err := c.guard.WithOperation(ctx, "bootstrap", func() error {
		stop := context.AfterFunc(ctx, func() {
			c.t.SetDeadline(time.Unix(1, 0))
		})
		defer stop()

		if err := c.send(ctx, payload); err != nil {
			return err
		}
		var err error
		reply, err = c.recv(ctx, nil)
		return err
	})
	if err != nil {
		return nil, c.notStarted(ctx, err)
	}
	return reply, nil
}

// notStarted classifies an operation refused because ctx ended before it
// reached the wire. The connection is left usable.
func (c *Conn) notStarted(ctx context.Context, err error) error {
	if err == nil || KindOf(err) != KindOther {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ErrInterrupted, ctxErr)
	}
	return err
}

func (c *Conn) send(ctx context.Context, payload []byte) error {
	if err := c.arm(ctx); err != nil {
		return err
	}
	return WriteFrame(c.t, payload)
}

func (c *Conn) recv(ctx context.Context, progress func([]byte)) ([]byte, error) {
	if err := c.arm(ctx); err != nil {
		return nil, err
	}
	return readFrame(c.t, progress)
}

// arm refreshes the socket deadline. The context is checked after the
// deadline is set so a cancellation racing with it is never lost.
func (c *Conn) arm(ctx context.Context) error {
	var deadline time.Time
	if c.ioTimeout > 0 {
		deadline = time.Now().Add(c.ioTimeout)
	}
	c.t.SetDeadline(deadline)
	return ctx.Err()
}

func (c *Conn) transportFailure(ctx context.Context, op OpCode, err error, partial []byte, total uint32) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.interrupted = true
		err = fmt.Errorf("%w: %w", ErrInterrupted, ctxErr)
	}
	c.log.WithFields(logrus.Fields{
		"op":             op.String(),
		"partial_bytes":  len(partial),
		"expected_bytes": total,
	}).WithError(err).Debug("transport failure during operation")
	return &OpError{
		Op:        op,
		Code:      RespCommunicationError,
		Partial:   partial,
		TotalSize: total,
		Err:       err,
	}
}

func (c *Conn) dump(op OpCode, what string, payload []byte) {
	if !isTraceEnabled(c.log) {
		return
	}
	limit := 4096
	switch op {
	case OpGetObject, OpGetPartialObject, OpGetThumb, OpGetLargeThumb:
		limit = 64
	}
	if len(payload) < limit {
		limit = len(payload)
	}
	c.log.WithFields(logrus.Fields{
		"op":    op.String(),
		"bytes": len(payload),
	}).Trace(what + "\n" + hex.Dump(payload[:limit]))
}

func isTraceEnabled(l logrus.FieldLogger) bool {
	if e, ok := l.(*logrus.Entry); ok {
		return e.Logger.IsLevelEnabled(logrus.TraceLevel)
	}
	return false
}

func isDataTag(tag uint32) bool {
	return tag == TagDataPayload || tag == TagDataPayloadLast
}

func txMismatch(op OpCode, what string, exp, got uint32) error {
	return &ProtocolError{
		Op:  op,
		Msg: fmt.Sprintf("incorrect transaction ID for %s (exp=%08x, got=%08x)", what, exp, got),
	}
}
