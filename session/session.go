// Package session manages the lifetime of one PTP/IP session with a camera:
// connecting both sockets, the bootstrap exchange, opening and closing the
// session, storage selection, clock sync and the vendor notifications
// shown on the camera's screen.
//
// # Usage Example
//
//	s, err := session.Open(ctx, session.DefaultConfig("192.168.1.1"), nil)
//	if err != nil {
//	    return err
//	}
//	defer s.Close(context.Background())
//
//	storage, err := s.SelectStorage(ctx)
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/superfly/camxfer"
	"github.com/superfly/camxfer/ptpip"
	"github.com/superfly/camxfer/safeguards"
	"github.com/superfly/camxfer/ssdp"
)

var (
	// ErrDifferentCamera is returned when a retried session reaches a
	// different camera than the first one.
	ErrDifferentCamera = errors.New("discovered different camera during retry")

	// ErrNoCard is returned when no usable media card is present.
	ErrNoCard = errors.New("no media card present or card is busy")
)

// AutoAddress selects SSDP discovery instead of a fixed camera address.
const AutoAddress = "auto"

// Config configures a session.
type Config struct {
	// Address is the camera host, or AutoAddress
	Address string

	// Dial configures both socket connections
	Dial ptpip.DialConfig

	// IOTimeout bounds every socket read and write
	IOTimeout time.Duration

	// Host identity presented during the bootstrap exchange
	GUID        ptpip.GUID
	HostName    string
	HostVersion uint32

	// OpenSessionID overrides the id from the host introduction. When set,
	// a rejected OpenSession is not retried with id 1.
	OpenSessionID *uint32

	// Slot selects which media card(s) to use
	Slot SlotPolicy

	// ClockSync controls setting the camera clock from the host
	ClockSync ClockSync

	// SonyCommands enables optional Sony on-screen messages
	SonyCommands SonyCommands

	// CameraSleep puts Sony cameras to sleep when the session ends
	CameraSleep bool

	// KeepAliveInterval is the minimum time between keepalive operations
	KeepAliveInterval time.Duration

	// MinSessionTime is the minimum time between OpenSession and
	// CloseSession. Nikon bodies stop answering the next host introduction
	// when a session is closed sooner.
	MinSessionTime time.Duration

	// Discovery configures SSDP when Address is AutoAddress
	Discovery ssdp.Config

	// Logger for session logging
	Logger logrus.FieldLogger
}

// DefaultConfig returns the default session configuration for address.
func DefaultConfig(address string) Config {
	guid, _ := ptpip.ParseGUID(ptpip.DefaultGUID)
	return Config{
		Address:           address,
		Dial:              ptpip.DefaultDialConfig(),
		IOTimeout:         5 * time.Second,
		GUID:              guid,
		HostName:          "camxfer",
		HostVersion:       ptpip.DefaultHostVersion,
		Slot:              SlotFirstFound,
		ClockSync:         ClockSync{Threshold: 5 * time.Second},
		SonyCommands:      SonySendingMessage,
		CameraSleep:       true,
		KeepAliveInterval: 5 * time.Second,
		MinSessionTime:    time.Second,
		Discovery:         ssdp.DefaultConfig(),
	}
}

// Session is an open session with a camera.
type Session struct {
	Primary *ptpip.Conn
	Events  *ptpip.Conn
	Device  *ptpip.DeviceInfo
	Make    camxfer.Make
	Host    string
	ID      uint32

	cfg           Config
	log           logrus.FieldLogger
	opened        time.Time
	lastKeepAlive time.Time
	closed        bool
}

// Open connects to the camera and opens a session. prev is the device
// info from an earlier attempt of the same run, or nil; a camera whose
// identity differs from prev yields ErrDifferentCamera.
func Open(ctx context.Context, cfg Config, prev *ptpip.DeviceInfo) (*Session, error) {
	def := DefaultConfig(cfg.Address)
	if cfg.HostName == "" {
		cfg.HostName = def.HostName
	}
	if cfg.HostVersion == 0 {
		cfg.HostVersion = def.HostVersion
	}
	if cfg.GUID == (ptpip.GUID{}) {
		cfg.GUID = def.GUID
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Discovery.Logger == nil {
		cfg.Discovery.Logger = cfg.Logger
	}

	s := &Session{cfg: cfg, log: cfg.Logger.WithField("component", "session")}
	if err := s.open(ctx, prev); err != nil {
		s.closeSockets()
		return nil, err
	}
	return s, nil
}

func (s *Session) open(ctx context.Context, prev *ptpip.DeviceInfo) error {
	host := s.cfg.Address
	if host == AutoAddress {
		found, err := ssdp.Discover(ctx, s.cfg.Discovery)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ptpip.ConnectError{Addr: AutoAddress, Msg: err.Error(), Err: err}
		}
		host = found
	}
	s.Host = host

	primary, err := s.dial(ctx, "primary")
	if err != nil {
		return err
	}
	s.Primary = primary
	id, err := s.Primary.HostIntroduction(ctx, s.cfg.GUID, s.cfg.HostName, s.cfg.HostVersion)
	if err != nil {
		return err
	}
	s.ID = id
	s.log.WithField("session_id", fmt.Sprintf("0x%08x", id)).Debug("host introduction accepted")

	events, err := s.dial(ctx, "events")
	if err != nil {
		return err
	}
	s.Events = events
	if err := s.Events.InitEvents(ctx, id); err != nil {
		return err
	}
	// Without a probe on the event socket the session hangs on some bodies.
	if err := s.Events.Probe(ctx); err != nil {
		return err
	}

	info, err := s.Primary.GetDeviceInfo(ctx)
	if err != nil {
		return err
	}
	if prev != nil && !SameCamera(prev, info) {
		return fmt.Errorf("%w: was model %q S/N %q, now model %q S/N %q", ErrDifferentCamera,
			prev.Model, prev.SerialNumber, info.Model, info.SerialNumber)
	}
	s.Device = info
	s.Make = camxfer.DetectMake(info.Manufacturer)
	s.log.WithFields(logrus.Fields{
		"model":  info.Model,
		"serial": info.SerialNumber,
		"make":   s.Make.String(),
	}).Info("connected to camera")

	if err := s.openSession(ctx); err != nil {
		return err
	}
	s.opened = time.Now()
	return nil
}

func (s *Session) dial(ctx context.Context, name string) (*ptpip.Conn, error) {
	tcp, err := ptpip.Dial(ctx, s.Host, s.cfg.Dial)
	if err != nil {
		return nil, err
	}
	return ptpip.NewConn(tcp, ptpip.Config{Name: name, IOTimeout: s.cfg.IOTimeout, Logger: s.cfg.Logger}), nil
}

// openSession opens the session, falling back to id 1 for bodies (newer
// Nikons) that hand out session id 0 and then reject it.
func (s *Session) openSession(ctx context.Context) error {
	explicit := s.cfg.OpenSessionID != nil
	if explicit {
		s.ID = *s.cfg.OpenSessionID
	}
	for {
		err := s.Primary.OpenSession(ctx, s.ID)
		if err == nil {
			return nil
		}
		if explicit || ptpip.IsCommunication(err) || s.ID == 1 {
			return err
		}
		if _, ok := ptpip.RespCodeOf(err); !ok {
			return err
		}
		s.log.WithError(err).WithField("session_id", fmt.Sprintf("0x%08x", s.ID)).
			Debug("OpenSession rejected, retrying with session id 0x1")
		s.ID = 1
	}
}

// SameCamera reports whether a and b describe the same camera body.
func SameCamera(a, b *ptpip.DeviceInfo) bool {
	return a.Manufacturer == b.Manufacturer && a.Model == b.Model && a.SerialNumber == b.SerialNumber
}

// CameraID returns the identifier used for this camera's metadata and
// history rows.
func (s *Session) CameraID() string {
	return camxfer.CameraID(s.Device.Model, s.Device.SerialNumber)
}

// KeepAlive issues a lightweight operation when at least
// KeepAliveInterval passed since the last one. The first call only starts
// the clock. A probe is not enough: Sony bodies still time the session out.
func (s *Session) KeepAlive(ctx context.Context) error {
	now := time.Now()
	if s.lastKeepAlive.IsZero() {
		s.lastKeepAlive = now
		return nil
	}
	if now.Sub(s.lastKeepAlive) < s.cfg.KeepAliveInterval {
		return nil
	}
	s.lastKeepAlive = now
	_, err := s.Primary.GetDeviceInfo(ctx)
	return err
}

// NotifyStart shows the transfer-starting message on cameras that do not
// display one themselves.
func (s *Session) NotifyStart(ctx context.Context) error {
	if s.Make != camxfer.MakeSony || s.cfg.SonyCommands&SonySendingMessage == 0 {
		return nil
	}
	return s.Primary.SonyCommand(ctx, sonySendingMessage)
}

// notifyEnd sends the Sony end-of-transfer messages. Putting the camera to
// sleep drops it out of 'Send to Computer' mode, which accepts only one
// session per activation.
func (s *Session) notifyEnd(ctx context.Context) error {
	if s.Make != camxfer.MakeSony {
		return nil
	}
	var msgs [][]byte
	if s.cfg.SonyCommands&SonyUnknown1 != 0 {
		msgs = append(msgs, sonyEndMessage(3, 0x30))
	}
	if s.cfg.SonyCommands&SonyCancelledMessage != 0 {
		msgs = append(msgs, sonyEndMessage(4, 0))
	}
	if s.cfg.CameraSleep {
		msgs = append(msgs, sonyEndMessage(5, 0x30))
	}
	for _, m := range msgs {
		if err := s.Primary.SonyCommand(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the session and closes both sockets. Device operations are
// skipped once a transfer was interrupted since the session state is then
// unknown. Failures are returned for logging only; the sockets are always
// closed.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.closeSockets()
	if s.Primary == nil || s.Primary.Interrupted() || s.opened.IsZero() {
		return nil
	}
	return safeguards.RecoverableOperation(s.log, "close session", func() error {
		if err := s.notifyEnd(ctx); err != nil {
			s.log.WithError(err).Warn("failed to send end-of-transfer notification")
		}
		if wait := s.cfg.MinSessionTime - time.Since(s.opened); wait > 0 {
			s.log.WithField("delay_ms", wait.Milliseconds()).Debug("delaying CloseSession")
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := s.Primary.CloseSession(ctx); err != nil {
			return fmt.Errorf("failed to close session: %w", err)
		}
		return nil
	})
}

// Abort closes both sockets without any device operation. It is used after
// communication and protocol failures, when the camera is not expected to
// answer.
func (s *Session) Abort() {
	if s.closed {
		return
	}
	s.closed = true
	s.closeSockets()
}

func (s *Session) closeSockets() {
	if s.Events != nil {
		s.Events.Close()
	}
	if s.Primary != nil {
		s.Primary.Close()
	}
}

// Sony vendor messages, sent through SonyCommand.
var sonySendingMessage = append(sonyMessage(2, 2, 0, 0, 0x00020001), 0x00)

func sonyEndMessage(code uint32, last byte) []byte {
	b := sonyMessage(0, code, 0, 0)
	return append(b, 0x02, 0x00, last)
}

func sonyMessage(words ...uint32) []byte {
	var b []byte
	for _, w := range words {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}
