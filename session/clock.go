package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/superfly/camxfer"
	"github.com/superfly/camxfer/ptpip"
)

// ClockSync controls when the camera clock is set from the host clock.
type ClockSync struct {
	Disabled bool
	Always   bool

	// Threshold is the largest tolerated difference between the clocks
	Threshold time.Duration
}

// ParseClockSync parses "disabled", "always" or a number of seconds.
func ParseClockSync(s string) (ClockSync, error) {
	switch strings.ToLower(s) {
	case "disabled", "disablesync":
		return ClockSync{Disabled: true}, nil
	case "always", "alwayssync":
		return ClockSync{Always: true}, nil
	}
	secs, err := strconv.Atoi(s)
	if err != nil || secs < 0 {
		return ClockSync{}, fmt.Errorf("invalid camera time sync %q: want disabled, always or seconds", s)
	}
	return ClockSync{Threshold: time.Duration(secs) * time.Second}, nil
}

// SonyCommands are bit flags enabling optional Sony messages.
type SonyCommands uint32

const (
	// SonySendingMessage shows "Sending..." on the camera when a transfer starts
	SonySendingMessage SonyCommands = 1 << iota

	// SonyUnknown1 replays a message the vendor utility sends at the end
	// of a transfer; it has no visible effect
	SonyUnknown1

	// SonyCancelledMessage shows "The saving process has been cancelled."
	SonyCancelledMessage
)

// SyncClock sets the camera clock to the host's local time when the
// configuration asks for it. Canon bodies cannot report their time and are
// always set. Failures other than communication failures are logged and
// ignored.
func (s *Session) SyncClock(ctx context.Context) error {
	cs := s.cfg.ClockSync
	if cs.Disabled {
		return nil
	}

	if s.Make != camxfer.MakeCanon {
		if !s.Device.PropertiesSupported[ptpip.PropDateTime] {
			s.log.Debug("camera does not support clock sync")
			return nil
		}
		camera, err := s.cameraTime(ctx)
		if err != nil {
			return err
		}
		if camera.IsZero() {
			s.log.Warn("unable to obtain camera time to decide if clock sync is required")
			return nil
		}
		host := time.Now()
		s.log.WithFields(logrus.Fields{"camera": camera, "host": host}).Debug("clocks")
		if !cs.Always {
			delta := host.Sub(camera)
			if delta < 0 {
				delta = -delta
			}
			if delta.Truncate(time.Second) <= cs.Threshold {
				return nil
			}
			s.log.WithFields(logrus.Fields{"camera": camera, "host": host}).Info("clocks skewed")
		}
	}
	return s.setCameraTime(ctx, time.Now())
}

func (s *Session) cameraTime(ctx context.Context) (time.Time, error) {
	b, err := s.Primary.GetDevicePropValue(ctx, ptpip.PropDateTime)
	if err != nil {
		if ptpip.IsCommunication(err) {
			return time.Time{}, err
		}
		return time.Time{}, nil
	}
	str, _, err := ptpip.DecodeCountedString(b)
	if err != nil {
		return time.Time{}, nil
	}
	return ptpip.ParseDateTime(str, time.Local), nil
}

func (s *Session) setCameraTime(ctx context.Context, now time.Time) error {
	var err error
	if s.Make == camxfer.MakeCanon {
		err = s.Primary.SetCanonDevicePropValue(ctx, ptpip.PropCanonDateTime,
			binary.LittleEndian.AppendUint32(nil, uint32(now.Unix())))
	} else {
		var value []byte
		value, err = ptpip.EncodeCountedString(ptpip.FormatDateTime(now.Local()))
		if err == nil {
			err = s.Primary.SetDevicePropValue(ctx, ptpip.PropDateTime, value)
		}
	}
	if err != nil {
		if ptpip.IsCommunication(err) {
			return err
		}
		s.log.WithError(err).WithField("time", now.Format(time.DateTime)).Warn("failed setting camera date/time")
		return nil
	}
	s.log.WithField("time", now.Format(time.DateTime)).Info("camera date/time set")
	return nil
}
