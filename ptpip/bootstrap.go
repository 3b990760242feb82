package ptpip

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultHostVersion is the host version sent in the host introduction.
const DefaultHostVersion uint32 = 0x00010000

// DefaultGUID is the host GUID presented when none is configured.
const DefaultGUID = "0x7766554433221100-0x0000000000009988"

// GUID identifies the host to the device. Some cameras pair their Wi-Fi
// configuration with the GUID of the first host that connected.
type GUID struct {
	High uint64
	Low  uint64
}

// ParseGUID parses a host GUID in one of these forms:
//   - "high-low": two hex numbers, optionally 0x prefixed
//   - "low": a single hex number, high is zero
//   - "aa:bb:cc:dd:ee:ff": a MAC address, as used by vendor pairing apps
//   - an RFC 4122 UUID ("xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx")
func ParseGUID(s string) (GUID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Count(s, "-") == 4:
		u, err := uuid.Parse(s)
		if err != nil {
			return GUID{}, fmt.Errorf("invalid GUID %q: %w", s, err)
		}
		return GUID{
			High: binary.BigEndian.Uint64(u[:8]),
			Low:  binary.BigEndian.Uint64(u[8:]),
		}, nil

	case strings.Contains(s, ":"):
		fields := strings.Split(s, ":")
		if len(fields) > 8 {
			return GUID{}, fmt.Errorf("invalid GUID %q: too many address fields", s)
		}
		var low uint64
		for i, f := range fields {
			b, err := strconv.ParseUint(f, 16, 8)
			if err != nil {
				return GUID{}, fmt.Errorf("invalid GUID %q: %w", s, err)
			}
			low |= b << (8 * i)
		}
		if len(fields) == 6 {
			low = low<<16 | 0xffff
		}
		return GUID{Low: low}, nil

	case strings.Contains(s, "-"):
		hi, lo, _ := strings.Cut(s, "-")
		high, err := parseHex64(hi)
		if err != nil {
			return GUID{}, fmt.Errorf("invalid GUID %q: %w", s, err)
		}
		low, err := parseHex64(lo)
		if err != nil {
			return GUID{}, fmt.Errorf("invalid GUID %q: %w", s, err)
		}
		return GUID{High: high, Low: low}, nil
	}

	low, err := parseHex64(s)
	if err != nil {
		return GUID{}, fmt.Errorf("invalid GUID %q: %w", s, err)
	}
	return GUID{Low: low}, nil
}

func parseHex64(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

func (g GUID) String() string {
	return fmt.Sprintf("0x%016x-0x%016x", g.High, g.Low)
}

// HostIntroduction sends the init command request that opens a PTP/IP
// connection and returns the session id the device assigned.
func (c *Conn) HostIntroduction(ctx context.Context, guid GUID, hostName string, hostVersion uint32) (uint32, error) {
	payload := binary.LittleEndian.AppendUint32(nil, TagInitCmdReq)
	payload = binary.LittleEndian.AppendUint64(payload, guid.High)
	payload = binary.LittleEndian.AppendUint64(payload, guid.Low)
	name, err := EncodeUTF16(hostName, true)
	if err != nil {
		return 0, fmt.Errorf("failed to encode host name: %w", err)
	}
	payload = append(payload, name...)
	payload = binary.LittleEndian.AppendUint32(payload, hostVersion)

	c.log.WithField("guid", guid.String()).Debug("sending host introduction")
	reply, err := c.roundTrip(ctx, payload)
	if err != nil {
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) || ctx.Err() != nil {
			return 0, err
		}
		return 0, &ConnectError{
			Msg: "Camera is accepting connections but failing to negotiate a session. You may " +
				"need to turn the camera's WiFi off and on or cycle the camera's power to recover.",
			Err: err,
		}
	}
	if len(reply) < 8 || PayloadTag(reply) != TagInitCmdAck {
		return 0, &ProtocolError{Msg: "The camera is rejecting the unique identifier (GUID) presented. " +
			"Some cameras associate their Wifi configuration with a particular remote application's GUID; " +
			"you may need to re-create the Wifi configuration on the camera."}
	}
	return binary.LittleEndian.Uint32(reply[4:]), nil
}

// InitEvents binds this connection as the event channel of sessionID.
func (c *Conn) InitEvents(ctx context.Context, sessionID uint32) error {
	payload := binary.LittleEndian.AppendUint32(nil, TagInitEventReq)
	payload = binary.LittleEndian.AppendUint32(payload, sessionID)
	reply, err := c.roundTrip(ctx, payload)
	if err != nil {
		return err
	}
	if tag := PayloadTag(reply); tag != TagInitEventAck {
		return &ProtocolError{Msg: fmt.Sprintf("bad init events ack - expected 0x04, got 0x%x", tag)}
	}
	return nil
}

// Probe sends a probe request. It is only answered on the event channel.
func (c *Conn) Probe(ctx context.Context) error {
	reply, err := c.roundTrip(ctx, binary.LittleEndian.AppendUint32(nil, TagProbeRequest))
	if err != nil {
		return err
	}
	if tag := PayloadTag(reply); tag != TagProbeResponse {
		return &ProtocolError{Msg: fmt.Sprintf("bad probe response - expected 0x0e, got 0x%x", tag)}
	}
	return nil
}
