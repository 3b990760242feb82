// Package ssdp finds cameras on the local network with SSDP M-SEARCH
// requests. Sony and Canon bodies in their smartphone transfer modes answer
// for the services in DefaultServices; the camera address is taken from the
// LOCATION header of the first qualifying answer.
package ssdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// DefaultGroup is the SSDP multicast group and port.
const DefaultGroup = "239.255.255.250:1900"

// DefaultServices are the service types advertised by supported cameras.
var DefaultServices = []string{
	"urn:microsoft-com:service:MtpNullService:1",
	"urn:schemas-canon-com:service:ICPO-SmartPhoneEOSSystemService:1",
}

// ErrNotFound is returned when no camera answered within every attempt.
var ErrNotFound = errors.New("no camera found via SSDP discovery. For Sony cameras make sure the camera is in the 'Send to Computer' WiFi mode")

// Config configures discovery.
type Config struct {
	// Group is the address M-SEARCH requests are sent to
	Group string

	// Services are the service types searched for
	Services []string

	// Attempts is the number of M-SEARCH rounds
	Attempts int

	// AttemptTimeout bounds how long each round waits for answers
	AttemptTimeout time.Duration

	// TTL is the multicast TTL of the requests (1 stays on the local segment)
	TTL int

	// Logger for discovery logging
	Logger logrus.FieldLogger
}

// DefaultConfig returns the default discovery configuration.
func DefaultConfig() Config {
	return Config{
		Group:          DefaultGroup,
		Services:       DefaultServices,
		Attempts:       3,
		AttemptTimeout: 2 * time.Second,
		TTL:            1,
	}
}

// Message is a received SSDP message.
type Message struct {
	From    net.Addr
	Raw     string
	headers map[string]string
}

// ParseMessage splits an SSDP message into its start line and headers.
// Header names are case-insensitive, values are kept verbatim.
func ParseMessage(raw string) *Message {
	m := &Message{Raw: raw, headers: map[string]string{}}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.ContainsAny(name, " \t") {
			continue
		}
		key := strings.ToUpper(name)
		if _, seen := m.headers[key]; !seen {
			m.headers[key] = strings.TrimSpace(value)
		}
	}
	return m
}

// Header returns the value of the named header, or "".
func (m *Message) Header(name string) string {
	return m.headers[strings.ToUpper(name)]
}

// IsSearch reports whether the message is an M-SEARCH request, ours or
// another host's.
func (m *Message) IsSearch() bool {
	return strings.HasPrefix(strings.TrimSpace(m.Raw), "M-SEARCH")
}

// Offers reports whether the message is a live answer or advertisement for
// service. Advertisements carrying an NTS other than ssdp:alive (Canon
// bodies send ssdp:byebye when going to sleep) do not qualify.
func (m *Message) Offers(service string) bool {
	if m.IsSearch() {
		return false
	}
	if nts := m.Header("NTS"); nts != "" && !strings.HasPrefix(nts, "ssdp:alive") {
		return false
	}
	typ := m.Header("ST")
	if typ == "" {
		typ = m.Header("NT")
	}
	return typ != "" && strings.HasPrefix(typ, service)
}

// Host returns the host part of the LOCATION header, or "" if absent or
// not a URL with an explicit port.
func (m *Message) Host() string {
	loc := m.Header("LOCATION")
	if loc == "" {
		return ""
	}
	u, err := url.Parse(loc)
	if err != nil || u.Scheme != "http" || u.Port() == "" {
		return ""
	}
	return u.Hostname()
}

func searchRequest(group, service string) []byte {
	return []byte(strings.Join([]string{
		"M-SEARCH * HTTP/1.1",
		"HOST: " + group,
		`MAN: "ssdp:discover"`,
		"ST: " + service,
		"MX: 1",
		"USER-AGENT: camxfer/1.0",
		"", "",
	}, "\r\n"))
}

// Discover sends M-SEARCH requests for cfg.Services and returns the host
// of the first camera that answers with a usable LOCATION. It returns
// ErrNotFound when every attempt times out.
func Discover(ctx context.Context, cfg Config) (string, error) {
	msg, err := discover(ctx, cfg)
	if err != nil {
		return "", err
	}
	return msg.Host(), nil
}

func discover(ctx context.Context, cfg Config) (*Message, error) {
	def := DefaultConfig()
	if cfg.Group == "" {
		cfg.Group = def.Group
	}
	if len(cfg.Services) == 0 {
		cfg.Services = def.Services
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	log := cfg.Logger.WithField("component", "ssdp")

	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("invalid SSDP group %q: %w", cfg.Group, err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("networking error preparing for SSDP discovery: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(cfg.TTL); err != nil {
		log.WithError(err).Debug("failed to set multicast TTL")
	}
	if iface := bestInterface(); iface != nil {
		if err := pc.SetMulticastInterface(iface); err != nil {
			log.WithError(err).WithField("interface", iface.Name).Debug("failed to set multicast interface")
		}
	}

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, 4096)
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		for _, svc := range cfg.Services {
			log.WithFields(logrus.Fields{"attempt": attempt, "service": svc}).Debug("sending M-SEARCH")
			if _, err := conn.WriteTo(searchRequest(cfg.Group, svc), group); err != nil {
				return nil, fmt.Errorf("network error during SSDP discovery: %w", err)
			}
		}

		deadline := time.Now().Add(cfg.AttemptTimeout)
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("network error during SSDP discovery: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					break
				}
				return nil, fmt.Errorf("network error during SSDP discovery: %w", err)
			}
			msg := ParseMessage(string(buf[:n]))
			msg.From = from
			if msg.IsSearch() {
				continue
			}
			log.WithField("from", from.String()).Trace(msg.Raw)
			for _, svc := range cfg.Services {
				if msg.Offers(svc) && msg.Host() != "" {
					log.WithFields(logrus.Fields{"host": msg.Host(), "service": svc}).Info("found camera")
					return msg, nil
				}
			}
		}
	}
	return nil, ErrNotFound
}

func bestInterface() *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipn, ok := addr.(*net.IPNet); ok && ipn.IP.To4() != nil {
				return &iface
			}
		}
	}
	return nil
}
