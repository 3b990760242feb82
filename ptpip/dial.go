package ptpip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"
)

// DefaultPort is the PTP/IP command and event port.
const DefaultPort = 15740

// DialConfig configures connection establishment.
type DialConfig struct {
	// Port to connect to (default: 15740)
	Port int

	// ConnectTimeout bounds the TCP handshake
	ConnectTimeout time.Duration
}

// DefaultDialConfig returns the default dial configuration.
func DefaultDialConfig() DialConfig {
	return DialConfig{
		Port:           DefaultPort,
		ConnectTimeout: 10 * time.Second,
	}
}

// Dial opens a TCP connection to the device at host. Failures are returned
// as *ConnectError with a diagnosis that tells apart a silent address from a
// refused connection.
func Dial(ctx context.Context, host string, cfg DialConfig) (*net.TCPConn, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))

	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(host, err)
	}
	tcp, ok := nc.(*net.TCPConn)
	if !ok {
		nc.Close()
		return nil, &ConnectError{Addr: addr, Msg: fmt.Sprintf("Could not open socket: unexpected connection type %T", nc)}
	}
	if err := tcp.SetNoDelay(true); err != nil {
		tcp.Close()
		return nil, &ConnectError{Addr: addr, Msg: fmt.Sprintf("Could not open socket: %v", err), Err: err}
	}
	return tcp, nil
}

func classifyDialError(host string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &ConnectError{
			Addr: host,
			Msg: fmt.Sprintf("There was no response at %s. Please confirm that your camera's "+
				"Wifi is enabled and that you have specified the correct IP address.", host),
			Err: err,
		}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &ConnectError{
			Addr: host,
			Msg: fmt.Sprintf("A device at %s responded but the connection was refused. "+
				"This is likely because you are connected to a normal Wifi network instead "+
				"of your camera's network. Please confirm that your camera's Wifi is enabled "+
				"and that your computer is connected to its network.", host),
			Err: err,
		}
	}
	return &ConnectError{Addr: host, Msg: fmt.Sprintf("Could not open socket: %v", err), Err: err}
}
