// Package transport opens the duplex byte stream to a controller. A port
// name of the form "tcp://host:port" dials TCP, anything else is treated as
// a serial device path.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

const tcpScheme = "tcp://"

// Opener opens a transport for a port/baud pair.
type Opener interface {
	Open(ctx context.Context, port string, baud int) (io.ReadWriteCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, port string, baud int) (io.ReadWriteCloser, error)

func (f OpenerFunc) Open(ctx context.Context, port string, baud int) (io.ReadWriteCloser, error) {
	return f(ctx, port, baud)
}

// DefaultOpener dispatches between serial and TCP.
type DefaultOpener struct {
	DialTimeout time.Duration
}

func NewDefaultOpener(dialTimeout time.Duration) *DefaultOpener {
	return &DefaultOpener{DialTimeout: dialTimeout}
}

func (o *DefaultOpener) Open(ctx context.Context, port string, baud int) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if port == "" {
		return nil, fmt.Errorf("no port configured")
	}

	if IsTCP(port) {
		return o.dial(ctx, strings.TrimPrefix(port, tcpScheme))
	}
	return openSerial(port, baud)
}

func (o *DefaultOpener) dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	dialer := net.Dialer{Timeout: o.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return conn, nil
}

func openSerial(port string, baud int) (io.ReadWriteCloser, error) {
	if baud <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", baud)
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", port, err)
	}

	// Stale bytes from a previous session would be read as replies.
	if err := p.ResetInputBuffer(); err != nil {
		p.Close()
		return nil, fmt.Errorf("reset input buffer %s: %w", port, err)
	}

	return p, nil
}

func IsTCP(port string) bool { return strings.HasPrefix(port, tcpScheme) }

// ListPorts returns the serial ports present on this host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
