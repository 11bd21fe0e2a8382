// Package stream implements the connection.Connection contract over a
// classical OS byte-stream device: a direct serial port, or a Bluetooth
// RFCOMM binding exposed as a serial device by the OS (e.g.
// /dev/rfcomm0). It is a thin wrapper over go.bug.st/serial with no
// framing or decoding of its own; that is the ELM327 and ISO-TP layers'
// job.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/vlink/obdcore/pkg/connection"
	serial "go.bug.st/serial"
)

// Profile selects the default baud rate when BaudRate is left at zero.
type Profile string

const (
	// ProfileDirect is a directly-wired serial adapter (default 38400).
	ProfileDirect Profile = "direct"
	// ProfileRFCOMM is a Bluetooth RFCOMM binding (default 115200).
	ProfileRFCOMM Profile = "rfcomm"
)

// Config holds stream-backend-specific configuration.
type Config struct {
	// Port is the device path ("/dev/ttyUSB0", "/dev/rfcomm0", "COM3").
	Port string

	// Profile selects the default baud rate when BaudRate is 0.
	Profile Profile

	// BaudRate overrides the profile default when non-zero.
	BaudRate int

	// ReadTimeout bounds each individual read syscall; ReadUntil loops
	// reads until its own, longer deadline elapses.
	ReadTimeout time.Duration
}

// DefaultConfig returns profile-appropriate defaults.
func DefaultConfig() Config {
	return Config{
		Profile:     ProfileDirect,
		ReadTimeout: 100 * time.Millisecond,
	}
}

func baudForProfile(p Profile) int {
	if p == ProfileRFCOMM {
		return 115200
	}
	return 38400
}

// Conn implements connection.Connection over go.bug.st/serial.
type Conn struct {
	mu     sync.Mutex
	config Config
	port   serial.Port
	open   bool
}

// New creates a new stream connection. It does not open the port.
func New(config connection.Config) (*Conn, error) {
	sc := DefaultConfig()
	if config.Address != "" {
		sc.Port = config.Address
	}
	if opts := config.Options; opts != nil {
		if v, ok := opts["profile"].(string); ok {
			sc.Profile = Profile(v)
		}
		if v, ok := opts["baudrate"].(int); ok {
			sc.BaudRate = v
		}
	}
	if sc.BaudRate == 0 {
		sc.BaudRate = baudForProfile(sc.Profile)
	}
	if config.Timeout > 0 {
		sc.ReadTimeout = config.Timeout
	}
	if sc.Port == "" {
		return nil, errors.New("stream: port is required")
	}
	return &Conn{config: sc}, nil
}

// Open opens the underlying serial device. Idempotent.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil
	}

	mode := &serial.Mode{BaudRate: c.config.BaudRate}
	port, err := serial.Open(c.config.Port, mode)
	if err != nil {
		return errors.Join(connection.ErrIoError, err)
	}
	if err := port.SetReadTimeout(c.config.ReadTimeout); err != nil {
		port.Close()
		return errors.Join(connection.ErrIoError, err)
	}

	c.port = port
	c.open = true
	return nil
}

// Close closes the serial device. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	c.open = false
	return err
}

// IsOpen reports whether the port is currently open.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Write writes all of p.
func (c *Conn) Write(ctx context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return connection.ErrNotOpen
	}
	for written := 0; written < len(p); {
		n, err := c.port.Write(p[written:])
		if err != nil {
			return errors.Join(connection.ErrIoError, err)
		}
		written += n
	}
	return nil
}

// Read returns up to n bytes. The per-read device timeout bounds each
// underlying read; an empty read retries until at least one byte arrives
// or ctx is done, so a zero-length nil-error result never escapes.
func (c *Conn) Read(ctx context.Context, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, connection.ErrNotOpen
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	for {
		read, err := c.port.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, connection.ErrNotOpen
			}
			return nil, errors.Join(connection.ErrIoError, err)
		}
		if read > 0 {
			return buf[:read], nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// ReadUntil accumulates bytes via repeated bounded reads until terminator
// appears or the deadline computed from timeout elapses. Partial data
// accumulated before a timeout is discarded, not returned.
func (c *Conn) ReadUntil(ctx context.Context, terminator byte, timeout time.Duration) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var acc []byte
	for {
		chunk, err := c.Read(readCtx, 256)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, connection.ErrTimeout
			}
			return nil, err
		}
		acc = append(acc, chunk...)
		if idx := indexByte(acc, terminator); idx >= 0 {
			return acc[:idx+1], nil
		}
	}
}

// FlushInput discards buffered-but-unread bytes.
func (c *Conn) FlushInput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return connection.ErrNotOpen
	}
	return c.port.ResetInputBuffer()
}

func indexByte(b []byte, target byte) int {
	for i, v := range b {
		if v == target {
			return i
		}
	}
	return -1
}

// Factory builds stream Connections for connection.Registry.
type Factory struct{}

// NewFactory creates a stream backend factory.
func NewFactory() *Factory { return &Factory{} }

// Type returns "stream".
func (f *Factory) Type() string { return "stream" }

// Create builds a new stream Conn.
func (f *Factory) Create(config connection.Config) (connection.Connection, error) {
	return New(config)
}
