// Package mock implements connection.Connection with no real I/O, for use
// in _test.go files across the module. Scripted response fixtures are
// constructor-injected, never process-global: there is no package-level
// response table here.
package mock

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/vlink/obdcore/pkg/connection"
)

// Conn is a scripted Connection. Writes are matched against either a
// ResponseTable (keyed by the written request without its trailing \r,
// for tests where
// ordering doesn't matter) or, if set, a fixed Script (an ordered
// sequence of expected-write/response pairs, for tests such as the
// initialization handshake where ordering and call count matter).
type Conn struct {
	mu sync.Mutex

	// ResponseTable maps a written request string to the raw response
	// text the mock should hand back from the next ReadUntil.
	ResponseTable map[string]string

	// Script, when non-nil, is consumed in order instead of
	// ResponseTable: each Write is checked against the next step's
	// Expect (if non-empty) and answered with the next step's Respond.
	Script []ScriptStep

	open    bool
	step    int
	pending bytes.Buffer
	writes  []string
}

// ScriptStep is one request/response pair in a Conn.Script.
type ScriptStep struct {
	// Expect, if non-empty, must equal the bytes written for this step
	// (minus the trailing \r) or the mock panics: a test bug, not a
	// runtime error a production caller could hit.
	Expect string
	// Respond is the raw response text, including the trailing '>'.
	Respond string
}

// New creates a mock connection from a response table.
func New(table map[string]string) *Conn {
	return &Conn{ResponseTable: table}
}

// NewScripted creates a mock connection from an ordered script.
func NewScripted(script []ScriptStep) *Conn {
	return &Conn{Script: script}
}

// Open marks the mock open. Idempotent.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil
	}
	c.open = true
	return nil
}

// Close marks the mock closed. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	c.open = false
	return nil
}

// IsOpen reports whether Open has been called without a matching Close.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Writes returns every request written so far, for test assertions on
// command order and count.
func (c *Conn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	copy(out, c.writes)
	return out
}

// Write records the request and queues the matching scripted response.
func (c *Conn) Write(ctx context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return connection.ErrNotOpen
	}

	req := string(bytes.TrimRight(p, "\r"))
	c.writes = append(c.writes, req)

	var resp string
	if c.Script != nil {
		if c.step >= len(c.Script) {
			panic("mock: script exhausted, unexpected write " + req)
		}
		step := c.Script[c.step]
		if step.Expect != "" && step.Expect != req {
			panic("mock: expected write " + step.Expect + ", got " + req)
		}
		resp = step.Respond
		c.step++
	} else {
		resp = c.ResponseTable[req]
	}

	c.pending.WriteString(resp)
	return nil
}

// Read returns up to n buffered bytes, or ErrTimeout when nothing is
// buffered (the mock never waits for data to arrive).
func (c *Conn) Read(ctx context.Context, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, connection.ErrNotOpen
	}
	if n == 0 {
		return nil, nil
	}
	if c.pending.Len() == 0 {
		return nil, connection.ErrTimeout
	}
	buf := make([]byte, n)
	read, _ := c.pending.Read(buf)
	return buf[:read], nil
}

// ReadUntil returns buffered bytes up to and including terminator, or
// ErrTimeout if the buffer never contains it (the mock never blocks
// waiting for more data to arrive, since all data is queued synchronously
// by Write).
func (c *Conn) ReadUntil(ctx context.Context, terminator byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, connection.ErrNotOpen
	}

	buf := c.pending.Bytes()
	idx := bytes.IndexByte(buf, terminator)
	if idx < 0 {
		return nil, connection.ErrTimeout
	}
	out := make([]byte, idx+1)
	copy(out, buf[:idx+1])
	c.pending.Next(idx + 1)
	return out, nil
}

// FlushInput discards any buffered-but-unread response bytes.
func (c *Conn) FlushInput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return connection.ErrNotOpen
	}
	c.pending.Reset()
	return nil
}

// Factory builds mock Connections for connection.Registry, primarily so
// tests exercising the registry/config path don't need a real backend.
type Factory struct {
	Table map[string]string
}

// Type returns "mock".
func (f *Factory) Type() string { return "mock" }

// Create builds a new mock Conn from the factory's fixed table.
func (f *Factory) Create(config connection.Config) (connection.Connection, error) {
	return New(f.Table), nil
}
