// Package uds is the thin "send_uds" facade over pkg/elm327: it exposes
// ReadDataByIdentifier and raw passthroughs that return stripped payload
// bytes, leaving all vehicle-semantic decoding to pkg/vehicle.
package uds

import (
	"context"
	"fmt"

	"github.com/vlink/obdcore/pkg/elm327"
)

const (
	ServiceReadDataByIdentifier byte = 0x22
	ServiceTesterPresent        byte = 0x3E
)

// Client wraps an *elm327.Engine with the vehicle-agnostic UDS surface.
type Client struct {
	engine *elm327.Engine
}

// New creates a Client over an already-initialized engine.
func New(engine *elm327.Engine) *Client {
	return &Client{engine: engine}
}

// ReadDataByIdentifier sends service 0x22 for did to target and returns the
// payload with the service echo and echoed DID stripped.
func (c *Client) ReadDataByIdentifier(ctx context.Context, target uint16, did uint16) ([]byte, error) {
	data := []byte{byte(did >> 8), byte(did & 0xFF)}
	resp, err := c.engine.SendUDSMessage(ctx, target, ServiceReadDataByIdentifier, data)
	if err != nil {
		return nil, fmt.Errorf("uds: read data by identifier %#04x: %w", did, err)
	}
	return resp.Payload, nil
}

// TesterPresent sends a single foreground UDS service 0x3E request to
// target, outside of the engine's background keep-alive task.
func (c *Client) TesterPresent(ctx context.Context, target uint16) error {
	_, err := c.engine.SendUDSMessage(ctx, target, ServiceTesterPresent, []byte{0x00})
	return err
}

// Raw sends an arbitrary UDS service/data pair to target and returns the
// response payload, for services beyond 0x22.
func (c *Client) Raw(ctx context.Context, target uint16, service byte, data []byte) ([]byte, error) {
	resp, err := c.engine.SendUDSMessage(ctx, target, service, data)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}
