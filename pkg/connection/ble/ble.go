// Package ble implements the connection.Connection contract over a BLE
// GATT link, bridging an asynchronously-notifying packet transport into
// the blocking byte stream the ELM327 engine expects: a dedicated worker
// goroutine issues the GATT writes, a mutex-guarded buffer bridges the
// notify callback to ReadUntil, and writes are chunked to the default ATT
// payload size.
package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vlink/obdcore/pkg/connection"
	"tinygo.org/x/bluetooth"
)

// ErrNotFound is returned when a scan times out without matching a
// device.
var ErrNotFound = errors.New("ble: device not found")

// defaultWriteChunk is the per-write payload size: the default 23-byte
// ATT MTU minus the 3-byte ATT write header. Every write is split at this
// size; the negotiated MTU is not queried.
const defaultWriteChunk = 20

// pollInterval bounds how often the reader drains rxBuffer while waiting
// for more data; short, but never a busy spin.
const pollInterval = 5 * time.Millisecond

// knownOBDNamePatterns are case-insensitive substrings of advertised
// local names known to belong to ELM327-class OBD-II BLE adapters.
var knownOBDNamePatterns = []string{"ios-vlink", "obdii", "vlink", "obdlink"}

// Config holds BLE-backend-specific configuration.
type Config struct {
	// DeviceID is the target device MAC/UUID address.
	DeviceID string

	// ServiceUUID/CharacteristicUUID override heuristic discovery when
	// set; otherwise Open auto-discovers notify/write characteristics.
	ServiceUUID        string
	CharacteristicUUID string

	// ScanTimeout bounds the scan started by Open.
	ScanTimeout time.Duration
}

// DefaultConfig returns a default BLE configuration.
func DefaultConfig() Config {
	return Config{ScanTimeout: 10 * time.Second}
}

// Conn implements connection.Connection over a BLE GATT link.
type Conn struct {
	config  Config
	adapter *bluetooth.Adapter

	// BLE state set by Open. Writes through txChar run on the worker
	// goroutine; Open and Close use device and rxChar from the caller's
	// goroutine.
	device         *bluetooth.Device
	rxChar         *bluetooth.DeviceCharacteristic
	txChar         *bluetooth.DeviceCharacteristic
	writeChunkSize int

	// work is the queue the worker goroutine drains; Write posts a closure
	// here and blocks on its own reply channel. Read, ReadUntil and
	// FlushInput work on rxBuffer directly and do not post.
	work   chan func()
	cancel context.CancelFunc
	done   chan struct{}

	rxMu     sync.Mutex
	rxBuffer []byte

	openMu sync.Mutex
	open   bool
}

// New creates a new BLE connection. It does not scan or connect.
func New(config connection.Config) (*Conn, error) {
	bc := DefaultConfig()
	bc.DeviceID = config.Address
	if opts := config.Options; opts != nil {
		if v, ok := opts["service_uuid"].(string); ok {
			bc.ServiceUUID = v
		}
		if v, ok := opts["characteristic_uuid"].(string); ok {
			bc.CharacteristicUUID = v
		}
	}
	if config.Timeout > 0 {
		bc.ScanTimeout = config.Timeout
	}
	return &Conn{
		config:         bc,
		adapter:        bluetooth.DefaultAdapter,
		writeChunkSize: defaultWriteChunk,
	}, nil
}

// Open scans for, connects to, and discovers characteristics on the
// configured device, starts the worker goroutine that issues GATT writes
// for the remainder of the connection's life, and enables notifications.
func (c *Conn) Open(ctx context.Context) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	if c.open {
		return nil
	}

	if err := c.adapter.Enable(); err != nil {
		return errors.Join(connection.ErrIoError, err)
	}

	device, rxChar, txChar, err := c.connectAndDiscover(ctx)
	if err != nil {
		return err
	}

	c.device = device
	c.rxChar = rxChar
	c.txChar = txChar
	c.work = make(chan func(), 16)
	c.done = make(chan struct{})

	workerCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.runWorker(workerCtx)

	if err := rxChar.EnableNotifications(c.onNotify); err != nil {
		c.shutdownLocked()
		return errors.Join(connection.ErrIoError, err)
	}

	c.open = true
	return nil
}

func (c *Conn) connectAndDiscover(ctx context.Context) (*bluetooth.Device, *bluetooth.DeviceCharacteristic, *bluetooth.DeviceCharacteristic, error) {
	found := make(chan bluetooth.ScanResult, 1)
	scanErr := c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.Address.String() == c.config.DeviceID {
			adapter.StopScan()
			select {
			case found <- result:
			default:
			}
		}
	})
	if scanErr != nil {
		return nil, nil, nil, errors.Join(connection.ErrIoError, scanErr)
	}

	var result bluetooth.ScanResult
	select {
	case result = <-found:
	case <-time.After(c.config.ScanTimeout):
		c.adapter.StopScan()
		return nil, nil, nil, ErrNotFound
	case <-ctx.Done():
		c.adapter.StopScan()
		return nil, nil, nil, ctx.Err()
	}

	device, err := c.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, nil, nil, errors.Join(connection.ErrIoError, err)
	}

	var svcUUIDs []bluetooth.UUID
	if c.config.ServiceUUID != "" {
		uuid, err := bluetooth.ParseUUID(c.config.ServiceUUID)
		if err != nil {
			device.Disconnect()
			return nil, nil, nil, fmt.Errorf("ble: invalid service uuid: %w", err)
		}
		svcUUIDs = []bluetooth.UUID{uuid}
	}
	services, err := device.DiscoverServices(svcUUIDs)
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return nil, nil, nil, errors.Join(connection.ErrIoError, err)
	}

	rxChar, txChar, err := discoverNotifyAndWrite(services, c.config.CharacteristicUUID)
	if err != nil {
		device.Disconnect()
		return nil, nil, nil, err
	}

	return &device, rxChar, txChar, nil
}

// discoverNotifyAndWrite enumerates characteristics across services,
// preferring one characteristic that supports both notify and write, and
// otherwise returning the first notify-capable and first write-capable
// characteristics found.
func discoverNotifyAndWrite(services []bluetooth.DeviceService, charUUID string) (*bluetooth.DeviceCharacteristic, *bluetooth.DeviceCharacteristic, error) {
	var explicitUUID *bluetooth.UUID
	if charUUID != "" {
		u, err := bluetooth.ParseUUID(charUUID)
		if err != nil {
			return nil, nil, fmt.Errorf("ble: invalid characteristic uuid: %w", err)
		}
		explicitUUID = &u
	}

	var notify, write, dual *bluetooth.DeviceCharacteristic
	for i := range services {
		chars, err := services[i].DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for j := range chars {
			ch := &chars[j]
			if explicitUUID != nil {
				if ch.UUID() == *explicitUUID {
					return ch, ch, nil
				}
				continue
			}
			canNotify := ch.Properties&(bluetooth.CharacteristicNotifyPermission|bluetooth.CharacteristicIndicatePermission) != 0
			canWrite := ch.Properties&(bluetooth.CharacteristicWritePermission|bluetooth.CharacteristicWriteWithoutResponsePermission) != 0
			if canNotify && canWrite && dual == nil {
				dual = ch
			}
			if canNotify && notify == nil {
				notify = ch
			}
			if canWrite && write == nil {
				write = ch
			}
		}
	}
	if dual != nil {
		return dual, dual, nil
	}
	if notify != nil && write != nil {
		return notify, write, nil
	}
	return nil, nil, errors.New("ble: no notify+write characteristic pair found")
}

// onNotify is the GATT notification callback: it appends to rxBuffer
// under the buffer mutex. This is the only producer; ReadUntil/Read are
// the only consumers.
func (c *Conn) onNotify(buf []byte) {
	data := make([]byte, len(buf))
	copy(data, buf)

	c.rxMu.Lock()
	c.rxBuffer = append(c.rxBuffer, data...)
	c.rxMu.Unlock()
}

// runWorker is the single goroutine that runs posted closures (the GATT
// writes) in order for the life of the connection.
func (c *Conn) runWorker(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case fn, ok := <-c.work:
			if !ok {
				return
			}
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// post runs fn on the worker goroutine and waits for it to finish or for
// ctx to be cancelled.
func (c *Conn) post(ctx context.Context, fn func() error) error {
	if !c.IsOpen() {
		return connection.ErrNotOpen
	}
	reply := make(chan error, 1)
	select {
	case c.work <- func() { reply <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return connection.ErrNotOpen
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return connection.ErrNotOpen
	}
}

// Close stops notifications, disconnects, and shuts down the worker
// before returning; pending reads and writes observe the closed state
// rather than hanging.
func (c *Conn) Close() error {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	if !c.open {
		return nil
	}
	c.shutdownLocked()
	c.open = false
	return nil
}

// shutdownLocked stops notifications, disconnects, cancels the worker,
// and waits for it to exit. The work channel is left open: a racing post observes the
// closed `done` channel instead, and the channel is collected with the
// Conn.
func (c *Conn) shutdownLocked() {
	if c.rxChar != nil {
		_ = c.rxChar.EnableNotifications(nil)
	}
	if c.device != nil {
		_ = c.device.Disconnect()
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

// IsOpen reports whether the connection is currently open.
func (c *Conn) IsOpen() bool {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	return c.open
}

// Write splits p into writeChunkSize-sized GATT writes issued in order.
func (c *Conn) Write(ctx context.Context, p []byte) error {
	return c.post(ctx, func() error {
		for len(p) > 0 {
			n := c.writeChunkSize
			if n > len(p) {
				n = len(p)
			}
			if _, err := c.txChar.WriteWithoutResponse(p[:n]); err != nil {
				return errors.Join(connection.ErrIoError, err)
			}
			p = p[n:]
		}
		return nil
	})
}

// Read drains up to n bytes currently buffered from notifications,
// waiting via short polls (never busy-spinning) until at least one byte
// is available or ctx is done.
func (c *Conn) Read(ctx context.Context, n int) ([]byte, error) {
	if !c.IsOpen() {
		return nil, connection.ErrNotOpen
	}
	if n == 0 {
		return nil, nil
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if data := c.drain(n); data != nil {
			return data, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, connection.ErrNotOpen
		}
	}
}

func (c *Conn) drain(n int) []byte {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	if len(c.rxBuffer) == 0 {
		return nil
	}
	if n > len(c.rxBuffer) {
		n = len(c.rxBuffer)
	}
	out := make([]byte, n)
	copy(out, c.rxBuffer[:n])
	c.rxBuffer = c.rxBuffer[n:]
	return out
}

// ReadUntil polls rxBuffer until terminator appears or timeout elapses.
func (c *Conn) ReadUntil(ctx context.Context, terminator byte, timeout time.Duration) ([]byte, error) {
	if !c.IsOpen() {
		return nil, connection.ErrNotOpen
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if acc, ok := c.peekUntil(terminator); ok {
			return acc, nil
		}
		if time.Now().After(deadline) {
			return nil, connection.ErrTimeout
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, connection.ErrNotOpen
		}
	}
}

func (c *Conn) peekUntil(terminator byte) ([]byte, bool) {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	for i, b := range c.rxBuffer {
		if b == terminator {
			out := make([]byte, i+1)
			copy(out, c.rxBuffer[:i+1])
			c.rxBuffer = c.rxBuffer[i+1:]
			return out, true
		}
	}
	return nil, false
}

// FlushInput discards any buffered-but-unread notification bytes.
func (c *Conn) FlushInput() error {
	if !c.IsOpen() {
		return connection.ErrNotOpen
	}
	c.rxMu.Lock()
	c.rxBuffer = nil
	c.rxMu.Unlock()
	return nil
}

// DiscoveredDevice describes one advertising device matched during a
// discovery scan.
type DiscoveredDevice struct {
	Name    string
	Address string
	RSSI    int16
}

// DiscoverOBDDevices scans for timeout and returns advertisements whose
// local name case-insensitively matches a known OBD-II adapter pattern.
func DiscoverOBDDevices(ctx context.Context, timeout time.Duration) ([]DiscoveredDevice, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, errors.Join(connection.ErrIoError, err)
	}

	var (
		mu      sync.Mutex
		matches []DiscoveredDevice
		seen    = make(map[string]bool)
	)
	err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if !matchesKnownPattern(name) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		matches = append(matches, DiscoveredDevice{Name: name, Address: addr, RSSI: result.RSSI})
	})
	if err != nil {
		return nil, errors.Join(connection.ErrIoError, err)
	}

	select {
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	_ = adapter.StopScan()

	mu.Lock()
	defer mu.Unlock()
	return matches, nil
}

func matchesKnownPattern(name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range knownOBDNamePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// Factory builds BLE Connections for connection.Registry.
type Factory struct{}

// NewFactory creates a BLE backend factory.
func NewFactory() *Factory { return &Factory{} }

// Type returns "ble".
func (f *Factory) Type() string { return "ble" }

// Create builds a new BLE Conn.
func (f *Factory) Create(config connection.Config) (connection.Connection, error) {
	return New(config)
}
