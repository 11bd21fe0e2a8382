// Package vehicle defines the Decoder contract and a name-keyed registry
// for vehicle-specific UDS payload decoders. All semantic decoding (SOC,
// cell voltage, etc.) lives in decoder implementations under
// pkg/vehicle/<make>; this package only holds the contract and the lookup
// table. There is no package-level registry instance: callers hold their
// own.
package vehicle

import (
	"errors"
	"sync"
)

// ErrDecoderExists is returned by Registry.Register for a duplicate name.
var ErrDecoderExists = errors.New("vehicle: decoder already registered")

// ErrDecoderNotFound is returned by Registry.Get for an unknown name.
var ErrDecoderNotFound = errors.New("vehicle: decoder not found")

// Reading is one decoded measurement.
type Reading struct {
	Name  string
	Value float64
	Unit  string
}

// Decoder turns a raw UDS payload (service echo and DID already stripped)
// for a specific vehicle into a Reading.
type Decoder interface {
	// Name identifies the decoder, e.g. "kia-niro-ev".
	Name() string
	// TargetCANID is the request CAN ID this decoder's ECU listens on.
	TargetCANID() uint16
	// DataIdentifiers lists the DIDs this decoder understands; a polling
	// loop reads each one per cycle.
	DataIdentifiers() []uint16
	// Decode interprets payload for the given data identifier.
	Decode(did uint16, payload []byte) (Reading, error)
}

// Registry is a constructor-injected, name-keyed lookup table of Decoders.
// There is no package-level instance: callers (cmd/obdctl, pkg/core,
// pkg/api/rest) each hold their own Registry reference.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// Register adds a decoder under its own Name().
func (r *Registry) Register(d Decoder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decoders[d.Name()]; exists {
		return ErrDecoderExists
	}
	r.decoders[d.Name()] = d
	return nil
}

// Get retrieves a decoder by name.
func (r *Registry) Get(name string) (Decoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[name]
	if !ok {
		return nil, ErrDecoderNotFound
	}
	return d, nil
}

// List returns every registered decoder name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		names = append(names, name)
	}
	return names
}
