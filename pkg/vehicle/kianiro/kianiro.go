// Package kianiro implements the Kia Niro EV state-of-charge decoder:
// DID 0x0101 on request CAN ID 0x7E4, SOC = payload[4] / 2 percent.
package kianiro

import (
	"fmt"

	"github.com/vlink/obdcore/pkg/vehicle"
)

// TargetCANID is the Kia Niro EV's battery management ECU request ID.
const TargetCANID uint16 = 0x7E4

// DIDStateOfCharge is the data identifier for the state-of-charge reading.
const DIDStateOfCharge uint16 = 0x0101

// Decoder implements vehicle.Decoder for the Kia Niro EV.
type Decoder struct{}

// New creates a Kia Niro EV decoder.
func New() *Decoder { return &Decoder{} }

// Name returns "kia-niro-ev".
func (d *Decoder) Name() string { return "kia-niro-ev" }

// TargetCANID returns 0x7E4.
func (d *Decoder) TargetCANID() uint16 { return TargetCANID }

// DataIdentifiers lists the DIDs this decoder understands.
func (d *Decoder) DataIdentifiers() []uint16 { return []uint16{DIDStateOfCharge} }

// Decode interprets payload for did. Only DIDStateOfCharge is supported.
func (d *Decoder) Decode(did uint16, payload []byte) (vehicle.Reading, error) {
	switch did {
	case DIDStateOfCharge:
		if len(payload) < 5 {
			return vehicle.Reading{}, fmt.Errorf("kianiro: SOC payload too short: %d bytes", len(payload))
		}
		return vehicle.Reading{
			Name:  "state_of_charge",
			Value: float64(payload[4]) / 2,
			Unit:  "%",
		}, nil
	default:
		return vehicle.Reading{}, fmt.Errorf("kianiro: unsupported data identifier %#04x", did)
	}
}
