package core

import (
	"context"
	"testing"
	"time"

	"github.com/vlink/obdcore/pkg/connection/mock"
	"github.com/vlink/obdcore/pkg/elm327"
	"github.com/vlink/obdcore/pkg/uds"
	"github.com/vlink/obdcore/pkg/vehicle"
)

// socDecoder reads a single DID and reports the first payload byte.
type socDecoder struct{}

func (socDecoder) Name() string              { return "test-ev" }
func (socDecoder) TargetCANID() uint16       { return 0x7E4 }
func (socDecoder) DataIdentifiers() []uint16 { return []uint16{0x0101} }
func (socDecoder) Decode(did uint16, payload []byte) (vehicle.Reading, error) {
	return vehicle.Reading{Name: "soc", Value: float64(payload[0]) / 2, Unit: "%"}, nil
}

func testClient(t *testing.T) *uds.Client {
	t.Helper()
	conn := mock.New(map[string]string{
		"ATZ":     "ELM327 v1.5\r>",
		"ATE0":    "OK\r>",
		"ATL0":    "OK\r>",
		"ATS0":    "OK\r>",
		"ATH1":    "OK\r>",
		"ATSP0":   "OK\r>",
		"ATSH7E4": "OK\r>",
		"220101":  "7EC0462010169\r>",
	})
	conn.Open(context.Background())

	eng := elm327.New(conn, nil)
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return uds.New(eng)
}

func TestPoller_ProducesReadings(t *testing.T) {
	p := NewPoller(testClient(t), []vehicle.Decoder{socDecoder{}}, 10*time.Millisecond, nil)
	ch := p.Subscribe()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var ev *ReadingEvent
	select {
	case ev = <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no reading within 3s")
	}

	if ev.Decoder != "test-ev" || ev.CANID != 0x7E4 || ev.DID != 0x0101 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Reading.Value != float64(0x69)/2 {
		t.Fatalf("Value = %v, want %v", ev.Reading.Value, float64(0x69)/2)
	}
	if ev.ID == "" {
		t.Fatal("event missing correlation ID")
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Stop closes subscriber channels.
	for {
		if _, ok := <-ch; !ok {
			break
		}
	}

	status := p.Status()
	if status.State != PollerStateStopped {
		t.Fatalf("state = %v, want stopped", status.State)
	}
	if status.Stats.Readings == 0 {
		t.Fatal("expected at least one reading in stats")
	}
}

func TestPoller_StopIdempotent(t *testing.T) {
	p := NewPoller(testClient(t), []vehicle.Decoder{socDecoder{}}, time.Hour, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
