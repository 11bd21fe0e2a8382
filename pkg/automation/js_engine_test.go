package automation

import (
	"testing"

	"github.com/vlink/obdcore/pkg/vehicle"
)

const alertScript = `
function on_reading(decoder, name, value, unit) {
	if (name === "state_of_charge" && value < 20) {
		return "low battery: " + value + unit;
	}
	return null;
}
`

func TestJSEngine_Alert(t *testing.T) {
	eng, err := NewJSEngine(alertScript)
	if err != nil {
		t.Fatalf("NewJSEngine: %v", err)
	}
	defer eng.Close()

	alert, err := eng.OnReading("kia-niro-ev", vehicle.Reading{Name: "state_of_charge", Value: 12.5, Unit: "%"})
	if err != nil {
		t.Fatalf("OnReading: %v", err)
	}
	if alert != "low battery: 12.5%" {
		t.Fatalf("alert = %q", alert)
	}
}

func TestJSEngine_NoAlert(t *testing.T) {
	eng, err := NewJSEngine(alertScript)
	if err != nil {
		t.Fatalf("NewJSEngine: %v", err)
	}
	defer eng.Close()

	alert, err := eng.OnReading("kia-niro-ev", vehicle.Reading{Name: "state_of_charge", Value: 80, Unit: "%"})
	if err != nil {
		t.Fatalf("OnReading: %v", err)
	}
	if alert != "" {
		t.Fatalf("unexpected alert %q", alert)
	}
}

func TestJSEngine_MissingHook(t *testing.T) {
	eng, err := NewJSEngine(`var x = 1;`)
	if err != nil {
		t.Fatalf("NewJSEngine: %v", err)
	}
	defer eng.Close()

	alert, err := eng.OnReading("any", vehicle.Reading{Name: "soc", Value: 1})
	if err != nil || alert != "" {
		t.Fatalf("missing hook should be a no-op, got %q, %v", alert, err)
	}
}
