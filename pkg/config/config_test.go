package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Connection.Type != "stream" {
		t.Fatalf("Connection.Type = %q, want stream", cfg.Connection.Type)
	}
	if cfg.Poll.Interval != Duration(10*time.Second) {
		t.Fatalf("Poll.Interval = %v, want 10s", cfg.Poll.Interval)
	}
	if cfg.MQTT.Enabled || cfg.API.Enabled || cfg.Persistence.Enabled || cfg.Automation.Enabled {
		t.Fatal("optional collaborators must default to disabled")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obdctl.yaml")
	doc := `
connection:
  type: stream
  address: /dev/ttyUSB0
  timeout: 2s
vehicle:
  decoders: [kia-niro-ev]
tester_present:
  enabled: true
  period: 1s
mqtt:
  enabled: true
  broker: tcp://broker:1883
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connection.Type != "stream" || cfg.Connection.Address != "/dev/ttyUSB0" {
		t.Fatalf("connection not loaded: %+v", cfg.Connection)
	}
	if cfg.Connection.Timeout != Duration(2*time.Second) {
		t.Fatalf("Timeout = %v, want 2s", cfg.Connection.Timeout)
	}
	if cfg.Connection.Connection().Timeout != 2*time.Second {
		t.Fatalf("converted Timeout = %v, want 2s", cfg.Connection.Connection().Timeout)
	}
	if len(cfg.Vehicle.Decoders) != 1 || cfg.Vehicle.Decoders[0] != "kia-niro-ev" {
		t.Fatalf("decoders = %v", cfg.Vehicle.Decoders)
	}
	if !cfg.TesterPresent.Enabled || cfg.TesterPresent.Period != Duration(time.Second) {
		t.Fatalf("tester_present = %+v", cfg.TesterPresent)
	}
	// Unspecified sections keep their defaults.
	if cfg.MQTT.StatePrefix != "obdcore" {
		t.Fatalf("MQTT.StatePrefix = %q, want default", cfg.MQTT.StatePrefix)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "obdctl.yaml")

	cfg := DefaultConfig()
	cfg.Connection.Type = "ble"
	cfg.Connection.Address = "AA:BB:CC:DD:EE:FF"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Connection.Type != "ble" || loaded.Connection.Address != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("round trip lost connection config: %+v", loaded.Connection)
	}
}
