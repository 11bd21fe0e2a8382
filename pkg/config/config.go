// Package config handles loading, validating, and saving obdctl's YAML
// configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vlink/obdcore/pkg/connection"
)

// Duration wraps time.Duration so YAML documents can say "250ms" or "2s"
// (a bare integer is taken as nanoseconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: invalid duration value %q", value.Value)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default config file search locations, tried in order when no explicit
// path is given to Load.
var searchPaths = []string{
	"./obdctl.yaml",
	"./obdctl.yml",
	"./config.yaml",
	"~/.config/obdctl/config.yaml",
	"/etc/obdctl/config.yaml",
}

// ConnectionConfig is the YAML-facing shape of a connection backend
// selection; the connection package itself stays free of YAML concerns.
type ConnectionConfig struct {
	Type    string                 `yaml:"type" validate:"required"`
	Address string                 `yaml:"address"`
	Timeout Duration               `yaml:"timeout"`
	Options map[string]interface{} `yaml:"options"`
}

// Connection converts to the connection package's config type.
func (c ConnectionConfig) Connection() connection.Config {
	return connection.Config{
		Type:    c.Type,
		Address: c.Address,
		Timeout: time.Duration(c.Timeout),
		Options: c.Options,
	}
}

// Config is the root obdctl configuration document.
type Config struct {
	Connection    ConnectionConfig    `yaml:"connection" validate:"required"`
	Vehicle       VehicleConfig       `yaml:"vehicle"`
	Poll          PollConfig          `yaml:"poll"`
	TesterPresent TesterPresentConfig `yaml:"tester_present"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Persistence   PersistenceConfig   `yaml:"persistence"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
	Automation    AutomationConfig    `yaml:"automation"`
}

// VehicleConfig selects which registered pkg/vehicle decoders are active.
type VehicleConfig struct {
	Decoders []string `yaml:"decoders"`
}

// TesterPresentConfig configures the ELM327 engine's background keep-alive.
type TesterPresentConfig struct {
	Enabled bool     `yaml:"enabled"`
	Period  Duration `yaml:"period"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// MetricsConfig controls whether the REST server exposes its /metrics
// Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PollConfig controls the background reading poller driven by the serve
// command.
type PollConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

// PersistenceConfig controls the decoded-reading trip log.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // "sqlite"
	Path    string `yaml:"path"`
}

// MQTTConfig controls Home Assistant-style MQTT publishing.
type MQTTConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Broker          string   `yaml:"broker"`
	ClientID        string   `yaml:"client_id"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	QOS             int      `yaml:"qos"`
	ConnectTimeout  Duration `yaml:"connect_timeout"`
	DiscoveryPrefix string   `yaml:"discovery_prefix"`
	StatePrefix     string   `yaml:"state_prefix"`
}

// APIAuthConfig controls JWT/API-key authentication for pkg/api/rest.
// The WebSocket server (pkg/api/ws) does not authenticate clients.
type APIAuthConfig struct {
	Enabled   bool     `yaml:"enabled"`
	JWTSecret string   `yaml:"jwt_secret"`
	APIKeys   []string `yaml:"api_keys"`
}

// APIConfig controls the REST and WebSocket status servers.
type APIConfig struct {
	Enabled  bool          `yaml:"enabled"`
	RESTPort int           `yaml:"rest_port" validate:"min=0,max=65535"`
	WSPort   int           `yaml:"ws_port" validate:"min=0,max=65535"`
	Auth     APIAuthConfig `yaml:"auth"`
}

// AutomationConfig selects and configures the scripted-alert engine.
type AutomationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"` // "lua" or "js"
	Script  string `yaml:"script"`
}

// DefaultConfig returns a conservative configuration with every optional
// collaborator disabled.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Type:    "stream",
			Timeout: Duration(5 * time.Second),
		},
		Poll: PollConfig{
			Enabled:  true,
			Interval: Duration(10 * time.Second),
		},
		TesterPresent: TesterPresentConfig{
			Enabled: false,
			Period:  Duration(2 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Persistence: PersistenceConfig{
			Enabled: false,
			Driver:  "sqlite",
			Path:    "./obdcore.db",
		},
		MQTT: MQTTConfig{
			Enabled:         false,
			Broker:          "tcp://localhost:1883",
			QOS:             0,
			ConnectTimeout:  Duration(10 * time.Second),
			DiscoveryPrefix: "homeassistant",
			StatePrefix:     "obdcore",
		},
		API: APIConfig{
			Enabled:  false,
			RESTPort: 8080,
			WSPort:   8081,
		},
		Automation: AutomationConfig{
			Enabled: false,
			Backend: "lua",
		},
	}
}

// Load reads configuration from path. With an empty path it tries the
// searchPaths in order, falling back to DefaultConfig if none exist.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range searchPaths {
		if p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}
	return DefaultConfig(), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg as YAML to path, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}
