// Package mqtt publishes decoded vehicle readings to an MQTT broker: one
// retained JSON state message per decoder/reading, an optional Home
// Assistant MQTT Discovery config payload per sensor, and alert messages
// raised by the automation engine. It publishes only: it never
// subscribes or feeds data back into the diagnostic stack.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vlink/obdcore/pkg/vehicle"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by Publish when the client has not
// connected (or has disconnected).
var ErrNotConnected = errors.New("mqtt: not connected")

// TLSConfig holds optional client-certificate TLS settings.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	MinVersion         string `yaml:"min_version"`
}

// Config holds MQTT publisher configuration.
type Config struct {
	Broker         string        `yaml:"broker" validate:"required"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QOS            int           `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	TLS            *TLSConfig    `yaml:"tls"`

	// DiscoveryPrefix is the Home Assistant MQTT Discovery topic root,
	// default "homeassistant".
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// StatePrefix is the retained-state topic root, default "obdcore".
	StatePrefix string `yaml:"state_prefix"`
}

// DefaultConfig returns a default MQTT publisher configuration.
func DefaultConfig() Config {
	return Config{
		Broker:          "tcp://localhost:1883",
		ClientID:        fmt.Sprintf("obdcore-%d", time.Now().Unix()),
		QOS:             0,
		ConnectTimeout:  10 * time.Second,
		DiscoveryPrefix: "homeassistant",
		StatePrefix:     "obdcore",
	}
}

// Publisher publishes decoded readings to MQTT, one retained state
// message per decoder/name and an optional Home Assistant Discovery
// config payload.
type Publisher struct {
	mu     sync.RWMutex
	config Config
	client mqtt.Client
}

// NewPublisher creates a Publisher. Connect must be called before Publish.
func NewPublisher(config Config) *Publisher {
	if config.DiscoveryPrefix == "" {
		config.DiscoveryPrefix = "homeassistant"
	}
	if config.StatePrefix == "" {
		config.StatePrefix = "obdcore"
	}
	return &Publisher{config: config}
}

func (p *Publisher) buildTLSConfig() (*tls.Config, error) {
	tc := p.config.TLS
	cfg := &tls.Config{InsecureSkipVerify: tc.InsecureSkipVerify}

	if tc.CertFile != "" && tc.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if tc.CAFile != "" {
		caCert, err := os.ReadFile(tc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("mqtt: failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}
	switch tc.MinVersion {
	case "1.0":
		cfg.MinVersion = tls.VersionTLS10
	case "1.1":
		cfg.MinVersion = tls.VersionTLS11
	case "1.2":
		cfg.MinVersion = tls.VersionTLS12
	case "1.3":
		cfg.MinVersion = tls.VersionTLS13
	}
	return cfg, nil
}

// Connect dials the broker and blocks until connected or the timeout
// elapses.
func (p *Publisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	opts := mqtt.NewClientOptions()
	broker := p.config.Broker
	if p.config.TLS != nil && p.config.TLS.Enabled {
		tlsCfg, err := p.buildTLSConfig()
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsCfg)
		if strings.HasPrefix(broker, "tcp://") {
			broker = strings.Replace(broker, "tcp://", "ssl://", 1)
		}
	}
	opts.AddBroker(broker)
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(p.config.ConnectTimeout) {
		return fmt.Errorf("mqtt: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", broker, err)
	}
	p.client = client
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}

type statePayload struct {
	Value float64   `json:"value"`
	Unit  string    `json:"unit"`
	Time  time.Time `json:"time"`
}

// Publish publishes one decoded reading as a retained JSON state message
// to obdcore/<decoder>/<name>.
func (p *Publisher) Publish(decoder string, r vehicle.Reading) error {
	p.mu.RLock()
	client := p.client
	qos := p.config.QOS
	prefix := p.config.StatePrefix
	p.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	body, err := json.Marshal(statePayload{Value: r.Value, Unit: r.Unit, Time: time.Now()})
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/%s/%s", prefix, decoder, r.Name)
	token := client.Publish(topic, byte(qos), true, body)
	token.Wait()
	return token.Error()
}

// PublishAlert publishes one automation alert message (not retained) to
// obdcore/alerts/<decoder>.
func (p *Publisher) PublishAlert(decoder, message string) error {
	p.mu.RLock()
	client := p.client
	qos := p.config.QOS
	prefix := p.config.StatePrefix
	p.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	topic := fmt.Sprintf("%s/alerts/%s", prefix, decoder)
	token := client.Publish(topic, byte(qos), false, []byte(message))
	token.Wait()
	return token.Error()
}

// haDiscoveryConfig is the Home Assistant MQTT Discovery sensor payload.
type haDiscoveryConfig struct {
	Name              string `json:"name"`
	StateTopic        string `json:"state_topic"`
	ValueTemplate     string `json:"value_template"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	UniqueID          string `json:"unique_id"`
}

// PublishDiscovery emits a Home Assistant MQTT Discovery config payload
// for decoder/r.Name to homeassistant/sensor/<decoder>_<name>/config.
func (p *Publisher) PublishDiscovery(decoder string, r vehicle.Reading) error {
	p.mu.RLock()
	client := p.client
	discoveryPrefix := p.config.DiscoveryPrefix
	statePrefix := p.config.StatePrefix
	p.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	uniqueID := fmt.Sprintf("%s_%s", decoder, r.Name)
	cfg := haDiscoveryConfig{
		Name:              fmt.Sprintf("%s %s", decoder, r.Name),
		StateTopic:        fmt.Sprintf("%s/%s/%s", statePrefix, decoder, r.Name),
		ValueTemplate:     "{{ value_json.value }}",
		UnitOfMeasurement: r.Unit,
		UniqueID:          uniqueID,
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/sensor/%s/config", discoveryPrefix, uniqueID)
	token := client.Publish(topic, byte(p.config.QOS), true, body)
	token.Wait()
	return token.Error()
}
