// Package core orchestrates the long-running diagnostic service: it
// builds the configured connection backend, runs the ELM327 handshake,
// drives a reading poller over the active vehicle decoders, and fans
// decoded readings out to the optional collaborators (trip log, MQTT,
// REST/WebSocket APIs, scripted alerting). One-shot CLI commands bypass
// this package and use the connection/elm327/uds packages directly.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vlink/obdcore/pkg/api/rest"
	"github.com/vlink/obdcore/pkg/api/ws"
	"github.com/vlink/obdcore/pkg/automation"
	"github.com/vlink/obdcore/pkg/config"
	"github.com/vlink/obdcore/pkg/connection"
	"github.com/vlink/obdcore/pkg/elm327"
	"github.com/vlink/obdcore/pkg/logger"
	"github.com/vlink/obdcore/pkg/metrics"
	"github.com/vlink/obdcore/pkg/persistence"
	"github.com/vlink/obdcore/pkg/persistence/sqlite"
	pub "github.com/vlink/obdcore/pkg/publish/mqtt"
	"github.com/vlink/obdcore/pkg/uds"
	"github.com/vlink/obdcore/pkg/vehicle"
)

// Common errors.
var (
	ErrNotStarted    = errors.New("core: engine not started")
	ErrNoDecoders    = errors.New("core: no active vehicle decoders configured")
	ErrUnknownDriver = errors.New("core: unknown persistence driver")
)

// Engine wires the diagnostic stack to its collaborators according to
// config. Collaborators are strictly opt-in: a disabled section of the
// config simply never gets constructed.
type Engine struct {
	mu sync.Mutex

	cfg *config.Config
	log *logger.Logger

	conn     connection.Connection
	elm      *elm327.Engine
	client   *uds.Client
	decoders []vehicle.Decoder

	poller     *Poller
	store      persistence.Store
	publisher  *pub.Publisher
	restServer *rest.Server
	wsServer   *ws.Server
	rules      automation.Engine

	discovered map[string]bool

	started  bool
	cancel   context.CancelFunc
	dispatch chan struct{}
}

// NewEngine resolves config into a fully-constructed (but not started)
// engine: connection backend via the registry, active decoders via the
// decoder registry, and every enabled collaborator.
func NewEngine(cfg *config.Config, backends *connection.Registry, registry *vehicle.Registry) (*Engine, error) {
	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	logger.SetGlobal(log)

	conn, err := backends.Create(cfg.Connection.Connection())
	if err != nil {
		return nil, fmt.Errorf("core: create connection: %w", err)
	}

	var decoders []vehicle.Decoder
	for _, name := range cfg.Vehicle.Decoders {
		d, err := registry.Get(name)
		if err != nil {
			return nil, fmt.Errorf("core: decoder %q: %w", name, err)
		}
		decoders = append(decoders, d)
	}

	e := &Engine{
		cfg:        cfg,
		log:        log,
		conn:       conn,
		decoders:   decoders,
		discovered: make(map[string]bool),
	}
	e.elm = elm327.New(conn, log)
	e.client = uds.New(e.elm)

	if cfg.Persistence.Enabled {
		switch cfg.Persistence.Driver {
		case "", "sqlite":
			store, err := sqlite.New(cfg.Persistence.Path)
			if err != nil {
				return nil, fmt.Errorf("core: open trip log: %w", err)
			}
			e.store = store
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Persistence.Driver)
		}
	}

	if cfg.MQTT.Enabled {
		e.publisher = pub.NewPublisher(pub.Config{
			Broker:          cfg.MQTT.Broker,
			ClientID:        cfg.MQTT.ClientID,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			QOS:             cfg.MQTT.QOS,
			ConnectTimeout:  time.Duration(cfg.MQTT.ConnectTimeout),
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			StatePrefix:     cfg.MQTT.StatePrefix,
		})
	}

	if cfg.Automation.Enabled {
		rules, err := automation.New(cfg.Automation.Backend, cfg.Automation.Script)
		if err != nil {
			return nil, err
		}
		e.rules = rules
	}

	return e, nil
}

// Client exposes the UDS facade, for callers that want one-shot reads on
// the same serialized command path the poller uses.
func (e *Engine) Client() *uds.Client { return e.client }

// Poller returns the reading poller, nil until Start.
func (e *Engine) Poller() *Poller {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.poller
}

// Start opens the connection, runs the adapter handshake, and brings up
// the poller and every enabled collaborator.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if err := e.conn.Open(ctx); err != nil {
		cancel()
		return fmt.Errorf("core: open connection: %w", err)
	}
	metrics.SetConnectionState(true)

	if err := e.elm.Initialize(ctx); err != nil {
		e.conn.Close()
		metrics.SetConnectionState(false)
		cancel()
		return fmt.Errorf("core: adapter handshake: %w", err)
	}
	e.log.Info("adapter initialized", "backend", e.cfg.Connection.Type)

	if e.cfg.TesterPresent.Enabled {
		e.elm.StartTesterPresent(time.Duration(e.cfg.TesterPresent.Period))
	}

	if e.publisher != nil {
		if err := e.publisher.Connect(); err != nil {
			// The diagnostic stack is usable without the broker; readings
			// simply are not published until a restart.
			e.log.Warn("MQTT connect failed, publishing disabled", "error", err)
			e.publisher = nil
		}
	}

	if e.cfg.API.Enabled {
		e.restServer = rest.NewServer(e.client, e.store, registryOf(e.decoders), rest.Config{
			Port:    e.cfg.API.RESTPort,
			Metrics: e.cfg.Metrics.Enabled,
			Auth: rest.AuthConfig{
				Enabled:   e.cfg.API.Auth.Enabled,
				JWTSecret: e.cfg.API.Auth.JWTSecret,
				APIKeys:   e.cfg.API.Auth.APIKeys,
			},
		})
		if err := e.restServer.Start(); err != nil {
			e.stopLocked()
			return err
		}

		wsCfg := ws.DefaultConfig()
		wsCfg.Port = e.cfg.API.WSPort
		e.wsServer = ws.NewServer(wsCfg)
		if err := e.wsServer.Start(); err != nil {
			e.stopLocked()
			return err
		}
	}

	if e.cfg.Poll.Enabled {
		if len(e.decoders) == 0 {
			e.stopLocked()
			return ErrNoDecoders
		}
		e.poller = NewPoller(e.client, e.decoders, time.Duration(e.cfg.Poll.Interval), e.log)
		if err := e.poller.Start(runCtx); err != nil {
			e.stopLocked()
			return err
		}
		e.dispatch = make(chan struct{})
		go e.dispatchReadings(e.poller.Subscribe())
	}

	e.started = true
	return nil
}

// registryOf rebuilds a registry from the engine's active decoder slice
// so the REST server can look decoders up by name.
func registryOf(decoders []vehicle.Decoder) *vehicle.Registry {
	r := vehicle.NewRegistry()
	for _, d := range decoders {
		_ = r.Register(d)
	}
	return r
}

// dispatchReadings fans every decoded reading out to the configured
// collaborators until the subscription channel closes. Collaborator
// failures are logged and never interrupt the poll loop.
func (e *Engine) dispatchReadings(ch <-chan *ReadingEvent) {
	defer close(e.dispatch)

	for ev := range ch {
		if e.store != nil {
			rec := persistence.Record{
				ID:         ev.ID,
				Decoder:    ev.Decoder,
				Name:       ev.Reading.Name,
				Value:      ev.Reading.Value,
				Unit:       ev.Reading.Unit,
				CANID:      ev.CANID,
				RecordedAt: ev.Timestamp,
			}
			if err := e.store.SaveReading(rec); err != nil {
				e.log.Warn("trip log write failed", "error", err)
			}
		}

		if e.publisher != nil {
			key := ev.Decoder + "/" + ev.Reading.Name
			if !e.discovered[key] {
				if err := e.publisher.PublishDiscovery(ev.Decoder, ev.Reading); err != nil {
					e.log.Warn("MQTT discovery publish failed", "error", err)
				} else {
					e.discovered[key] = true
				}
			}
			if err := e.publisher.Publish(ev.Decoder, ev.Reading); err != nil {
				e.log.Warn("MQTT publish failed", "error", err)
			}
		}

		if e.wsServer != nil {
			e.wsServer.Broadcast(ev.Decoder, ev.Reading)
		}

		if e.rules != nil {
			alert, err := e.rules.OnReading(ev.Decoder, ev.Reading)
			if err != nil {
				e.log.Warn("automation hook failed", "error", err)
			} else if alert != "" {
				e.log.Warn("automation alert", "decoder", ev.Decoder, "alert", alert)
				if e.publisher != nil {
					if err := e.publisher.PublishAlert(ev.Decoder, alert); err != nil {
						e.log.Warn("MQTT alert publish failed", "error", err)
					}
				}
			}
		}
	}
}

// Stop tears the stack down in reverse dependency order. Idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.stopLocked()
	e.started = false
	return nil
}

func (e *Engine) stopLocked() {
	if e.poller != nil {
		e.poller.Stop()
		if e.dispatch != nil {
			<-e.dispatch
			e.dispatch = nil
		}
		e.poller = nil
	}

	e.elm.StopTesterPresent()

	if e.wsServer != nil {
		if err := e.wsServer.Stop(context.Background()); err != nil {
			e.log.Warn("ws server stop", "error", err)
		}
		e.wsServer = nil
	}
	if e.restServer != nil {
		if err := e.restServer.Stop(context.Background()); err != nil {
			e.log.Warn("rest server stop", "error", err)
		}
		e.restServer = nil
	}

	if e.rules != nil {
		e.rules.Close()
	}
	if e.publisher != nil {
		e.publisher.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Warn("trip log close", "error", err)
		}
	}

	if e.cancel != nil {
		e.cancel()
	}
	if err := e.conn.Close(); err != nil {
		e.log.Warn("connection close", "error", err)
	}
	metrics.SetConnectionState(false)
}
