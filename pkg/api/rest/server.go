// Package rest implements the HTTP status/query API: health, Prometheus
// metrics, recent decoded-reading history, and an ad hoc UDS read for
// debugging.
package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vlink/obdcore/pkg/api/middleware"
	"github.com/vlink/obdcore/pkg/logger"
	"github.com/vlink/obdcore/pkg/persistence"
	"github.com/vlink/obdcore/pkg/uds"
	"github.com/vlink/obdcore/pkg/vehicle"
)

// AuthConfig mirrors pkg/config.APIAuthConfig.
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	APIKeys   []string
}

// Config holds REST server configuration.
type Config struct {
	Port    int
	Auth    AuthConfig
	Metrics bool
}

// Server is the REST status/query API server, wired directly to the UDS
// facade, the decoder registry, and the trip-log store.
type Server struct {
	uds      *uds.Client
	store    persistence.Store
	decoders *vehicle.Registry
	config   Config
	srv      *http.Server
}

// NewServer creates a REST server. udsClient/store may be nil; the
// corresponding routes respond 503 when unconfigured. With nil decoders,
// /uds/read returns the raw payload without a decoded reading.
func NewServer(udsClient *uds.Client, store persistence.Store, decoders *vehicle.Registry, config Config) *Server {
	return &Server{uds: udsClient, store: store, decoders: decoders, config: config}
}

// Start starts the API server in a background goroutine and returns
// immediately.
func (s *Server) Start() error {
	r := mux.NewRouter()
	s.registerRoutes(r)

	if s.config.Auth.Enabled {
		auth := middleware.NewAPIKeyAuth(s.config.Auth.APIKeys, s.config.Auth.JWTSecret)
		r.Use(auth.Handler)
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	if s.config.Port == 0 {
		addr = ":8080"
	}
	s.srv = &http.Server{Addr: addr, Handler: r}

	logger.Global().Info("API server listening", "addr", addr, "auth", s.config.Auth.Enabled)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Global().Error("API server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.config.Metrics {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}
	r.HandleFunc("/readings/{decoder}", s.handleRecentReadings).Methods("GET")
	r.HandleFunc("/uds/read", s.handleUDSRead).Methods("POST")
	if s.config.Auth.Enabled {
		r.HandleFunc("/login", s.handleLogin).Methods("POST")
	}
}
