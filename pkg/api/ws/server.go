// Package ws implements the live-telemetry WebSocket push: every decoded
// vehicle.Reading the polling loop produces is pushed to every connected
// client as JSON. Clients subscribe by connecting; there is no
// per-client topic protocol.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vlink/obdcore/pkg/logger"
	"github.com/vlink/obdcore/pkg/vehicle"
)

// Config holds WebSocket server configuration.
type Config struct {
	Port            int
	Path            string
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	AllowedOrigins  []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:            8081,
		Path:            "/ws/telemetry",
		PingInterval:    30 * time.Second,
		WriteTimeout:    10 * time.Second,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		AllowedOrigins:  []string{"*"},
	}
}

// Server is the live-telemetry WebSocket server.
type Server struct {
	mu       sync.RWMutex
	config   Config
	upgrader websocket.Upgrader
	clients  map[*client]bool
	srv      *http.Server
}

// NewServer creates a Server.
func NewServer(config Config) *Server {
	return &Server{
		config:  config,
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				if len(config.AllowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range config.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// Start listens for WebSocket upgrades in a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleUpgrade)

	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", s.config.Port), Handler: mux}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Global().Error("ws server error", "error", err)
		}
	}()
	return nil
}

// Stop closes all client connections and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, server: s, send: make(chan []byte, 256)}
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// readingMessage is the JSON shape pushed to every client.
type readingMessage struct {
	Decoder string  `json:"decoder"`
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Unit    string  `json:"unit"`
}

// Broadcast pushes one decoded reading to every connected client.
func (s *Server) Broadcast(decoder string, r vehicle.Reading) {
	body, err := json.Marshal(readingMessage{Decoder: decoder, Name: r.Name, Value: r.Value, Unit: r.Unit})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- body:
		default:
			// Slow consumer: drop the client rather than block the
			// polling loop.
			s.removeClientLocked(c)
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeClientLocked(c)
}

func (s *Server) removeClientLocked(c *client) {
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// client is one connected WebSocket subscriber. The connection is
// read-only from the caller's perspective: it exists to detect
// disconnects, not to accept commands.
type client struct {
	conn   *websocket.Conn
	server *Server
	send   chan []byte
}

func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
