// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/registry"
)

// Connector registers a handle and brings it up to date. The dispatcher
// implements it.
type Connector interface {
	Connect(ctx context.Context, h registry.Handle, lastEventID string) error
}

// Lifecycle receives the STOMP subscription signals. The lifecycle manager
// implements it.
type Lifecycle interface {
	Subscribe(ctx context.Context, sessionID, subscriptionID, destination, subscriberID string) error
	Unsubscribe(ctx context.Context, sessionID, subscriptionID string) error
	Disconnect(ctx context.Context, sessionID string) error
}

// Config holds transport timing and limits.
type Config struct {
	// ConnectionTimeout ends an SSE stream after this long; the client
	// reconnects with its cursor. Zero disables it.
	ConnectionTimeout time.Duration

	// WriteTimeout bounds a single push.
	WriteTimeout time.Duration

	// PongWait and PingPeriod drive WebSocket keepalive.
	PongWait   time.Duration
	PingPeriod time.Duration

	// MaxFrameSize bounds inbound STOMP frames.
	MaxFrameSize int64

	// InboundRate and InboundBurst limit STOMP frames per connection.
	InboundRate  float64
	InboundBurst int

	// AllowedOrigins lists WebSocket origins. "*" allows any.
	AllowedOrigins []string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout: 5 * time.Minute,
		WriteTimeout:      10 * time.Second,
		PongWait:          60 * time.Second,
		PingPeriod:        54 * time.Second,
		MaxFrameSize:      64 * 1024,
		InboundRate:       20,
		InboundBurst:      40,
	}
}

// withDefaults fills zero fields from DefaultConfig. ConnectionTimeout is
// left alone since zero disables it.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.InboundRate <= 0 {
		c.InboundRate = d.InboundRate
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = d.InboundBurst
	}
	return c
}

// Server serves the SSE and WebSocket streaming endpoints.
type Server struct {
	connector Connector
	lifecycle Lifecycle
	resolver  PrincipalResolver
	cfg       Config
	upgrader  websocket.Upgrader
}

// NewServer creates a streaming server. lifecycle may be nil, in which case
// room subscriptions are accepted but not tracked.
func NewServer(connector Connector, lifecycle Lifecycle, resolver PrincipalResolver, cfg Config) *Server {
	s := &Server{
		connector: connector,
		lifecycle: lifecycle,
		resolver:  resolver,
		cfg:       cfg.withDefaults(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"v12.stomp"},
		CheckOrigin:      s.checkOrigin,
	}
	return s
}

// Routes mounts the streaming endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/events", s.ServeSSE)
	r.Get("/ws", s.ServeWebSocket)
}

// checkOrigin accepts configured browser origins. Requests without an Origin
// header come from non-browser clients and carry their own bearer token.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}

func (s *Server) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	subscriberID, err := s.resolver.Resolve(r)
	if err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("streaming request rejected")
		status := http.StatusUnauthorized
		if !errors.Is(err, ErrUnauthorized) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, "UNAUTHORIZED", "a valid bearer token is required")
		return "", false
	}
	return subscriberID, true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Cache-Control")
	w.WriteHeader(status)
	//nolint:errcheck // HTTP response write errors are not recoverable
	json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}
