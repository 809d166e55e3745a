// Package realtimetest runs an in-process Phoenix realtime server that speaks
// the Supabase Realtime protocol. It backs the client's end-to-end tests and
// the serve-fake command.
package realtimetest

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/observability"
	"github.com/markb/sbrealtime/internal/protocol"
)

// WebsocketPath is where the server accepts socket connections. Clients are
// configured with the base URL plus "/realtime/v1".
const WebsocketPath = "/realtime/v1/websocket"

// Config holds server configuration.
type Config struct {
	// JWTSecret verifies HS256 access tokens. Empty disables verification.
	JWTSecret string `env:"SBREALTIME_FAKE_JWT_SECRET"`
	// APIKey is required as the apikey query parameter when set.
	APIKey string `env:"SBREALTIME_FAKE_API_KEY"`
}

// Option configures a Server.
type Option func(*Server)

// WithTelemetry instruments HTTP requests with OpenTelemetry.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(s *Server) { s.tel = tel }
}

// Server is the fake realtime server.
type Server struct {
	hub    *hub
	cfg    Config
	tel    *observability.Telemetry
	router chi.Router
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by the router
	},
}

// NewServer creates a server. Serve it with Handler.
func NewServer(cfg Config, opts ...Option) *Server {
	s := &Server{
		hub: newHub(cfg.JWTSecret),
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(log.RequestLogger)
	if s.tel != nil {
		r.Use(observability.HTTPMiddleware(s.tel, "sbrealtime-fake"))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "apikey", "X-Client-Info"},
	}))
	r.Get(WebsocketPath, s.handleWebSocket)
	r.Get("/realtime/v1/stats", s.handleStats)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Endpoint converts the base URL of an HTTP server running Handler into the
// endpoint a client connects to.
func Endpoint(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/realtime/v1"
}

// Stats returns current connection and channel counts.
func (s *Server) Stats() Stats {
	return s.hub.stats()
}

// NotifyChange delivers a row change to matching postgres_changes
// subscriptions and returns the number of subscriptions reached.
func (s *Server) NotifyChange(schema, table string, event protocol.PostgresChangeEvent, oldRow, newRow map[string]any) int {
	return s.hub.broadcastChange(schema, table, event, oldRow, newRow)
}

// CloseAll drops every connection without a close frame.
func (s *Server) CloseAll() {
	for _, c := range s.hub.snapshotConns() {
		c.close()
	}
}

// Shutdown closes every connection with a normal close frame.
func (s *Server) Shutdown() {
	for _, c := range s.hub.snapshotConns() {
		c.shutdown("server shutting down")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apikey")
	if apiKey == "" {
		apiKey = r.Header.Get("apikey")
	}
	if s.cfg.APIKey != "" && apiKey != s.cfg.APIKey {
		log.Debug("realtimetest: invalid API key")
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
		return
	}
	if vsn := r.URL.Query().Get("vsn"); vsn != "" && vsn != protocol.Version {
		http.Error(w, "unsupported serializer version", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("realtimetest: upgrade failed", "error", err.Error())
		return
	}

	c := s.hub.newConn(ws)
	log.Debug("realtimetest: new connection", "conn_id", c.id)

	go c.writePump()
	c.readPump()
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		log.Warn("realtimetest: encode stats", "error", err.Error())
	}
}
