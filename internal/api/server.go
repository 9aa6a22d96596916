// Package api exposes chat sessions over HTTP, SSE and websockets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/entrepeneur4lyf/notechat/internal/chat"
	"github.com/entrepeneur4lyf/notechat/internal/events"
	"github.com/entrepeneur4lyf/notechat/internal/vectordb"
)

// IndexStats reports on the note index for the health endpoint
type IndexStats interface {
	Stats(ctx context.Context) (*vectordb.Stats, error)
}

// Option configures a Server
type Option func(*Server)

// WithEventBus streams bus events to /events subscribers
func WithEventBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithIndex reports index statistics on /health
func WithIndex(index IndexStats) Option {
	return func(s *Server) { s.index = index }
}

// WithAccessLog writes one logfmt line per request to w
func WithAccessLog(w io.Writer) Option {
	return func(s *Server) { s.accessLog = w }
}

// WithAllowedOrigins adds origins accepted by CORS and the websocket
// upgrader besides localhost
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = append(s.allowedOrigins, origins...) }
}

// Server is the HTTP front of the chat service
type Server struct {
	chat           *chat.Service
	bus            *events.Bus
	index          IndexStats
	accessLog      io.Writer
	allowedOrigins []string

	upgrader          websocket.Upgrader
	connectionManager *ConnectionManager
	httpServer        *http.Server
	startTime         time.Time
}

// NewServer creates a server around a chat service
func NewServer(svc *chat.Service, opts ...Option) *Server {
	s := &Server{
		chat:              svc,
		accessLog:         os.Stderr,
		connectionManager: NewConnectionManager(),
		startTime:         time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves on addr until Stop is called. Start after Stop returns
// immediately.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	log.Info("Starting API server", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.connectionManager.CloseAll()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.accessLogMiddleware)
	router.Use(s.corsMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/chat/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/chat/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/chat/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/chat/sessions/{id}", s.handleUpdateSession).Methods(http.MethodPatch, http.MethodPut)
	api.HandleFunc("/chat/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/chat/sessions/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/chat/sessions/{id}/messages/stream", s.handleStreamMessage).Methods(http.MethodPost)
	api.HandleFunc("/chat/sessions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/events", s.handleEventsSSE).Methods(http.MethodGet)
	api.HandleFunc("/websocket/stats", s.handleWebSocketStats).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	router.HandleFunc("/ws", s.handleChatWebSocket)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// preflight for any route
	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return router
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// corsMiddleware answers preflight requests and allows local origins
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Response helpers
func (s *Server) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"services": map[string]bool{
			"chat":  s.chat != nil && s.chat.Available(),
			"index": s.index != nil,
		},
	}
	if s.index != nil {
		stats, err := s.index.Stats(r.Context())
		if err != nil {
			log.Warn("Failed to read index stats", "error", err)
			health["status"] = "degraded"
		} else {
			health["index"] = stats
		}
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleWebSocketStats(w http.ResponseWriter, r *http.Request) {
	stats := s.connectionManager.Stats()
	stats["timestamp"] = time.Now().Unix()
	s.writeJSON(w, http.StatusOK, stats)
}
