package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/eventstream/internal/audit"
	"github.com/rickgao/eventstream/internal/connection"
	"github.com/rickgao/eventstream/internal/router"
	"github.com/rickgao/eventstream/internal/version"
)

// server is the thin HTTP layer in front of the registry and router.
type server struct {
	podName      string
	writeTimeout time.Duration
	registry     *connection.Registry
	router       *router.Router
	recorder     *audit.PGRecorder // nil when auditing is disabled
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

func newServer(podName string, writeTimeout time.Duration, registry *connection.Registry, rt *router.Router, recorder *audit.PGRecorder, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		podName:      podName,
		writeTimeout: writeTimeout,
		registry:     registry,
		router:       rt,
		recorder:     recorder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events/{client}", s.handleEvents)
	mux.HandleFunc("GET /ws/{client}", s.handleWebSocket)
	mux.HandleFunc("GET /connections", s.handleConnections)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

// handleEvents holds an SSE stream open until the entry closes.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	client := r.PathValue("client")

	tr, err := connection.NewSSETransport(w, r, s.writeTimeout)
	if err != nil {
		s.logger.Error("sse setup failed", "client", client, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	entry := s.registry.Register(client, tr)
	<-entry.Done()
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	client := r.PathValue("client")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Warn("websocket upgrade failed", "client", client, "error", err)
		return
	}

	tr := connection.NewWebSocketTransport(conn, s.writeTimeout, s.logger.With("client", client))
	entry := s.registry.Register(client, tr)
	<-entry.Done()
}

func (s *server) handleConnections(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Enumerate()
	writeJSON(w, http.StatusOK, map[string]any{
		"podName":     s.podName,
		"count":       len(stats),
		"connections": stats,
	})
}

// handleHealth reports degraded while the bus is down. Local streams keep
// working, so it never answers 503.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	busStatus := s.router.Status()

	status := "healthy"
	if !busStatus.Connected {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"podName":     s.podName,
		"connections": s.registry.Count(),
		"bus":         busStatus.Connected,
	})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"podName":     s.podName,
		"version":     version.Get(),
		"connections": s.registry.Count(),
		"bus":         s.router.Status(),
		"router":      s.router.Stats(),
	}
	if s.recorder != nil {
		body["audit"] = s.recorder.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
