// Package gateway exposes the daemon's HTTP and WebSocket surface: session
// continuity, the agent stream, presence, notifications, and the context
// cache.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dere-ai/dere/internal/agent"
	"github.com/dere-ai/dere/internal/config"
	"github.com/dere-ai/dere/internal/curiosity"
	"github.com/dere-ai/dere/internal/notify"
	"github.com/dere-ai/dere/internal/presence"
	"github.com/dere-ai/dere/internal/storage"
)

// Server is the daemon's HTTP front.
type Server struct {
	cfg       config.DaemonConfig
	store     *storage.Store
	agents    *agent.Service
	registry  *presence.Registry
	queue     *notify.Queue
	collector *curiosity.Collector
	logger    *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer wires the HTTP surface. collector may be nil; conversation
// turns then skip curiosity collection.
func NewServer(cfg config.DaemonConfig, store *storage.Store, agents *agent.Service, registry *presence.Registry, queue *notify.Queue, collector *curiosity.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		agents:    agents,
		registry:  registry,
		queue:     queue,
		collector: collector,
		logger:    logger.With("component", "gateway"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /sessions/find_or_create", s.handleFindOrCreate)
	mux.HandleFunc("POST /sessions/end", s.handleEndSession)
	mux.HandleFunc("POST /sessions/{id}/claude_session", s.handleSetClaudeSession)
	mux.HandleFunc("POST /sessions/{id}/message", s.handleAppendMessage)
	mux.HandleFunc("POST /sessions/{id}/name", s.handleNameSession)
	mux.HandleFunc("GET /sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /sessions/{id}/last_message_time", s.handleLastMessageTime)

	mux.Handle("/agent/ws", s.newAgentWS())

	mux.HandleFunc("POST /context/build", s.handleContextBuild)
	mux.HandleFunc("POST /context/get", s.handleContextGet)

	mux.HandleFunc("POST /presence/register", s.handlePresenceRegister)
	mux.HandleFunc("POST /presence/heartbeat", s.handlePresenceHeartbeat)
	mux.HandleFunc("POST /presence/unregister", s.handlePresenceUnregister)
	mux.HandleFunc("GET /presence/available", s.handlePresenceAvailable)

	mux.HandleFunc("POST /notifications/create", s.handleNotificationCreate)
	mux.HandleFunc("GET /notifications/pending", s.handleNotificationsPending)
	mux.HandleFunc("POST /notifications/{id}/delivered", s.handleNotificationDelivered)
	mux.HandleFunc("POST /notifications/{id}/failed", s.handleNotificationFailed)
	mux.HandleFunc("POST /notifications/{id}/acknowledge", s.handleNotificationAcknowledge)
	mux.HandleFunc("POST /notifications/recent_unacknowledged", s.handleNotificationsUnacknowledged)

	return mux
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	network, addr := "tcp", s.cfg.Listen
	if path, ok := strings.CutPrefix(s.cfg.Listen, "unix:"); ok {
		// A fresh bind needs the old socket file gone.
		network, addr = "unix", path
		_ = os.Remove(path) //nolint:errcheck
	}
	listener, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", s.cfg.Listen)
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown error", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, agent.ErrSessionNotFound),
		errors.Is(err, presence.ErrUnknownPresence):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, notify.ErrInvalidNotification):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, agent.ErrSessionLocked), errors.Is(err, agent.ErrQueryInFlight):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func trimmedPathValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.PathValue(key))
}
