package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/livebridge/internal/bridge"
	"github.com/ent0n29/livebridge/internal/config"
	"github.com/ent0n29/livebridge/internal/history"
	"github.com/ent0n29/livebridge/internal/observability"
	"github.com/ent0n29/livebridge/internal/session"
	"github.com/ent0n29/livebridge/internal/upstream"
)

type Server struct {
	cfg       config.Config
	registry  *session.Registry
	router    *bridge.Router
	connector upstream.Connector
	history   history.Store
	metrics   *observability.Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, registry *session.Registry, connector upstream.Connector, store history.Store, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		registry:  registry,
		router:    bridge.NewRouter(registry, metrics, logger),
		connector: connector,
		history:   store,
		metrics:   metrics,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only open sessions from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients usually omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/live", func(r chi.Router) {
		// Every mode shares one acceptor; the connect message picks the chat mode.
		r.Get("/ws", s.handleLive)
		r.Get("/voice-chat", s.handleLive)
		r.Get("/screen-share", s.handleLive)
		r.Get("/camera-chat", s.handleLive)

		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{id}", s.handleTerminateSession)
		r.Get("/stats", s.handleStats)
		r.Get("/voices", s.handleListVoices)
		r.Get("/health", s.handleLiveHealth)
		r.Get("/history", s.handleListHistory)
		r.Get("/history/{id}/transcript", s.handleTranscript)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"upstream": s.connectorName(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.connector == nil || s.registry == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "upstream connector not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"upstream":        s.connectorName(),
		"active_sessions": s.registry.ActiveCount(),
	})
}

func (s *Server) connectorName() string {
	if s.connector == nil {
		return "none"
	}
	return s.connector.Name()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
