// Package api implements the control-plane HTTP API: session status,
// ad-hoc send and history fetch, plus health, routing introspection and
// a WebSocket stream of operational events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/wacli/internal/buildinfo"
	"github.com/nugget/wacli/internal/connwatch"
	"github.com/nugget/wacli/internal/events"
	"github.com/nugget/wacli/internal/router"
	"github.com/nugget/wacli/internal/session"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// RoutingInfo exposes router counters and the recent decision log.
type RoutingInfo interface {
	Stats() router.Stats
	AuditLog(limit int) []router.Record
}

// Config configures a Server.
type Config struct {
	Address string
	Port    int
	Plane   *Plane
	Session *session.State
	// Routing is nil when message routing is disabled (no owner).
	Routing RoutingInfo
	// Health is optional.
	Health *connwatch.Manager
	// Events feeds /events. Nil disables the stream.
	Events *events.Bus
	// AllowedOrigins restricts browser origins on /events. Empty allows
	// all.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	address  string
	port     int
	plane    *Plane
	session  *session.State
	routing  RoutingInfo
	health   *connwatch.Manager
	events   *events.Bus
	origins  []string
	upgrader websocket.Upgrader
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a Server. Call Start to serve.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		address: cfg.Address,
		port:    cfg.Port,
		plane:   cfg.Plane,
		session: cfg.Session,
		routing: cfg.Routing,
		health:  cfg.Health,
		events:  cfg.Events,
		origins: cfg.AllowedOrigins,
		logger:  cfg.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("GET /history", s.handleHistory)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /routing", s.handleRouting)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting control plane", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"success": false,
		"error":   message,
	}, s.logger)
}

// planeError maps a Plane error to a status code.
func (s *Server) planeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotReady):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrInvalidTarget), errors.Is(err, ErrEmptyMessage):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "wacli",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.plane.Status(), s.logger)
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	To  string `json:"to"`
	Msg string `json:"msg"`
}

// SendResponse is the body returned by POST /send.
type SendResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	// Readiness wins over a malformed body.
	if !s.session.Ready() {
		s.planeError(w, ErrNotReady)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.plane.Send(r.Context(), req.To, req.Msg)
	if err != nil {
		s.planeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, SendResponse{Success: true, ID: id}, s.logger)
}

// HistoryResponse is the body returned by GET /history.
type HistoryResponse struct {
	Success bool           `json:"success"`
	History []HistoryEntry `json:"history"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := DefaultHistoryLimit
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	history, err := s.plane.History(r.Context(), q.Get("to"), limit)
	if err != nil {
		s.planeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, HistoryResponse{Success: true, History: history}, s.logger)
}

// HealthResponse is the body returned by GET /health.
type HealthResponse struct {
	Status   string                             `json:"status"`
	Session  session.Phase                      `json:"session"`
	Since    time.Time                          `json:"since"`
	Uptime   string                             `json:"uptime"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	resp := HealthResponse{
		Status:  "healthy",
		Session: snap.Phase,
		Since:   snap.Since,
		Uptime:  buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.health != nil {
		resp.Services = s.health.Status()
		if len(s.health.Down()) > 0 {
			resp.Status = "degraded"
		}
	}
	if !snap.Ready {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleRouting(w http.ResponseWriter, r *http.Request) {
	if s.routing == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "message routing disabled")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	decisions := s.routing.AuditLog(limit)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"stats":     s.routing.Stats(),
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}
