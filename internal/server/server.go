// Package server provides the ops HTTP listener for tripscan: health probes,
// Prometheus metrics and a read-only JSON view of the run history.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/tripscan/internal/history"
	"github.com/HerbHall/tripscan/internal/version"
	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// RunStore is the read side of the run history.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]history.Run, error)
	GetRun(ctx context.Context, id string) (history.Run, error)
	ListEvents(ctx context.Context, runID string) ([]telemetry.Event, error)
}

// StatusFunc reports the state of the live run, if any.
type StatusFunc func() any

// maxListLimit bounds ?limit= on the runs listing.
const maxListLimit = 500

// Server is the tripscan ops HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
	runs       RunStore
	status     StatusFunc
}

// Option configures optional Server endpoints.
type Option func(*Server)

// WithRuns serves the run history under /api/v1/runs.
func WithRuns(runs RunStore) Option {
	return func(s *Server) { s.runs = runs }
}

// WithStatus serves fn at /api/v1/status.
func WithStatus(fn StatusFunc) Option {
	return func(s *Server) { s.status = fn }
}

// New creates a Server with middleware and routes. reg receives the HTTP
// metrics and is served at /metrics together with whatever else registered
// on it.
func New(addr string, logger *zap.Logger, reg *prometheus.Registry, ready ReadinessChecker, opts ...Option) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger: logger,
		mux:    mux,
		ready:  ready,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes(reg)

	ops := []string{"/healthz", "/readyz", "/metrics"}
	m := NewHTTPMetrics(reg)
	middlewares := []Middleware{
		Recovery(logger, m),
		RequestIDs,
		AccessLog(logger, m, ops),
		ResponseHeaders,
		RateLimit(50, 100, ops),
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           Chain(mux, middlewares...),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(reg *prometheus.Registry) {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	if s.status != nil {
		s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	}
	if s.runs != nil {
		s.mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
		s.mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
		s.mux.HandleFunc("GET /api/v1/runs/{id}/events", s.handleListEvents)
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests. It blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting HTTP server", zap.String("addr", l.Addr().String()))
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealthz is a liveness probe -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadyz checks readiness -- returns 200 if the server can serve traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version map[string]string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "tripscan",
		Version: version.Map(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			BadRequest(w, fmt.Sprintf("limit must be an integer between 1 and %d", maxListLimit), r.URL.Path)
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		InternalError(w, "failed to list runs", r.URL.Path)
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, history.ErrRunNotFound) {
		NotFound(w, fmt.Sprintf("run %q not found", id), r.URL.Path)
		return
	}
	if err != nil {
		s.logger.Error("failed to load run", zap.String("run_id", id), zap.Error(err))
		InternalError(w, "failed to load run", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.runs.ListEvents(r.Context(), id)
	if errors.Is(err, history.ErrRunNotFound) {
		NotFound(w, fmt.Sprintf("run %q not found", id), r.URL.Path)
		return
	}
	if err != nil {
		s.logger.Error("failed to list events", zap.String("run_id", id), zap.Error(err))
		InternalError(w, "failed to list events", r.URL.Path)
		return
	}
	if events == nil {
		events = []telemetry.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
