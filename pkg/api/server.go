// Package api provides the HTTP status and control endpoints of a playback session
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/objectfs/mediacache/internal/netclass"
	"github.com/objectfs/mediacache/internal/planner"
	"github.com/objectfs/mediacache/internal/scheduler"
	"github.com/objectfs/mediacache/internal/session"
	"github.com/objectfs/mediacache/pkg/errors"
	"github.com/objectfs/mediacache/pkg/utils"
)

// Backend is the session surface the API exposes. *session.Session implements it.
type Backend interface {
	Stats() session.Stats
	Descriptors() []planner.Descriptor
	Pending() []scheduler.PendingTask
	Signal(level int)
	SetNetworkClass(label string) (netclass.Class, error)
	Healthy() error
}

// Server provides HTTP API endpoints
type Server struct {
	httpServer *http.Server
	backend    Backend
	metrics    http.Handler
	config     ServerConfig
	logger     *slog.Logger
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8090")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// RequestTimeout bounds handler execution
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "localhost:8090",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewServer creates a new API server. metrics may be nil to disable /metrics.
func NewServer(config ServerConfig, backend Backend, metrics http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		backend: backend,
		metrics: metrics,
		config:  config,
		logger:  utils.OrNop(logger).With("component", "api"),
	}

	s.httpServer = &http.Server{
		Addr:              config.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.ReadTimeout,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	return s
}

// Handler builds the router.
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /health/ready - Readiness probe, 503 while an origin breaker is open
//   - GET /api/v1/stats - Session statistics
//   - GET /api/v1/descriptors - Analyzed resources
//   - GET /api/v1/queue - Queued prefetch tasks in dispatch order
//   - POST /api/v1/pressure - Deliver a memory pressure level {"level": 1..5}
//   - POST /api/v1/network - Report a network class {"class": "wifi"}
//   - GET /metrics - Prometheus metrics, when configured
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.config.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.config.RequestTimeout))
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/", s.handleLiveness)
		r.Get("/ready", s.handleReadiness)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/descriptors", s.handleDescriptors)
		r.Get("/queue", s.handleQueue)
		r.Post("/pressure", s.handlePressure)
		r.Post("/network", s.handleNetwork)
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting API server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "error", err)
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Healthy(); err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready":     false,
			"error":     err.Error(),
			"timestamp": time.Now().UTC(),
		})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ready":     true,
		"timestamp": time.Now().UTC(),
	})
}

// Session endpoint handlers

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.backend.Stats())
}

func (s *Server) handleDescriptors(w http.ResponseWriter, r *http.Request) {
	descriptors := s.backend.Descriptors()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"descriptors": descriptors,
		"count":       len(descriptors),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	pending := s.backend.Pending()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": pending,
		"count": len(pending),
	})
}

type pressureRequest struct {
	Level int `json:"level"`
}

func (s *Server) handlePressure(w http.ResponseWriter, r *http.Request) {
	var req pressureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Level < 1 || req.Level > 5 {
		s.respondError(w, http.StatusBadRequest, "level must be between 1 and 5")
		return
	}

	s.backend.Signal(req.Level)
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"level": req.Level,
		"cache": s.backend.Stats().Cache,
	})
}

type networkRequest struct {
	Class string `json:"class"`
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Class) == "" {
		s.respondError(w, http.StatusBadRequest, "class is required")
		return
	}

	class, err := s.backend.SetNetworkClass(req.Class)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.HasCode(err, errors.ErrCodeInvalidConfig) {
			status = http.StatusConflict
		}
		s.respondError(w, status, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"class":      class,
		"chunk_size": planner.ChunkSizeForNetworkClass(class),
	})
}

// Middleware

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
			s.logger.Debug("API request completed", logArgs...)
			return
		}
		s.logger.Info("API request completed", logArgs...)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("error encoding JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
