// Package api exposes a byte cache over HTTP: loads, eviction, clearing,
// statistics, health probes and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/tiercache"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

// Backend is the cache the server fronts; *tiercache.Cache[[]byte]
// satisfies it.
type Backend interface {
	Get(ctx context.Context, locator string, policy types.AccessPolicy) (types.Result[[]byte], error)
	Preload(locator string) error
	Evict(locator string) bool
	ClearMemory()
	ClearDisk(mode tiercache.ClearMode) (int, error)
	Stats() tiercache.Stats
}

var _ Backend = (*tiercache.Cache[[]byte])(nil)

// Server provides the HTTP API
type Server struct {
	httpServer *http.Server
	backend    Backend
	metrics    http.Handler
	breakers   func() map[string]string
	config     ServerConfig
	logger     *zap.Logger
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   false,
	}
}

// Option configures optional server collaborators
type Option func(*Server)

// WithMetrics mounts h on /metrics
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithBreakers reports circuit breaker states on /health and /health/ready
func WithBreakers(states func() map[string]string) Option {
	return func(s *Server) { s.breakers = states }
}

// WithLogger sets the request logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = utils.OrNop(logger).Named("api") }
}

// NewServer creates a new API server
func NewServer(config ServerConfig, backend Backend, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		config:  config,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
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

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)

	// Cache endpoints
	mux.HandleFunc("/cache", s.handleCache)
	mux.HandleFunc("/cache/preload", s.handlePreload)
	mux.HandleFunc("/cache/clear", s.handleClear)
	mux.HandleFunc("/stats", s.handleStats)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	mux.HandleFunc("/info", s.handleInfo)

	handler := s.loggingMiddleware(mux)
	if s.config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	return handler
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("address", s.config.Address))
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	state, breakers := s.upstreamState()
	response := map[string]interface{}{
		"status":    state,
		"timestamp": time.Now(),
	}
	if breakers != nil {
		response["breakers"] = breakers
	}

	statusCode := http.StatusOK
	if state == "degraded" {
		statusCode = http.StatusPartialContent
	}
	s.respondJSON(w, statusCode, response)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// handleReadiness reports not ready only when every breaker is open
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	state, _ := s.upstreamState()
	ready := state != "unavailable"
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    state,
		"timestamp": time.Now(),
	})
}

// upstreamState folds breaker states into healthy, degraded (some open) or
// unavailable (all open).
func (s *Server) upstreamState() (string, map[string]string) {
	if s.breakers == nil {
		return "healthy", nil
	}
	states := s.breakers()
	open := 0
	for _, st := range states {
		if st == "open" {
			open++
		}
	}
	switch {
	case len(states) > 0 && open == len(states):
		return "unavailable", states
	case open > 0:
		return "degraded", states
	default:
		return "healthy", states
	}
}

// Cache endpoint handlers

// handleCache serves GET /cache?locator=...&policy=... with the cached
// bytes and DELETE /cache?locator=... as an eviction.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	locator := r.URL.Query().Get("locator")
	if locator == "" {
		s.respondError(w, http.StatusBadRequest, "locator is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		policy, err := types.ParsePolicy(r.URL.Query().Get("policy"))
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := s.backend.Get(r.Context(), locator, policy)
		if err != nil {
			s.respondError(w, statusFor(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Value)))
		w.Header().Set("X-Cache-Source", res.Source.String())
		w.Header().Set("X-Cache-Key", res.Key.String())
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(res.Value); err != nil {
			s.logger.Debug("failed to write response", zap.Error(err))
		}
	case http.MethodDelete:
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"evicted": s.backend.Evict(locator),
		})
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	locators := r.URL.Query()["locator"]
	if len(locators) == 0 {
		s.respondError(w, http.StatusBadRequest, "locator is required")
		return
	}
	for _, locator := range locators {
		if err := s.backend.Preload(locator); err != nil {
			s.respondError(w, statusFor(err), err.Error())
			return
		}
	}
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued": len(locators),
	})
}

// handleClear serves POST /cache/clear?scope=memory|disk|all&mode=all|old
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	mode := tiercache.ClearAll
	switch r.URL.Query().Get("mode") {
	case "", "all":
	case "old":
		mode = tiercache.ClearEvictOld
	default:
		s.respondError(w, http.StatusBadRequest, "mode must be all or old")
		return
	}

	response := map[string]interface{}{}
	switch scope := r.URL.Query().Get("scope"); scope {
	case "memory":
		s.backend.ClearMemory()
	case "disk", "all", "":
		if scope != "disk" {
			s.backend.ClearMemory()
		}
		removed, err := s.backend.ClearDisk(mode)
		if err != nil {
			s.respondError(w, statusFor(err), err.Error())
			return
		}
		response["removed"] = removed
	default:
		s.respondError(w, http.StatusBadRequest, "scope must be memory, disk or all")
		return
	}
	response["cleared"] = true
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.backend.Stats())
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	endpoints := []string{
		"/health",
		"/health/live",
		"/health/ready",
		"/cache",
		"/cache/preload",
		"/cache/clear",
		"/stats",
		"/info",
	}
	if s.metrics != nil {
		endpoints = append(endpoints, "/metrics")
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "tiercache",
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// statusFor maps a cache error to an HTTP status
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidArgument, errors.ErrCodeInvalidPolicy:
		return http.StatusBadRequest
	case errors.ErrCodeComponentStopped, errors.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	case errors.ErrCodeFetchFailed, errors.ErrCodeDecodeFailed:
		if errors.HasCode(err, errors.ErrCodeCircuitOpen) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
