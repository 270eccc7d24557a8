// Package server provides the HTTP job API for graphbuilder.
//
// Endpoints:
//
//	POST /api/v1/kg/update        submit a question payload, 202 {"task_id": ...}
//	GET  /api/v1/tasks/{id}       job state and result
//	GET  /api/v1/synonyms/{curie} synonymize one identifier (?type=gene)
//	GET  /api/v1/concepts         node types questions may use
//	GET  /api/v1/graph/nodes      stored nodes of one type (?type=gene)
//	GET  /api/v1/graph/nodes/{curie} stored node with its edges
//	GET  /api/v1/graph/edges/{id} one stored edge
//	GET  /health                  liveness
//	GET  /status                  server, graph and queue counters
//	GET  /metrics                 Prometheus metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orneryd/graphbuilder/pkg/builder"
	"github.com/orneryd/graphbuilder/pkg/jobs"
	"github.com/orneryd/graphbuilder/pkg/logging"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/storage"
	"github.com/orneryd/graphbuilder/pkg/question"
)

// Errors for HTTP operations.
var (
	ErrServerClosed = errors.New("server closed")
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graphbuilder_http_requests_total",
	Help: "HTTP requests by route and status code",
}, []string{"route", "code"})

var validate = validator.New()

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "0.0.0.0")
	Address string
	// Port to listen on (default: 6010)
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// MaxRequestSize in bytes (default: 1MB)
	MaxRequestSize int64
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:        "0.0.0.0",
		Port:           6010,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 1 << 20,
	}
}

// Server is the HTTP API server.
type Server struct {
	config  *Config
	builder *builder.Builder
	queue   *jobs.Queue
	logger  *zap.Logger

	httpServer *http.Server
	listener   net.Listener

	closed  atomic.Bool
	started time.Time

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a server that submits jobs to queue and answers lookups from b.
func New(b *builder.Builder, queue *jobs.Queue, config *Config, logger *zap.Logger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = 1 << 20
	}
	if b == nil || queue == nil {
		return nil, fmt.Errorf("builder and job queue required")
	}
	return &Server{
		config:  config,
		builder: b,
		queue:   queue,
		logger:  logging.OrNop(logger).Named("http"),
		started: time.Now(),
	}, nil
}

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

// Handler returns the router. Start serves it; tests use it directly.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/kg/update", s.handleUpdate)
		r.Get("/tasks/{taskID}", s.handleTask)
		r.Get("/synonyms/{curie}", s.handleSynonyms)
		r.Get("/concepts", s.handleConcepts)
		r.Get("/graph/nodes", s.handleNodes)
		r.Get("/graph/nodes/{curie}", s.handleNode)
		r.Get("/graph/edges/{edgeID}", s.handleEdge)
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Skip health checks for noise reduction
		if r.URL.Path == "/health" {
			return
		}
		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestID", chimiddleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic in handler", zap.Any("panic", err), zap.Stack("stack"))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		requestsTotal.WithLabelValues(route, fmt.Sprint(ww.Status())).Inc()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.Stats()
	graph, err := s.builder.Stats()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "running",
		"server": map[string]any{
			"uptime_seconds": stats.Uptime.Seconds(),
			"requests":       stats.RequestCount,
			"errors":         stats.ErrorCount,
			"active":         stats.ActiveRequests,
		},
		"graph": graph,
		"jobs":  s.queue.Stats(),
	})
}

// handleUpdate queues a knowledge-graph update. The body is a question
// payload: {"name", "natural_question", "notes", "machine_question": {...}}.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	if int64(len(body)) > s.config.MaxRequestSize {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	payload, err := question.Decode(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.queue.Submit(payload)
	switch {
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Status(chi.URLParam(r, "taskID"))
	if errors.Is(err, jobs.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no such task")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSynonyms(w http.ResponseWriter, r *http.Request) {
	curie := chi.URLParam(r, "curie")
	t := nodetypes.Any
	if raw := r.URL.Query().Get("type"); raw != "" {
		parsed, err := nodetypes.Parse(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		t = parsed
	}

	node, err := s.builder.Synonymize(r.Context(), curie, t)
	switch {
	case errors.Is(err, builder.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"identifier": node.Identifier,
		"type":       node.Type,
		"synonyms":   node.Synonyms,
	})
}

// handleConcepts lists the node types questions may use.
func (s *Server) handleConcepts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, nodetypes.All)
}

// handleNodes lists stored nodes of the type named by ?type=.
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("type")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, "type query parameter is required")
		return
	}
	t, err := nodetypes.Parse(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	nodes, err := s.builder.NodesByType(t)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	hood, err := s.builder.Neighborhood(r.Context(), chi.URLParam(r, "curie"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hood)
}

func (s *Server) handleEdge(w http.ResponseWriter, r *http.Request) {
	edge, err := s.builder.Edge(chi.URLParam(r, "edgeID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, edge)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, builder.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.errorCount.Add(1)
	s.writeJSON(w, status, map[string]any{
		"error":   true,
		"message": message,
		"code":    status,
	})
}
