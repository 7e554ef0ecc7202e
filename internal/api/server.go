// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cloud-importer/internal/job"
	"github.com/cloud-importer/internal/logging"
	"github.com/cloud-importer/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Header names carrying the caller's identity
const (
	HeaderOwnerID   = "X-Owner-ID"
	HeaderOwnerTier = "X-Owner-Tier"
)

// HealthCheck pings one dependency
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	importer   job.Importer
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	config     *ServerConfig

	checksMu sync.RWMutex
	checks   map[string]HealthCheck
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond float64 // per owner
	Burst             int
}

// NewServer creates a new API server instance. A nil gatherer serves the
// default Prometheus registry.
func NewServer(config *ServerConfig, importer job.Importer, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router:   mux.NewRouter(),
		importer: importer,
		metrics:  m,
		gatherer: gatherer,
		config:   config,
		checks:   make(map[string]HealthCheck),
	}

	s.setupRouter()

	return s
}

// AddHealthCheck registers a dependency check reported by /health
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	s.checks[name] = check
	s.checksMu.Unlock()
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rps := s.config.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	rateLimiter := NewRateLimiter(rps, s.config.Burst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(MetricsMiddleware(s.metrics))
	s.router.Use(CORSMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(rateLimiter))

	api.HandleFunc("/imports", s.handleStartImport).Methods(http.MethodPost)
	api.HandleFunc("/imports", s.handleListImports).Methods(http.MethodGet)
	api.HandleFunc("/imports/{id}", s.handleGetImport).Methods(http.MethodGet)
	api.HandleFunc("/imports/{id}", s.handleCancelImport).Methods(http.MethodDelete)
	api.HandleFunc("/imports/{id}/batches", s.handleRunBatch).Methods(http.MethodPost)
	api.HandleFunc("/usage", s.handleUsage).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.checksMu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.checksMu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(names))
	for _, name := range names {
		s.checksMu.RLock()
		check := s.checks[name]
		s.checksMu.RUnlock()
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":       state,
		"service":      "cloud-importer",
		"dependencies": deps,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
