// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/token-distributor/internal/circuitbreaker"
	"github.com/token-distributor/internal/job"
	"github.com/token-distributor/internal/logging"
	"github.com/token-distributor/internal/models"
	"github.com/token-distributor/internal/storage"
)

// CampaignReader reads campaign progress for polling
type CampaignReader interface {
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	ListRecipients(ctx context.Context, campaignID string, filter storage.RecipientFilter) ([]*models.Recipient, error)
}

// RunController starts and tracks background distribution runs
type RunController interface {
	Start(ctx context.Context, campaignID string, opts job.StartOptions) (*job.RunHandle, error)
	Get(runID string) (*job.RunHandle, error)
	Cancel(runID string) (*job.RunHandle, error)
	List() []job.RunSnapshot
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	campaigns  CampaignReader
	runs       RunController
	checks     map[string]HealthCheck
	breakers   *circuitbreaker.Manager
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond int
	Burst             int
}

// ServerOption configures optional server dependencies
type ServerOption func(*Server)

// WithHealthCheck adds a named dependency to /health
func WithHealthCheck(name string, check HealthCheck) ServerOption {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithBreakers reports ledger endpoint breaker state on /health
func WithBreakers(m *circuitbreaker.Manager) ServerOption {
	return func(s *Server) {
		s.breakers = m
	}
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, campaigns CampaignReader, runs RunController, opts ...ServerOption) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		campaigns: campaigns,
		runs:      runs,
		checks:    make(map[string]HealthCheck),
		config:    config,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// order matters: the request logger must exist before anything logs
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Campaign endpoints
	api.HandleFunc("/campaigns/{id}/execute", s.handleExecuteCampaign).Methods("POST")
	api.HandleFunc("/campaigns/{id}", s.handleGetCampaign).Methods("GET")
	api.HandleFunc("/campaigns/{id}/recipients", s.handleListRecipients).Methods("GET")

	// Run endpoints
	api.HandleFunc("/runs", s.handleListRuns).Methods("GET")
	api.HandleFunc("/runs/{runId}", s.handleGetRun).Methods("GET")
	api.HandleFunc("/runs/{runId}/cancel", s.handleCancelRun).Methods("POST")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "route not found", nil)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed", nil)
	})
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth pings every registered dependency
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "healthy"
	code := http.StatusOK
	deps := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("dependency", name).Warn("Health check failed")
			deps[name] = "unhealthy"
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "healthy"
	}

	body := map[string]interface{}{
		"status":       status,
		"service":      "token-distributor",
		"dependencies": deps,
	}
	if s.breakers != nil {
		body["ledgerEndpoints"] = s.breakers.AllStats()
	}
	respondJSON(w, code, body)
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
