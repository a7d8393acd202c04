package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/costpilot/costpilot/pkg/engine"
	"github.com/costpilot/costpilot/pkg/telemetry"
)

// ExecutionService is the engine surface the API exposes. Implemented by
// engine.Engine.
type ExecutionService interface {
	Submit(ctx context.Context, request *engine.ExecutionRequest) (string, error)
	GetStatus(ctx context.Context, executionID string) (*engine.ExecutionRecord, error)
	History(ctx context.Context, filter *engine.HistoryFilter) ([]*engine.ExecutionSummary, error)
	Events(ctx context.Context, executionID string) ([]*engine.AuditEvent, error)
	Approve(ctx context.Context, executionID string, decision engine.ApprovalDecision, actor string) error
	Cancel(ctx context.Context, executionID string) (bool, error)
	Rollback(ctx context.Context, executionID string) (*engine.RollbackOutcome, error)
}

// Config configures the API server.
type Config struct {
	// ListenAddr is the address the server binds to.
	ListenAddr string

	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration

	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration

	// HealthCheck probes backing services for /healthz. Optional.
	HealthCheck func(ctx context.Context) error

	// Metrics, if set, is mounted at /metrics. Optional; deployments that
	// run the dedicated metrics listener leave this nil.
	Metrics http.Handler
}

// Server is the REST API server.
type Server struct {
	cfg    Config
	engine ExecutionService
	logger *telemetry.Logger
	router *mux.Router
	srv    *http.Server
}

// NewServer creates an API server for the given engine.
func NewServer(cfg Config, svc ExecutionService, logger *telemetry.Logger) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	s := &Server{
		cfg:    cfg,
		engine: svc,
		logger: logger.NewComponentLogger("api"),
		router: mux.NewRouter(),
	}
	s.routes()

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// routes registers all API routes.
func (s *Server) routes() {
	s.router.Use(s.logRequests)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/executions", s.handleSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/executions", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}", s.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{id}/rollback", s.handleRollback).Methods(http.MethodPost)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.Metrics != nil {
		s.router.Handle("/metrics", s.cfg.Metrics).Methods(http.MethodGet)
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.cfg.ListenAddr).Info("API server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// logRequests logs every request with its status and duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.WithFields(map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("request handled")
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
