// Package api serves the foreman control API: pending approvals, the audit
// trail, trace events and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/foreman/pkg/approval"
	"github.com/odvcencio/foreman/pkg/audit"
	ferrors "github.com/odvcencio/foreman/pkg/errors"
	"github.com/odvcencio/foreman/pkg/logging"
	"github.com/odvcencio/foreman/pkg/security"
	"github.com/odvcencio/foreman/pkg/telemetry"
	"github.com/odvcencio/foreman/pkg/trace"
)

// TraceSource exposes recorded events and their summary.
type TraceSource interface {
	Trace(traceID string) []trace.Event
	GoldenSignals(traceID string) trace.Signals
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to listen on (default: 127.0.0.1:7420)
	Address string

	// Approvals lists and resolves pending approvals. Either a local
	// approval.Gate or a bus-backed approval.Relay.
	Approvals approval.Decider

	Audit   *audit.Trail
	Traces  TraceSource
	Metrics *telemetry.Metrics

	// Hub feeds the live event stream. Nil disables /events/stream.
	Hub *telemetry.Hub

	// Tokens authenticates approvers. Nil disables the decision endpoint.
	Tokens *security.TokenManager

	Logger *logging.Logger
}

// Server is the control API server.
type Server struct {
	approvals approval.Decider
	audit     *audit.Trail
	traces    TraceSource
	metrics   *telemetry.Metrics
	hub       *telemetry.Hub
	tokens    *security.TokenManager
	logger    *logging.Logger

	router     chi.Router
	httpServer *http.Server
}

// NewServer creates a server and its routes.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:7420"
	}
	s := &Server{
		approvals: cfg.Approvals,
		audit:     cfg.Audit,
		traces:    cfg.Traces,
		metrics:   cfg.Metrics,
		hub:       cfg.Hub,
		tokens:    cfg.Tokens,
		logger:    logging.OrDiscard(cfg.Logger).Component("api"),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(securityHeaders)
	router.Use(s.withLogging)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)

	router.Route("/approvals", func(r chi.Router) {
		r.Get("/", s.handleListApprovals)
		r.With(s.requireApprover).Post("/{id}/decision", s.handleDecide)
	})
	router.Route("/audit", func(r chi.Router) {
		r.Get("/traces/{traceID}", s.handleAuditTrace)
		r.Get("/decisions", s.handleAuditQuery)
	})
	router.Get("/events/stream", s.handleEventStream)
	router.Route("/traces/{traceID}", func(r chi.Router) {
		r.Get("/events", s.handleTraceEvents)
		r.Get("/signals", s.handleTraceSignals)
	})

	s.router = router
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // long for streaming
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requireApprover(next http.Handler) http.Handler {
	if s.tokens == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "approver authentication is not configured")
		})
	}
	return s.tokens.Authenticate(security.CapabilityApprover)(next)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsHandler() http.Handler {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if s.metrics != nil && s.metrics.Registry != nil {
		gatherer = s.metrics.Registry
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps structured errors to HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	fe, ok := ferrors.As(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch fe.Code {
	case ferrors.ErrCodeApprovalNotFound:
		status = http.StatusNotFound
	case ferrors.ErrCodeApprovalResolved:
		status = http.StatusConflict
	case ferrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case ferrors.ErrCodeTransport:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"error": fe.Message,
		"code":  fe.Code,
	})
}
