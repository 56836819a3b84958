// Package api exposes the response engine over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/responseforge/internal/api/gateway"
	"github.com/lvonguyen/responseforge/internal/approval"
	"github.com/lvonguyen/responseforge/internal/execution"
	"github.com/lvonguyen/responseforge/internal/observability"
	"github.com/lvonguyen/responseforge/internal/remediation"
	"github.com/lvonguyen/responseforge/internal/responder"
)

// Options wires the server to the engine
type Options struct {
	Responder *responder.Responder
	Approvals *approval.Workflow
	Catalog   *remediation.Catalog

	// Execution holds the defaults applied to /respond requests
	Execution execution.Context

	// Ready reports whether backing services are reachable. Nil means always ready.
	Ready func(ctx context.Context) error

	MetricsHandler http.Handler
	RateLimiter    *gateway.RateLimiter
	RequestTimeout time.Duration
	Version        string

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Server holds the HTTP handlers
type Server struct {
	opts           Options
	logger         *zap.Logger
	metrics        *observability.Metrics
	responseSchema *jsonschema.Schema
	decisionSchema *jsonschema.Schema
}

// NewServer validates options and compiles request schemas
func NewServer(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Catalog == nil {
		opts.Catalog = remediation.DefaultCatalog()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	responseSchema, err := compileSchema("response-request", responseRequestSchema)
	if err != nil {
		return nil, err
	}
	decisionSchema, err := compileSchema("approval-decision", decisionRequestSchema)
	if err != nil {
		return nil, err
	}

	return &Server{
		opts:           opts,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		responseSchema: responseSchema,
		decisionSchema: decisionSchema,
	}, nil
}

// Router builds the chi router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if s.opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	// Health endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.opts.RateLimiter != nil {
			r.Use(s.opts.RateLimiter.Middleware)
		}

		r.Get("/catalog", s.handleCatalog)
		r.Post("/plan", s.handlePlan)
		r.Post("/respond", s.handleRespond)

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", s.handleListApprovals)
			r.Get("/{actionID}", s.handleGetApproval)
			r.Post("/{actionID}/approve", s.handleApprove)
			r.Post("/{actionID}/deny", s.handleDeny)
		})
	})

	return r
}

// requestLogger logs each request and records request metrics by route pattern
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.ObserveRequest(r.Method, path, strconv.Itoa(status), elapsed)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
