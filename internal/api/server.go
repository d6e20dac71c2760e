// Package api exposes the ingestion pipeline and the query service over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/api/gateway"
	"github.com/lvonguyen/threatlens/internal/ingestion"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/pipeline"
	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// Ingester runs one submission through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, sub pipeline.Submission) (*pipeline.Result, error)
}

// Querier serves the read side.
type Querier interface {
	ListRecentReviewed(ctx context.Context) ([]telemetry.ReviewedEvent, error)
	ListRecentEvents(ctx context.Context, limit int) ([]telemetry.Event, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires a Server. Ingester and Querier are required.
type Options struct {
	Ingester       Ingester
	Querier        Querier
	Ready          []Pinger
	HEC            *ingestion.HECReceiver // mounted at /services/collector when set
	RateLimiter    *gateway.RateLimiter   // applied to ingest routes when set
	MetricsHandler http.Handler
	Metrics        *observability.Metrics
	Logger         *zap.Logger
	Version        string
	RequestTimeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	opts   Options
	logger *zap.Logger
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{opts: opts, logger: opts.Logger}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(requestMetrics(s.opts.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	}

	// Ingest routes share the rate limiter.
	r.Group(func(r chi.Router) {
		if s.opts.RateLimiter != nil {
			r.Use(s.opts.RateLimiter.Middleware(nil))
		}
		r.Post("/api/v1/ingest", s.handleIngest)
		r.Post("/ingest_data", s.handleIngest)
		if s.opts.HEC != nil {
			r.Mount("/services/collector", s.opts.HEC.Routes())
		}
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/threats", s.handleThreats)
		r.Get("/events", s.handleEvents)
	})
	r.Get("/get_latest_threats", s.handleThreats)

	return r
}
