// Package server exposes the render dispatcher over HTTP.
//
// Routes:
//
//	GET  /                 liveness
//	POST /generate-cv-pdf  inline HTML to an A4 PDF (legacy clients)
//	POST /v1/render        full render API
//	GET  /healthz          pool and instance statistics
//	GET  /metrics          Prometheus exposition
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/entrhq/renderd/pkg/browser"
	"github.com/entrhq/renderd/pkg/job"
	"github.com/entrhq/renderd/pkg/logging"
	"github.com/entrhq/renderd/pkg/pool"
	"github.com/entrhq/renderd/pkg/scheduler"
)

// ServiceName is reported by the liveness endpoint.
const ServiceName = "renderd"

// Submitter runs render jobs. *scheduler.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, target job.Target, opts scheduler.SubmitOptions) (*job.Result, error)
}

// PoolStats reports session pool occupancy.
type PoolStats interface {
	Stats() pool.Stats
}

// InstanceStats reports browser instance state.
type InstanceStats interface {
	Stats() browser.Stats
}

// Options configures the HTTP front door.
type Options struct {
	// MaxBodyBytes caps request bodies
	MaxBodyBytes int64

	// IntakeRate is the sustained render requests per second (0 disables)
	IntakeRate float64

	IntakeBurst int

	// RetryAfter is advertised when the pool is exhausted
	RetryAfter time.Duration

	Version string
}

const (
	defaultMaxBodyBytes = 10 << 20
	defaultRetryAfter   = time.Second
)

// Server routes HTTP requests to the dispatcher.
type Server struct {
	submitter Submitter
	pool      PoolStats
	instances InstanceStats
	opts      Options
	limiter   *rate.Limiter
	logger    *logging.Logger
	router    chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds the server and its routes. pool and instances may be nil, in
// which case /healthz reports only liveness.
func New(submitter Submitter, poolStats PoolStats, instances InstanceStats, opts Options, options ...Option) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = defaultRetryAfter
	}

	s := &Server{
		submitter: submitter,
		pool:      poolStats,
		instances: instances,
		opts:      opts,
		logger:    logging.Discard("server"),
	}
	if opts.IntakeRate > 0 {
		burst := opts.IntakeBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.IntakeRate), burst)
	}
	for _, opt := range options {
		opt(s)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.metricsMiddleware)
	router.Use(corsMiddleware)
	router.Use(securityHeadersMiddleware)

	router.Get("/", s.handleRoot)
	router.Get("/healthz", s.handleHealthz)
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(s.limitMiddleware)
		r.Use(s.bodyLimitMiddleware)
		r.Post("/generate-cv-pdf", s.handleGenerateCVPDF)
		r.Post("/v1/render", s.handleRender)
	})

	s.router = router
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps the router in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}
}
