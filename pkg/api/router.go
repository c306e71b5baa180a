// Package api exposes the HTTP surface of pagesmith: the evaluator-facing build
// endpoint, task status lookups, health probes and metrics.
package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vyvo/pagesmith/pkg/logging"
	"github.com/vyvo/pagesmith/pkg/registry"
	"github.com/vyvo/pagesmith/pkg/task"
)

const maxBodyBytes = 10 << 20

// Submitter accepts a validated build request and starts its pipeline.
type Submitter interface {
	Submit(req task.BuildRequest) (task.State, error)
}

type Options struct {
	Secret string
	// RateLimit is the number of build requests allowed per client IP per minute.
	// Zero disables limiting.
	RateLimit int
	Gatherer  prometheus.Gatherer
	Logger    zerolog.Logger
}

type Server struct {
	submitter Submitter
	store     *task.Store
	registry  *registry.Registry
	opts      Options
	logger    zerolog.Logger
	draining  atomic.Bool
}

func New(submitter Submitter, store *task.Store, reg *registry.Registry, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if reg == nil {
		reg = registry.New()
	}
	return &Server{
		submitter: submitter,
		store:     store,
		registry:  reg,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "api").Logger(),
	}
}

// Drain makes /readyz fail so load balancers stop routing new builds here.
func (s *Server) Drain() {
	s.draining.Store(true)
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logging.RequestLogger(s.logger))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealth)
	router.Get("/readyz", s.handleReady)
	router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	router.Group(func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.opts.RateLimit, time.Minute))
		}
		r.Post("/api-endpoint", s.handleBuild)
	})
	router.Get("/tasks/{taskID}", s.handleGetTask)

	return otelhttp.NewHandler(router, "pagesmith.api")
}
