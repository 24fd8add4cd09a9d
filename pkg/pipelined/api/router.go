package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	chi_middleware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/nais/pipelined/pkg/bus"
	api_v1_deployment "github.com/nais/pipelined/pkg/pipelined/api/v1/deployment"
	"github.com/nais/pipelined/pkg/pipelined/database"
	"github.com/nais/pipelined/pkg/pipelined/logstream"
	"github.com/nais/pipelined/pkg/pipelined/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var requestTimeout = time.Second * 10

type Config struct {
	Store         database.DeploymentStore
	Publisher     bus.Publisher
	Logs          *logstream.Hub
	MetricsPath   string
	APIKeys       []string
	StreamTimeout time.Duration
	PollInterval  time.Duration
	// Health reports whether the service can serve requests. Nil means always healthy.
	Health func(ctx context.Context) error
	// Registerer receives the HTTP request metrics. Defaults to the global registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func New(cfg Config) chi.Router {
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if len(cfg.MetricsPath) == 0 {
		cfg.MetricsPath = "/metrics"
	}

	prometheusMiddleware := middleware.PrometheusMiddleware("pipelined", cfg.Registerer)

	deploymentHandler := &api_v1_deployment.Handler{
		Store:         cfg.Store,
		Publisher:     cfg.Publisher,
		Logs:          cfg.Logs,
		StreamTimeout: cfg.StreamTimeout,
		PollInterval:  cfg.PollInterval,
	}

	// Pre-populate request metrics
	for _, code := range []int{http.StatusCreated, http.StatusBadRequest, http.StatusBadGateway} {
		prometheusMiddleware.Initialize("/api/v1/deployments", http.MethodPost, code)
	}
	for _, code := range []int{http.StatusAccepted, http.StatusNotFound, http.StatusConflict} {
		prometheusMiddleware.Initialize("/api/v1/deployments/{id}/cancel", http.MethodPost, code)
	}

	// Base settings for all requests
	router := chi.NewRouter()
	router.Use(
		chi_middleware.RequestID,
		middleware.RequestLogger(),
		prometheusMiddleware.Handler(),
		chi_middleware.Recoverer,
		chi_middleware.StripSlashes,
	)

	// Mount /metrics and /healthz endpoints with no authentication
	router.Get(cfg.MetricsPath, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				render.Status(r, http.StatusServiceUnavailable)
				render.JSON(w, r, healthResponse{Status: "unavailable", Error: err.Error()})
				return
			}
		}
		render.JSON(w, r, healthResponse{Status: "ok"})
	})

	router.Route("/api/v1/deployments", func(r chi.Router) {
		if len(cfg.APIKeys) == 0 {
			log.Warn("No API keys configured; the deployment API accepts unauthenticated requests")
		} else {
			r.Use(middleware.APIKeyValidator(cfg.APIKeys))
		}

		// Log streams are long-lived and are bounded by their own timeout.
		r.Get("/{id}/logs/stream", deploymentHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(chi_middleware.Timeout(requestTimeout))
			r.With(chi_middleware.AllowContentType("application/json")).Post("/", deploymentHandler.Create)
			r.Get("/{id}", deploymentHandler.Get)
			r.Post("/{id}/cancel", deploymentHandler.Cancel)
		})
	})

	return router
}
