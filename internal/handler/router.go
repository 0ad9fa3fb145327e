package handler

import (
	"net/http"

	"github.com/dandantas/quantflow/pkg/middleware"
	"github.com/go-chi/chi/v5"
)

// Router handles HTTP routing
type Router struct {
	workflowHandler *WorkflowHandler
	backtestHandler *BacktestHandler
	healthHandler   *HealthHandler
	metricsHandler  http.Handler
	corsConfig      middleware.CORSConfig
	rateLimiter     *middleware.RateLimiter
}

// NewRouter creates a new router. metricsHandler and rateLimiter may be nil.
func NewRouter(
	workflowHandler *WorkflowHandler,
	backtestHandler *BacktestHandler,
	healthHandler *HealthHandler,
	metricsHandler http.Handler,
	corsConfig middleware.CORSConfig,
	rateLimiter *middleware.RateLimiter,
) *Router {
	return &Router{
		workflowHandler: workflowHandler,
		backtestHandler: backtestHandler,
		healthHandler:   healthHandler,
		metricsHandler:  metricsHandler,
		corsConfig:      corsConfig,
		rateLimiter:     rateLimiter,
	}
}

// Handler returns the configured HTTP handler with middleware
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.CorrelationID)
	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS(rt.corsConfig))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/health", rt.healthHandler.Health)
	r.Get("/ready", rt.healthHandler.Ready)
	if rt.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", rt.metricsHandler)
	}

	limited := func(next http.Handler) http.Handler { return next }
	if rt.rateLimiter != nil {
		limited = rt.rateLimiter.Handler
	}

	r.Route("/workflow", func(r chi.Router) {
		r.With(limited).Post("/", rt.workflowHandler.Submit)
		r.Get("/", rt.workflowHandler.List)
		r.Get("/{jobId}", rt.workflowHandler.Get)
		r.Post("/{jobId}/cancel", rt.workflowHandler.Cancel)
	})
	r.With(limited).Post("/backtest", rt.backtestHandler.Start)

	return r
}
