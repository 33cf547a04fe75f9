package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// RouterConfig holds what the router serves.
type RouterConfig struct {
	Appointments *AppointmentHandler
	Operations   *OperationsHandler
	Health       *observability.HealthRegistry
	// MetricsHandler serves /metrics; nil leaves the route out.
	MetricsHandler http.Handler
	Metrics        observability.Metrics
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

// NewRouter builds the chi router with every route of the API.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Health == nil {
		cfg.Health = observability.NewHealthRegistry()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestContext)
	r.Use(middleware.RealIP)
	r.Use(instrument(cfg.Logger, cfg.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleLiveness)
	r.Get("/readyz", handleReadiness(cfg.Health))
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		if h := cfg.Appointments; h != nil {
			r.Post("/appointments", h.Book)
			r.Post("/appointments/confirm", h.Confirm)
			r.Get("/appointments/{appointmentID}", h.Get)
			r.Post("/appointments/{appointmentID}/cancel", h.Cancel)
			r.Get("/slots/availability", h.Availability)
		}
		if h := cfg.Operations; h != nil {
			r.Get("/outbox/stats", h.OutboxStats)
			r.Get("/outbox/failed", h.FailedMessages)
			r.Get("/breakers", h.Breakers)
		}
	})
	return r
}

func handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func handleReadiness(health *observability.HealthRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overall := health.GetOverallHealth(r.Context())
		status := http.StatusOK
		if !overall.Ready() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, overall)
	}
}
