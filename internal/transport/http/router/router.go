package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/config"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/transport/http/handlers"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/transport/http/middleware"
)

// New assembles the operational surface: health probes, stats, metrics and
// the admin endpoints.
func New(h *handlers.OpsHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog)

	if cfg.RLEnabled {
		r.Use(httprate.LimitByIP(cfg.RLLimit, cfg.RLWindow))
	}

	r.Get("/healthz/live", h.Live)
	r.Get("/healthz/ready", h.Ready)
	r.Get("/healthz/startup", h.Startup)
	r.Get("/stats", h.Stats)
	r.Method(http.MethodGet, "/metrics", metrics.MetricsHandler())

	r.Route("/admin", func(r chi.Router) {
		r.Post("/reset-cb", h.ResetBreaker)
		r.Post("/process", h.TriggerBatch)
	})

	return r
}
