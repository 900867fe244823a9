package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Secret      string
	CORSOrigins []string
}

func Router(h *Handler, cfg RouterConfig, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(recordMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(log))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/health", h.Health)

	// Trigger and operator routes.
	r.Group(func(r chi.Router) {
		r.Use(requireSecret(cfg.Secret))

		r.Get("/v1/cron/process-scheduled", h.ProcessScheduled)
		r.Post("/v1/cron/process-scheduled", h.ProcessScheduled)

		r.Get("/v1/scheduler/status", h.SchedulerStatus)
		r.Post("/v1/scheduler/start", h.SchedulerStart)
		r.Post("/v1/scheduler/stop", h.SchedulerStop)

		r.Get("/v1/messages/sent", h.ListSentMessages)
		r.Get("/v1/messages/{id}/receipt", h.MessageReceipt)

		r.Post("/v1/escalations", h.Escalate)
		r.Post("/v1/consent/opt-out", h.OptOut)
		r.Post("/v1/consent/block", h.Block)
	})

	// Claims come from responders' browsers and carry their own token.
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.Post("/v1/escalations/claim", h.ClaimEscalation)
		r.Options("/v1/escalations/claim", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("compliant-messaging"))
	})

	return r
}
