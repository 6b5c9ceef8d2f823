package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handler) *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	mux.Get("/health", h.Liveness)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/ws", h.WebSocket)

	mux.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Get("/", h.Index(mux))
		r.Get("/health", h.Health)
		r.Get("/status", h.Status)
		r.Get("/tags", h.Tags)
		r.Get("/tags/{key}", h.Tag)
		r.Get("/metrics", h.Metrics)
		r.Get("/events", h.Events)
		r.Get("/events/violations", h.Violations)
		r.Get("/config", h.Config)

		r.Route("/remediate", func(r chi.Router) {
			r.Get("/status", h.RemediationStatus)
			r.Get("/jobs", h.Jobs)
			r.Get("/jobs/{id}", h.Job)
			r.Get("/jobs/{id}/output", h.JobOutput)
			r.Post("/{action}", h.Remediate)
		})

		r.Route("/chaos", func(r chi.Router) {
			r.Get("/status", h.ChaosStatus)
			r.Post("/enable", h.ChaosEnable)
			r.Post("/disable", h.ChaosDisable)
			r.Post("/inject", h.ChaosInject)
		})
	})
	return mux
}
