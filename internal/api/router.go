package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Service QueueService
	Logger  *zap.Logger
	Health  *HealthHandler
	Metrics http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	h := NewHandler(cfg.Service, cfg.Logger)

	r.Get("/clinics/{clinicID}/mode", h.resolveMode)
	r.Get("/staff/{staffID}/days/{date}/schedule", h.schedule)
	r.Get("/staff/{staffID}/days/{date}/closure-preview", h.previewClosure)

	r.Group(func(r chi.Router) {
		r.Use(RequireActor)

		r.Route("/clinics/{clinicID}/staff/{staffID}/days/{date}", func(r chi.Router) {
			r.Post("/recalculate", h.recalculate)
			r.Post("/call-next", h.callNext)
			r.Post("/complete", h.complete)
			r.Post("/promote", h.promote)
			r.Post("/close", h.endDay)
		})

		r.Post("/closures/{closureID}/reopen", h.reopenDay)
		r.Post("/slots", h.requestSlot)

		r.Route("/appointments/{id}", func(r chi.Router) {
			r.Post("/present", h.markPresent)
			r.Post("/not-present", h.markNotPresent)
			r.Post("/absent", h.markAbsent)
			r.Post("/return", h.returnFromAbsence)
			r.Post("/resolve-absence", h.resolveAbsence)
			r.Post("/priority", h.applyPriority)
			r.Post("/cancel", h.cancel)
		})
	})

	return r
}
