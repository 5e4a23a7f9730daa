package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hackgods/therapy-clinic-scheduling/internal/auth"
	"github.com/hackgods/therapy-clinic-scheduling/internal/scheduling"
)

type RouterConfig struct {
	Service *scheduling.Service
	Auth    *auth.Authenticator
	// Idempotency may be nil, in which case Idempotency-Key is ignored.
	Idempotency IdempotencyStore
	Health      *HealthHandler
	Log         zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	r.Post("/auth/login", loginHandler(cfg.Auth))

	svc := cfg.Service
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Auth))
		r.Use(Idempotency(cfg.Idempotency, cfg.Log))

		r.Route("/patients", func(r chi.Router) {
			r.Get("/", listPatientsHandler(svc))
			r.Post("/", createPatientHandler(svc))
			r.Get("/{id}", getPatientHandler(svc))
			r.Put("/{id}", updatePatientHandler(svc))
			r.Delete("/{id}", deactivatePatientHandler(svc))
		})

		r.Route("/therapists", func(r chi.Router) {
			r.Get("/", listTherapistsHandler(svc))
			r.Post("/", createTherapistHandler(svc))
			r.Get("/{id}", getTherapistHandler(svc))
			r.Put("/{id}", updateTherapistHandler(svc))
		})

		r.Route("/availability", func(r chi.Router) {
			r.Get("/", listAvailabilityHandler(svc))
			r.Post("/", createAvailabilityHandler(svc))
			r.Delete("/{id}", deleteAvailabilityHandler(svc))
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Get("/", listAppointmentsHandler(svc))
			r.Post("/", createAppointmentHandler(svc))
			r.Get("/{id}", getAppointmentHandler(svc))
			r.Patch("/{id}/status", updateAppointmentStatusHandler(svc))
		})

		r.Get("/stats", statisticsHandler(svc))
	})

	return r
}
