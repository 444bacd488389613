package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Reminders is the engine surface the router exposes.
type Reminders interface {
	ReminderQueries
	PendingCounter
}

type RouterConfig struct {
	Service   AppointmentService
	Reminders Reminders
	Consent   ConsentStore
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	Logger    zerolog.Logger
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Reminders, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(cfg.Service))
		r.Get("/upcoming", upcomingHandler(cfg.Reminders))
		r.Get("/{id}", getAppointmentHandler(cfg.Service, cfg.Reminders))
		r.Post("/{id}/cancel", cancelAppointmentHandler(cfg.Service))
		r.Post("/{id}/reschedule", rescheduleAppointmentHandler(cfg.Service))
		r.Put("/{id}/status", updateStatusHandler(cfg.Service))
		r.Get("/{id}/reminders", remindersHandler(cfg.Service))
		r.Post("/{id}/reminders", sendReminderHandler(cfg.Service))
	})

	r.Get("/reminders/stats", statsHandler(cfg.Reminders))
	r.Get("/audit", auditHandler(cfg.Reminders))

	if cfg.Consent != nil {
		r.Put("/patients/{id}/consent", consentHandler(cfg.Consent))
	}

	return r
}
