package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/queue"
)

type RouterConfig struct {
	Appointments *appointment.Service
	Queues       *queue.Manager
	WebSocket    http.Handler // optional live updates endpoint
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Log          logrus.FieldLogger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	v := NewValidator()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware)

		r.Get("/doctors/{doctorID}/slots", proposeSlotsHandler(cfg.Appointments))

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", bookAppointmentHandler(cfg.Appointments, v))
			r.Get("/", listAppointmentsHandler(cfg.Appointments))
			r.Get("/{id}", getAppointmentHandler(cfg.Appointments))
			r.Post("/{id}/reschedule", rescheduleAppointmentHandler(cfg.Appointments, v))
			r.Post("/{id}/confirm", transitionHandler(cfg.Appointments, appointment.StatusConfirmed))
			r.Post("/{id}/cancel", transitionHandler(cfg.Appointments, appointment.StatusCancelled))
			r.Post("/{id}/complete", transitionHandler(cfg.Appointments, appointment.StatusCompleted))
			r.Post("/{id}/missed", transitionHandler(cfg.Appointments, appointment.StatusMissed))
			r.Post("/{id}/queue", enqueueHandler(cfg.Queues, cfg.Log))
		})

		r.Route("/queues/{doctorID}/{date}", func(r chi.Router) {
			r.Get("/", queueSnapshotHandler(cfg.Queues))
			r.Post("/next", entryHandler(cfg.Queues.CallNext))
			r.Post("/recall", entryHandler(cfg.Queues.Recall))
			r.Post("/skip/{token}", skipHandler(cfg.Queues))
			r.Post("/pause", viewHandler(cfg.Queues.Pause))
			r.Post("/resume", viewHandler(cfg.Queues.Resume))
			r.Post("/activate", activateDayHandler(cfg.Queues))
		})
	})

	return r
}
