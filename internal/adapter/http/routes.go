package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	sqotel "github.com/Strob0t/squire/internal/adapter/otel"
	"github.com/Strob0t/squire/internal/config"
	"github.com/Strob0t/squire/internal/middleware"
	"github.com/Strob0t/squire/internal/port/cache"
)

const apiTimeout = 30 * time.Second

// RouterOptions carries the optional pieces of the router.
type RouterOptions struct {
	CORSOrigin  string
	ServiceName string           // otel span prefix; empty disables HTTP tracing
	Stream      http.HandlerFunc // mounted at /ws when set
	Metrics     http.Handler     // mounted at /metrics when set
	Idempotency cache.Cache      // enables Idempotency-Key replay on /api/v1 when set
	RateLimit   *middleware.RateLimiter
}

// NewRouter builds the chi router with the middleware chain and all routes.
func NewRouter(h *Handlers, opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	if opts.CORSOrigin != "" {
		r.Use(CORS(opts.CORSOrigin))
	}
	if opts.ServiceName != "" {
		r.Use(sqotel.HTTPMiddleware(opts.ServiceName))
	}

	r.Get("/health", h.CheckHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Stream != nil {
		r.Get("/ws", opts.Stream)
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(apiTimeout))
		if opts.RateLimit != nil {
			r.Use(opts.RateLimit.Handler)
		}
		if opts.Idempotency != nil {
			r.Use(middleware.Idempotency(opts.Idempotency, middleware.DefaultIdempotencyTTL))
		}
		MountRoutes(r, h)
	})
	return r
}

// MountRoutes registers the task API on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"service": "squire", "version": config.Version})
		})

		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks/{id}", handleTask(http.StatusOK, h.Tasks.Get))
		r.Patch("/tasks/{id}", h.UpdateTask)
		r.Delete("/tasks/{id}", h.DeleteTask)

		r.Post("/tasks/{id}/start", h.StartTask)
		r.Post("/tasks/{id}/stop", handleTask(http.StatusOK, h.Tasks.Stop))
		r.Get("/tasks/{id}/logs", h.TaskLogs)
		r.Get("/tasks/{id}/events", h.TaskEvents)

		r.Get("/capacity", h.Capacity)
		r.Get("/workers", handleList(h.Tasks.Workers))
	})
}
