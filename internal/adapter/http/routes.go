package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/AgentHost/internal/middleware"
	"github.com/Strob0t/AgentHost/internal/port/cache"
)

// RouteOptions configures the middleware around the API group.
type RouteOptions struct {
	APIKey string
	// APIKeyFunc overrides APIKey when set and is consulted per request.
	APIKeyFunc func() string
	// Limiter is applied to the API group when set.
	Limiter *middleware.RateLimiter
	// Idempotency replays mutating requests with a seen Idempotency-Key
	// when set.
	Idempotency    cache.Cache
	IdempotencyTTL time.Duration
}

// MountRoutes registers all API routes on the given chi router. /health
// stays outside auth and rate limiting.
func MountRoutes(r chi.Router, h *Handlers, opts RouteOptions) {
	r.Get("/health", h.Healthz)

	r.Route("/api/v1", func(r chi.Router) {
		if opts.APIKeyFunc != nil {
			r.Use(middleware.APIKeyFunc(opts.APIKeyFunc))
		} else {
			r.Use(middleware.APIKey(opts.APIKey))
		}
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Handler)
		}

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": h.version()})
		})
		r.Get("/stats", h.Stats)

		if h.Events != nil {
			r.Handle("/ws", h.Events)
		}

		r.Group(func(r chi.Router) {
			if opts.Idempotency != nil {
				ttl := opts.IdempotencyTTL
				if ttl <= 0 {
					ttl = 10 * time.Minute
				}
				r.Use(middleware.Idempotency(opts.Idempotency, ttl))
			}

			// Modules
			r.Post("/modules", h.UploadModule)

			// Agents
			r.Post("/agents", h.SpawnAgent)
			r.Post("/agents/{id}/stop", h.StopAgent)
			r.Post("/agents/{id}/suspend", h.SuspendAgent)
			r.Post("/agents/{id}/resume", h.ResumeAgent)

			// Messages
			r.Post("/messages", h.SendMessage)
		})

		r.Get("/modules", h.ListModules)
		r.Get("/modules/{digest}", h.GetModule)
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Get("/conversations/{id}", h.GetConversation)
		r.Get("/dead-letters", h.ListDeadLetters)
	})
}

func (h *Handlers) version() string {
	if h.Version == "" {
		return "dev"
	}
	return h.Version
}
