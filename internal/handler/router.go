package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/civic-assistant/internal/middleware"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
)

// RouterConfig wires handlers and middleware settings into the router.
type RouterConfig struct {
	Chat   *ChatHandler
	Events *EventHandler
	Admin  *AdminHandler
	Health *HealthHandler

	SessionSecret string
	SessionCookie string

	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the HTTP routes.
func NewRouter(cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Public citizen routes, scoped by city
	r.Route("/grad/{tenantId}", func(r chi.Router) {
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}
		r.Post("/chat", cfg.Chat.Chat)
		r.Post("/events", cfg.Events.Ingest)
	})

	// Staff routes, scoped by the session's city
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireSession(cfg.SessionSecret, cfg.SessionCookie))
		r.Use(middleware.RequireRole(middleware.RoleAdmin, middleware.RoleInbox))

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", cfg.Admin.Get)
			r.Patch("/", cfg.Admin.Update)
			r.Post("/notes", cfg.Admin.AddNote)
		})
	})

	return r
}
