package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starford/ansuz/internal/metrics"
)

// Config carries the router's collaborators. Responder, Catalog, Sync,
// Events, Metrics, and Ready may be nil; the matching endpoints then degrade
// or disappear.
type Config struct {
	Log          *slog.Logger
	Queue        TaskQueue
	Responder    Responder
	Catalog      NoteCatalog
	Sync         SyncStatusSource
	Events       http.Handler
	Metrics      *metrics.Metrics
	SecretToken  string
	APIToken     string
	AllowedUsers []int64
	DedupTTL     time.Duration
	Ready        func(context.Context) error
}

// NewRouter creates a chi router with all routes mounted. The webhook and
// health endpoints are unauthenticated by design: the webhook is guarded by
// its secret token, health checks must stay open for probes.
func NewRouter(cfg Config) chi.Router {
	wh := NewWebhookHandler(cfg)
	sh := newStatusHandler(cfg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", sh.Live)
	r.Get("/health/ready", sh.Ready)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/telegram/webhook", wh.Handle)

		// Read endpoints take the optional Bearer token; the webhook is
		// covered by its secret header instead.
		r.Group(func(r chi.Router) {
			r.Use(TokenAuth(cfg.APIToken))
			r.Get("/status", sh.Status)
			r.Get("/notes/recent", sh.RecentNotes)
			if cfg.Events != nil {
				r.Get("/events", cfg.Events.ServeHTTP)
			}
		})
	})

	return r
}
