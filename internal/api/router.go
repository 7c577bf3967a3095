package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the transport knobs that come from configuration.
type RouterConfig struct {
	CORSOrigins []string

	// RateLimitRequests per RateLimitWindow per client IP on ingest; 0 disables.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter creates and returns a configured Chi router.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))
	r.MethodNotAllowed(methodNotAllowed)

	// ── Health & metrics ──────────────────────────────────────────────────────
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ok(w, map[string]string{"status": "ok", "service": "sharing-api"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// ── Ingest ────────────────────────────────────────────────────────────────
	r.Group(func(r chi.Router) {
		if cfg.RateLimitRequests > 0 {
			r.Use(httprate.Limit(
				cfg.RateLimitRequests,
				cfg.RateLimitWindow,
				httprate.WithKeyFuncs(httprate.KeyByRealIP),
				httprate.WithLimitHandler(tooManyRequests),
			))
		}

		// Path the game clients were shipped with.
		r.Post("/api/auth-log", h.LogAuthEvent)
		r.Post("/api/v1/auth-events", h.LogAuthEvent)
	})

	// ── Inspection ────────────────────────────────────────────────────────────
	r.Get("/api/v1/keys/{apiKey}", h.GetKeyActivity)

	return r
}

// requestLogger is a minimal structured-logging middleware.
// It replaces chi's default Logger to emit slog records.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Log the route pattern so API keys in paths stay out of the logs.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}

		slog.Info("http",
			"method", r.Method,
			"path", path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
