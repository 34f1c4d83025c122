package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/visteria/visteria/internal/config"
	"github.com/visteria/visteria/internal/pkg/logger"
	"github.com/visteria/visteria/internal/ratelimit"
)

// SetupRoutes configures the router: CORS-open JSON API with API-key auth on
// the dashboard endpoints and, depending on configuration, on tracking too.
// limiter may be nil (rate limiting disabled).
func SetupRoutes(h *Handlers, auth config.AuthConfig, limiter *ratelimit.Limiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// CORS-open: the tracking snippet runs on arbitrary third-party origins
	// and the dashboard authenticates with a header, not cookies.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Api-Key"},
		MaxAge:         300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HandleHealth)

	keys := auth.Keys()

	r.Route("/api", func(r chi.Router) {
		r.Route("/visits", func(r chi.Router) {
			if auth.TrackAuth {
				r.Use(requireAPIKey(keys))
			}
			if limiter != nil {
				r.Use(rateLimitTrack(limiter))
			}
			r.Post("/track", h.HandleTrack)
		})

		// Dashboard reads always require a key.
		r.Group(func(r chi.Router) {
			r.Use(requireAPIKey(keys))
			r.Get("/projects", h.HandleProjects)
			r.Get("/sites/{siteID}", h.HandleSiteDetail)
		})
	})

	return r
}

// requireAPIKey rejects requests whose X-Api-Key header does not match one of
// the configured keys. An empty key list is a deployment misconfiguration and
// yields 500, not 401.
func requireAPIKey(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if len(keys) == 0 {
				respondError(w, http.StatusInternalServerError, "Server misconfigured: missing API key.")
				return
			}

			key := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			if key == "" || !containsKey(keys, key) {
				respondError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			next.ServeHTTP(w, req)
		})
	}
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// rateLimitTrack applies the per-IP limiter. Limiter errors fail open:
// losing a page view to a Redis hiccup is worse than briefly not limiting.
func rateLimitTrack(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ip := realIP(req)
			allowed, err := limiter.Allow(req.Context(), ip)
			if err != nil {
				logger.Warn("rate limit check failed", "ip", ip, "error", err)
				next.ServeHTTP(w, req)
				return
			}
			if !allowed {
				respondError(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
