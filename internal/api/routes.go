package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/clickstock/internal/auth"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, authManager *auth.Manager, limiter *RateLimiter, health *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// CORS for the operator dashboard (explicit origins). Ad-scripts call
	// server-to-server and never preflight.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://app.clickstock.io", "http://localhost:5173"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))

	// Probes (no auth required)
	if health == nil {
		health = NewHealthChecker(nil, nil, nil)
	}
	r.Get("/healthz", health.HandleLiveness)
	r.Get("/readyz", health.HandleReadiness)

	r.Route("/v1", func(r chi.Router) {
		// Tenant routes: bearer API key required.
		r.Group(func(r chi.Router) {
			if authManager != nil {
				r.Use(authManager.Middleware)
			}

			r.Group(func(r chi.Router) {
				r.Use(limiter.Limit(ClassGeneric))
				r.Post("/suffix/lease", h.HandleLease)
				r.Post("/suffix/report", h.HandleReport)
				r.Get("/campaigns/{campaignID}/stock", h.HandleCampaignStock)
				r.Get("/auth/verify", h.HandleAuthVerify)
				r.Get("/jobs", h.HandleJobsStatus)
				r.Get("/jobs/alerts", h.HandleJobsAlerts)
			})

			r.Group(func(r chi.Router) {
				r.Use(limiter.Limit(ClassBatch))
				r.Post("/suffix/lease/batch", h.HandleLeaseBatch)
				r.Post("/suffix/report/batch", h.HandleReportBatch)
			})

			r.Group(func(r chi.Router) {
				r.Use(limiter.Limit(ClassAdmin))
				r.Post("/campaigns/sync", h.HandleCampaignSync)
			})
		})

		// Job triggers: bearer API key or the shared cron secret.
		r.Group(func(r chi.Router) {
			r.Use(h.cronOrBearer(authManager))
			r.Use(limiter.Limit(ClassAdmin))
			r.Post("/jobs/replenish", h.HandleJobsReplenish)
			r.Post("/jobs/recovery", h.HandleJobsRecovery)
		})
	})

	return r
}

// cronSecretHeader carries the scheduler's shared secret as an alternative
// to a tenant API key on the job trigger routes.
const cronSecretHeader = "X-Cron-Secret"

// cronOrBearer admits requests carrying the shared cron secret without a
// principal; everything else goes through the normal bearer middleware.
func (h *Handlers) cronOrBearer(authManager *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret := r.Header.Get(cronSecretHeader); secret != "" && h.cronSecret != "" &&
				subtle.ConstantTimeCompare([]byte(secret), []byte(h.cronSecret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if authManager == nil {
				next.ServeHTTP(w, r)
				return
			}
			authManager.Middleware(next).ServeHTTP(w, r)
		})
	}
}
