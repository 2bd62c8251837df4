/**
 * @description
 * HTTP router setup for the membership-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// AuthConfig configures the router's authentication layers.
type AuthConfig struct {
	JWKSURL        string
	InternalAPIKey string
	AdminUserIDs   []string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers payment and membership routes.
func NewRouter(h *Handler, auth AuthConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := auth.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Membership service is healthy"))
	})

	adminOnly := AdminAuthMiddleware(auth.JWKSURL, auth.InternalAPIKey, auth.AdminUserIDs)

	r.Route("/payments", func(r chi.Router) {
		r.Post("/webhooks/{gateway}", h.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(ClerkAuthMiddleware(auth.JWKSURL))
			r.Post("/intents", h.handleCreateIntent)
			r.Post("/callbacks", h.handleClientCallback)
		})

		r.Group(func(r chi.Router) {
			r.Use(adminOnly)
			r.Get("/intents/{ref}", h.handleGetIntentByReference)
			r.Post("/admin/verify", h.handleAdminVerify)
			r.Post("/admin/intents/{id}/fail", h.handleAdminFailIntent)
		})
	})

	r.Route("/memberships", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(adminOnly)
			r.Get("/expiring", h.handleListExpiring)
			r.Post("/admin/sweep", h.handleSweep)
		})

		r.Group(func(r chi.Router) {
			r.Use(InternalAuthMiddleware(auth.InternalAPIKey))
			r.Get("/{accountID}", h.handleGetMembership)
		})
	})

	return r
}
