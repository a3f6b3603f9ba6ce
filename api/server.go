/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the booking frontend

ROUTE GROUPS:
  /api/users/{id}/points/*   User balance, history, earn, spend
  /api/admin/points/*        Adjustments, expirations, cancels, maintenance
  /health                    Liveness

SECURITY NOTE:
  No authentication middleware. The gateway in front of this service
  authenticates users and restricts /api/admin to operators.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

var defaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins falls back to the local development origins.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users/{id}/points", func(r chi.Router) {
			r.Get("/", h.GetBalance)
			r.Get("/as-of", h.GetBalanceAsOf)
			r.Get("/history", h.GetHistory)
			r.Post("/earn", h.Earn)
			r.Post("/spend", h.Spend)
		})

		// Admin routes
		r.Route("/admin/points", func(r chi.Router) {
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/expirations", h.CreateExpiration)
			r.Post("/transactions/{txID}/cancel", h.CancelTransaction)
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/users/{id}/verify", h.VerifyAccount)
			r.Post("/users/{id}/rebuild", h.RebuildAccount)
		})
	})

	return r
}
