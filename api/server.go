/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. Auth:       Bearer token on every /api route except /api/health

ROUTE GROUPS:
  /api/bookings/*    Booking lifecycle
  /api/penalties/*   Penalties and appeals
  /api/providers/*   Provider accounts
  /api/admin/*       Appeal queue and statistics
  /api/system/*      Sweeper trigger

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, origins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", Health)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)

			r.Route("/bookings", func(r chi.Router) {
				r.Post("/", h.CreateBooking)
				r.Get("/{id}", h.GetBooking)
				r.Post("/{id}/confirm", h.ConfirmBooking)
				r.Post("/{id}/cancel", h.CancelBooking)
				r.Post("/{id}/reject", h.RejectBooking)
				r.Post("/{id}/no-show", h.MarkNoShow)
				r.Post("/{id}/complete", h.MarkCompleted)
			})

			r.Route("/penalties", func(r chi.Router) {
				r.Post("/", h.ApplyPenalty)
				r.Post("/preview", h.PreviewPenalty)
				r.Get("/{id}", h.GetPenalty)
				r.Delete("/{id}", h.CancelPenalty)
				r.Post("/{id}/activate", h.ActivatePenalty)
				r.Post("/{id}/appeal", h.SubmitAppeal)
				r.Put("/{id}/appeal/process", h.ProcessAppeal)
			})

			r.Route("/providers", func(r chi.Router) {
				r.Post("/", h.RegisterProvider)
				r.Get("/{id}", h.GetProvider)
				r.Get("/{id}/penalties", h.ListProviderPenalties)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Get("/appeals", h.ListPendingAppeals)
				r.Get("/stats", h.GetStats)
				r.Get("/events", h.ListEvents)
			})

			r.Post("/system/sweep", h.TriggerSweep)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	return r
}
