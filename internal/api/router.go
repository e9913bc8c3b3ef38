/**
 * @description
 * This file sets up the HTTP router for the booking-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * Webhook endpoints are deliberately outside the auth group: providers
 * authenticate with their signature header, not with a bearer token.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// BookingRoutes creates and returns a new router for the booking service.
func BookingRoutes(h *BookingHandlers, authSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider webhooks authenticate via signature, not bearer token.
	r.Post("/webhooks/calendly", h.CalendlyWebhookHandler)
	r.Post("/webhooks/stripe", h.StripeWebhookHandler)

	// Flow recovery authenticates with the recovery token itself; a session
	// lost mid-redirect has no bearer token to present. When one is sent it
	// is still validated and attaches the principal.
	r.Group(func(r chi.Router) {
		r.Use(OptionalAuthMiddleware(authSecret))
		r.Post("/flows/resume", h.ResumeFlowHandler)
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(authSecret))

		r.Post("/bookings", h.CreateBookingHandler)
		r.Get("/bookings", h.ListBookingsHandler)
		r.Get("/bookings/{bookingID}", h.GetBookingHandler)
		r.Post("/bookings/{bookingID}/scheduling", h.InitiateSchedulingHandler)
		r.Post("/bookings/{bookingID}/payment", h.InitiatePaymentHandler)
		r.Post("/bookings/{bookingID}/cancel", h.CancelBookingHandler)
	})

	return r
}
