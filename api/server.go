/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the front desk app
  5. Actor:      X-Actor header → audit attribution

ROUTE GROUPS:
  /api/students/*   Bookings, purchases, balances, ledger
  /api/bookings/*   Single-booking cancel and delete
  /api/payments/*   Debt settlement
  /api/grants/*     Reconciliation
  /api/audit/*      Background ledger audit
  /api/scenarios/*  Demo scenarios
  /metrics          Prometheus

SECURITY NOTE:
  No authentication middleware. UNAUTHORIZED is reserved for an auth layer
  in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/courtside/academy-ledger/booking"
)

// ActorHeader names the caller for audit records.
const ActorHeader = "X-Actor"

// RouterOptions tune NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))
	r.Use(actor)

	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/students/{id}", func(r chi.Router) {
			r.Get("/bookings", h.ListBookings)
			r.Post("/bookings", h.CreateBookings)
			r.Put("/bookings", h.ReplaceBookings)
			r.Delete("/bookings/future", h.BulkDeleteFutureBookings)
			r.Post("/purchases", h.Purchase)
			r.Get("/balance", h.GetBalance)
			r.Get("/ledger", h.GetLedger)
		})

		r.Route("/bookings/{id}", func(r chi.Router) {
			r.Post("/cancel", h.CancelBooking)
			r.Delete("/", h.DeleteBooking)
		})

		r.Post("/payments/{id}/settle", h.SettlePayment)
		r.Get("/grants/{id}/reconcile", h.ReconcileGrant)

		r.Route("/audit/ledger", func(r chi.Router) {
			r.Get("/", h.GetLedgerAudit)
			r.Post("/run", h.RunLedgerAudit)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// actor copies the X-Actor header into the request context.
func actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a := r.Header.Get(ActorHeader); a != "" {
			r = r.WithContext(booking.WithActor(r.Context(), a))
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
