package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck handles GET /health
func HealthCheck(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Handlers groups the route handlers.
type Handlers struct {
	Events   *EventHandler
	Orders   *OrderHandler
	Payments *PaymentHandler
	DB       Pinger
}

// NewRouter builds the API router with the global middleware stack.
func NewRouter(h Handlers, logger *zap.Logger, m *metrics.Metrics) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(Logger(logger))
	r.Use(Metrics(m))
	r.Use(CORS)

	r.Get("/health", HealthCheck(h.DB))

	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.Events.CreateEvent)
		r.Get("/", h.Events.ListEvents)
		r.Get("/{id}", h.Events.GetEvent)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.Orders.CreateOrder)
		r.Get("/{id}", h.Orders.GetOrder)
		r.Post("/{id}/cancel", h.Orders.CancelOrder)
	})

	r.Route("/mpesa", func(r chi.Router) {
		r.Post("/initiate", h.Payments.Initiate)
		r.Post("/callback", h.Payments.Callback)
		r.Get("/query/{checkoutRequestId}", h.Payments.Query)
		r.Get("/status/{checkoutRequestId}", h.Payments.Status)
	})

	return r
}
