// Package api exposes the billing service to the customer portal over HTTP.
//
// Identity comes from the X-User-ID header set by the upstream auth proxy;
// every route except onboarding also requires an onboarded customer.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig holds router-level settings
type RouterConfig struct {
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserIDHeader, "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireUser)

		r.Post("/customers", h.CreateCustomer)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireCustomer)

			r.Get("/profile", h.GetProfile)
			r.Post("/meters", h.RegisterMeter)
			r.Get("/dashboard", h.GetDashboard)

			r.Route("/readings", func(r chi.Router) {
				r.Get("/", h.ListReadings)
				r.Post("/", h.SubmitReading)
			})

			r.Route("/bills", func(r chi.Router) {
				r.Get("/", h.ListBills)
				r.Get("/{id}", h.GetBill)
				r.Post("/{id}/payment", h.SubmitPayment)
			})
		})
	})

	return r
}
