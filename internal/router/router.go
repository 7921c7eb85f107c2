package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"podmanager/internal/handlers"
	"podmanager/internal/middleware"
	"podmanager/internal/models"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Options struct {
	Credits        *handlers.CreditHandler
	Billing        *handlers.BillingHandler
	Auth           middleware.TokenValidator
	Gatherer       prometheus.Gatherer
	DB             Pinger
	RateLimitRPS   float64
	RateLimitBurst int
	Logger         zerolog.Logger
}

func SetupRouter(opts Options) *mux.Router {
	logger := opts.Logger
	r := mux.NewRouter()

	r.Use(middleware.ErrorHandling(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())

	r.HandleFunc("/webhooks/stripe", opts.Billing.StripeWebhook).Methods("POST")

	r.HandleFunc("/health", healthHandler(opts.DB)).Methods("GET")
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	rateLimiter := middleware.NewRateLimiter(rate.Limit(opts.RateLimitRPS), opts.RateLimitBurst)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(rateLimiter.Middleware())
	api.Use(middleware.Authentication(opts.Auth, logger))
	api.Use(middleware.RequestValidation())

	credits := api.PathPrefix("/credits").Subrouter()
	credits.HandleFunc("/balance", opts.Credits.GetBalance).Methods("GET")
	credits.HandleFunc("/history", opts.Credits.GetHistory).Methods("GET")
	credits.HandleFunc("/check/{feature}", opts.Credits.CheckCredits).Methods("GET")
	credits.HandleFunc("/consume", opts.Credits.Consume).Methods("POST")
	credits.HandleFunc("/prices", opts.Credits.GetPrices).Methods("GET")
	credits.HandleFunc("/purchases", opts.Billing.GetPurchases).Methods("GET")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireRole(string(models.RoleAdmin)))
	admin.HandleFunc("/credits/{userId}", opts.Credits.AddCredits).Methods("POST")
	admin.HandleFunc("/credits/{userId}/reset", opts.Credits.ResetUser).Methods("POST")
	admin.HandleFunc("/credits/{userId}", opts.Credits.DeleteAccount).Methods("DELETE")
	admin.HandleFunc("/jobs/monthly-reset", opts.Credits.RunMonthlyReset).Methods("POST")

	return r
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "database": err.Error()})
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}
