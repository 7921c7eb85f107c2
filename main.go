package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"podmanager/internal/clock"
	"podmanager/internal/config"
	"podmanager/internal/db"
	"podmanager/internal/handlers"
	"podmanager/internal/logger"
	"podmanager/internal/metrics"
	"podmanager/internal/router"
	"podmanager/internal/scheduler"
	"podmanager/internal/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
)

func main() {
	resetNow := flag.Bool("reset-now", false, "run the monthly credit reset once and exit")
	flag.Parse()

	cfg := config.LoadConfig()

	log := logger.InitLogger(cfg.LogLevel, cfg.IsDevelopment())
	log.Info().Str("env", cfg.AppEnv).Msg("Starting PodManager credit service")

	if cfg.DBUrl == "" {
		log.Fatal().Msg("DB_URL is required")
	}

	database, err := db.InitDB(cfg.DBUrl, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Database connection failed")
	}
	defer database.Close()

	if err := db.RunMigrations(database, log); err != nil {
		log.Fatal().Err(err).Msg("Migrations failed")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid REDIS_URL")
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Redis is not responding")
		}
		cancel()
		log.Info().Msg("Connected to Redis")
	} else {
		log.Warn().Msg("REDIS_URL not set, monthly reset runs without a cluster lock")
	}

	planService := services.NewPlanService(database, log)
	creditService := services.NewCreditService(database, log, planService,
		services.WithMetrics(m),
		services.WithStoreCarryOver(cfg.CarryOverStoreCredits),
	)
	billingService := services.NewBillingService(database, log, creditService, cfg.CreditsPerDollar, m)
	stripeWebhook := services.NewStripeWebhook(cfg.StripeWebhookSecret, clock.RealClock{})
	authService := services.NewAuthService(cfg.JWTSecret, log)

	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, all payment webhooks will be rejected")
	}

	resetScheduler, err := scheduler.New(
		scheduler.Config{Schedule: cfg.ResetSchedule, Concurrency: cfg.ResetConcurrency},
		creditService, creditService, planService,
		scheduler.NewLocker(redisClient), m, log,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure scheduler")
	}

	if *resetNow {
		report, err := resetScheduler.RunNow(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("Monthly credit reset failed")
		}
		log.Info().Interface("report", report).Msg("Monthly credit reset completed")
		return
	}

	r := router.SetupRouter(router.Options{
		Credits:        handlers.NewCreditHandler(creditService, planService, resetScheduler, log),
		Billing:        handlers.NewBillingHandler(stripeWebhook, billingService, m, log),
		Auth:           authService,
		Gatherer:       registry,
		DB:             database,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Logger:         log,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}

	resetScheduler.Start()

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	if err := resetScheduler.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Scheduler did not stop in time")
	}

	log.Info().Msg("Server stopped")
}
