package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/amakihi/fanpush/internal/api"
	"github.com/amakihi/fanpush/internal/circuitbreaker"
	"github.com/amakihi/fanpush/internal/config"
	"github.com/amakihi/fanpush/internal/db"
	"github.com/amakihi/fanpush/internal/dedup"
	"github.com/amakihi/fanpush/internal/engine"
	"github.com/amakihi/fanpush/internal/metrics"
	"github.com/amakihi/fanpush/internal/observ"
	"github.com/amakihi/fanpush/internal/push"
	"github.com/amakihi/fanpush/internal/redis"
	"github.com/amakihi/fanpush/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting fanpush server",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	if cfg.NotifyToken == "" {
		logger.Warn("NOTIFY_TOKEN not configured, intake endpoint will reject all events")
	}

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	subscriptions := db.NewSubscriptionRepository(database, logger)
	history := db.NewHistoryRepository(database, logger)
	scheduled := db.NewScheduledRepository(database, logger)
	watermarks := db.NewWatermarkRepository(database, logger)

	gate := dedup.NewGate(watermarks, logger)

	// Redis is optional: without it, duplicate-event suppression and
	// intake rate limiting are disabled but delivery still works.
	var eventMarker *redis.EventMarker
	var rateLimiter *redis.RateLimiter
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, event dedup markers and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		eventMarker = redis.NewEventMarker(redisClient)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.IntakeRateLimit,
			Window: cfg.IntakeRateWindow,
		})
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("webpush"), logger)
	pushClient, err := push.NewClient(push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
		TTL:             cfg.PushTTL,
		SendTimeout:     cfg.PushTimeout,
	}, breaker, logger)
	if err != nil {
		return fmt.Errorf("failed to create push client: %w", err)
	}

	deliveryEngine := engine.New(subscriptions, history, pushClient, engine.Config{
		MaxConcurrency: cfg.FanoutConcurrency,
	}, logger)
	if eventMarker != nil {
		deliveryEngine = deliveryEngine.WithEventMarker(eventMarker)
	}

	sched := scheduler.New(scheduled, deliveryEngine, scheduler.Config{
		PollInterval: cfg.SchedulerPollInterval,
		BatchSize:    cfg.SchedulerBatchSize,
	}, logger)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	go sched.Start(schedCtx)

	handler := api.NewHandler(
		logger,
		subscriptions,
		history,
		scheduled,
		deliveryEngine,
		gate,
		cfg.NotifyToken,
		cfg.VAPIDPublicKey,
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

			next.ServeHTTP(ww, req)

			logger.Info("request completed",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(req.Context())),
			)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.With(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc)).
			Post("/notify", handler.Notify)

		r.Post("/save-platform-settings", handler.SavePlatformSettings)
		r.Patch("/save-platform-settings", handler.UpdatePlatformSettings)
		r.Delete("/save-platform-settings", handler.UnsubscribePlatformSettings)
		r.Get("/get-platform-settings", handler.GetPlatformSettings)

		r.Post("/save-name", handler.SaveName)
		r.Get("/get-name", handler.GetName)

		r.Get("/history", handler.History)
		r.Post("/send-test", handler.SendTest)
		r.Post("/schedule", handler.Schedule)
		r.Get("/vapid-public-key", handler.VAPIDPublicKey)
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := database.Health(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		schedCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
