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
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/api"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/contacts"
	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/dispatch"
	"github.com/threadline/threadline/internal/ingest"
	"github.com/threadline/threadline/internal/metrics"
	"github.com/threadline/threadline/internal/observ"
	"github.com/threadline/threadline/internal/provider"
	"github.com/threadline/threadline/internal/realtime"
	"github.com/threadline/threadline/internal/redis"
	"github.com/threadline/threadline/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting threadline",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Duration("poll_interval", cfg.SchedulerPollInterval),
		zap.Int("batch_size", cfg.SchedulerBatchSize),
	)

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

	store := db.NewStore(database, logger)

	// Redis backs inbound webhook dedupe and the send rate limiter. Both
	// degrade gracefully when it is unavailable.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, dedupe and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var deduper ingest.Deduper
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		if cfg.InboundDedupeTTL > 0 {
			deduper = redis.NewInboundDeduper(redisClient, cfg.InboundDedupeTTL, logger)
		}
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.SendRateLimit,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	credentials := provider.NewCredentialCache(store, db.Credentials{
		AccountSID:   cfg.ProviderAccountSID,
		AuthToken:    cfg.ProviderAuthToken,
		SMSFrom:      cfg.ProviderSMSFrom,
		WhatsAppFrom: cfg.ProviderWhatsAppFrom,
	}, cfg.CredentialCacheTTL, logger)

	gateway := provider.NewGateway(cfg.ProviderBaseURL, credentials, logger)

	if cfg.AllowLegacySignature {
		logger.Warn("legacy webhook signature fallback is enabled; this is a dev-only degraded path")
	}
	verifier := provider.NewVerifier(logger, cfg.AllowLegacySignature)

	hub := realtime.NewHub(logger)
	resolver := contacts.NewResolver(store, logger)
	dispatcher := dispatch.New(store, gateway, hub, logger)
	ingestor := ingest.New(store, resolver, verifier, credentials, deduper, cfg.DefaultTeamName, logger)

	sched := scheduler.New(store, dispatcher, scheduler.Config{
		PollInterval: cfg.SchedulerPollInterval,
		BatchSize:    cfg.SchedulerBatchSize,
	}, logger)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	go sched.Start(schedCtx)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, store, dispatcher, ingestor, credentials, cfg.DefaultTeamName)

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/provider", handler.HandleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.TeamKeyFunc))
			r.Post("/messages/send", handler.SendMessage)
		})

		r.Get("/messages/thread/{id}", handler.GetThread)
		r.Get("/inbox/threads", handler.ListThreads)
		r.Get("/settings/provider", handler.GetProviderSettings)
		r.Put("/settings/provider", handler.UpdateProviderSettings)
	})

	r.Get("/ws", hub.ServeHTTP)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("db unreachable"))
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
