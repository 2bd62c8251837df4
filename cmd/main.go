/**
 * @description
 * This is the main entry point for the membership-service.
 * It reconciles payment confirmations into memberships, serves the HTTP API,
 * runs the expiration sweeper on a cron schedule, and relays queued
 * side effects to RabbitMQ.
 */
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/membership-service/internal/api"
	"github.com/transfa/membership-service/internal/app"
	"github.com/transfa/membership-service/internal/config"
	"github.com/transfa/membership-service/internal/domain"
	"github.com/transfa/membership-service/internal/store"
	"github.com/transfa/membership-service/pkg/catalogclient"
	"github.com/transfa/membership-service/pkg/notifyclient"
	"github.com/transfa/membership-service/pkg/rabbitmq"
)

func maskURLForLog(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.UserPassword("****", "****")
	}
	return u.String()
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo store.Repository
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; state is lost on restart")
		repo = store.NewMemoryRepository()
	default:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			logger.Error("unable to parse database URL", "error", err)
			os.Exit(1)
		}
		poolConfig.MaxConns = 20
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			logger.Error("unable to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbpool.Close()
		logger.Info("database connection established")
		repo = store.NewPostgresRepository(dbpool)
	}

	var redisClient redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("invalid REDIS_URL; continuing without redis", "error", err)
		} else {
			client := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := client.Ping(pingCtx).Err(); err != nil {
				logger.Warn("redis unreachable at startup; continuing without redis", "url", maskURLForLog(cfg.RedisURL), "error", err)
				_ = client.Close()
			} else {
				redisClient = client
				defer client.Close()
				logger.Info("redis connected", "url", maskURLForLog(cfg.RedisURL))
			}
			cancel()
		}
	}

	var catalog app.PlanCatalog = app.DefaultCatalog()
	if cfg.CatalogServiceURL != "" {
		catalog = catalogclient.NewClient(cfg.CatalogServiceURL, redisClient, cfg.RedisKeyPrefix)
	}

	retry := app.DefaultRetryPolicy()
	intents := app.NewIntentLedger(repo, catalog, retry, logger)
	memberships := app.NewMembershipLedger(repo, app.DefaultTierTable(), app.MembershipOptions{
		LifetimeThresholdDays: cfg.LifetimeThresholdDays,
		ExpiringSoonDays:      cfg.ExpiringSoonDays,
	}, retry, logger)

	logger.Info("connecting to rabbitmq", "url", maskURLForLog(cfg.RabbitMQURL))
	var publisher rabbitmq.Publisher
	if p, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		logger.Warn("failed to connect to rabbitmq at startup; side effects will be queued", "error", err)
		publisher = &rabbitmq.EventProducerFallback{}
	} else {
		publisher = p
		logger.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	emitter := app.NewQueueEmitter(publisher, cfg.MembershipEventsExchange)
	engine := app.NewEngine(repo, intents, memberships, catalog, emitter, retry, logger, app.EngineOptions{
		AmountToleranceMinor: cfg.AmountToleranceMinor,
		OutboxExchange:       emitter.Exchange(),
	})
	sweeper := app.NewSweeper(repo, cfg.SweepMaxBatchSize, retry, logger)

	if cfg.NotifierURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("notification consumer disabled", "error", err)
		} else {
			defer consumer.Close()
			handler := app.NewNotificationConsumer(notifyclient.NewClient(cfg.NotifierURL, cfg.NotifierAPIKey), logger)
			if err := consumer.ConsumeWithBindings(cfg.MembershipEventsExchange, cfg.NotificationQueue, map[string]func([]byte) bool{
				domain.MembershipActivatedRoutingKey: handler.HandleMembershipActivated,
			}); err != nil {
				logger.Warn("failed to start notification consumer", "error", err)
			} else {
				logger.Info("notification consumer started", "queue", cfg.NotificationQueue)
			}
		}
	}

	jobs := app.NewJobs(sweeper, intents, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler started")

	dispatcher := app.NewOutboxDispatcher(repo, cfg.RabbitMQURL, time.Duration(cfg.OutboxPollIntervalMs)*time.Millisecond, logger)
	go dispatcher.Run(ctx)

	deliveries := app.NewRedisDeliveryGuard(redisClient, cfg.RedisKeyPrefix, time.Duration(cfg.WebhookDedupeTTLMinutes)*time.Minute)
	limiter := app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)

	handler := api.NewHandler(engine, intents, memberships, sweeper, deliveries, limiter, logger, api.Options{
		WebhookSecrets:             cfg.WebhookSecrets,
		CallbackRateLimitPerMinute: cfg.CallbackRateLimitPerMinute,
	})
	router := api.NewRouter(handler, api.AuthConfig{
		JWKSURL:        cfg.ClerkJWKSURL,
		InternalAPIKey: cfg.InternalAPIKey,
		AdminUserIDs:   cfg.AdminUserIDs,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("could not start server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	<-scheduler.Stop().Done()
	logger.Info("membership service stopped gracefully")
}
