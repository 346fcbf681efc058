/**
 * @description
 * This is the main entry point for the escrow-service. It loads configuration, opens the
 * store, connects the optional Redis run lock and RabbitMQ broker, builds the escrow
 * engine and serves the HTTP API while the cron scheduler and the delivery consumer
 * run in the background.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Run lock for the scheduled jobs.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gatewayclient, pkg/payoutclient, pkg/rabbitmq: Collaborator clients.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/escrow-service/internal/api"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/config"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/gatewayclient"
	"github.com/transfa/escrow-service/pkg/payoutclient"
	"github.com/transfa/escrow-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".", logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("starting escrow-service", "port", cfg.ServerPort, "store_driver", cfg.StoreDriver)

	ctx := context.Background()

	var repository store.Repository
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; state is lost on restart")
		repository = store.NewMemoryRepository()
	default:
		dbpool, err := store.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("unable to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbpool.Close()
		logger.Info("database connection established")
		repository = store.NewPostgresRepository(dbpool)
	}

	var runLock app.RunLock = app.NoopRunLock{}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; scheduled jobs run without a cross-replica lock", "env", "REDIS_URL")
	} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
		logger.Warn("redis url parse failed; scheduled jobs run without a cross-replica lock", "error", parseErr)
	} else {
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			logger.Warn("redis ping failed; scheduled jobs run without a cross-replica lock", "error", pingErr)
			redisClient.Close()
		} else {
			defer redisClient.Close()
			runLock = app.NewRedisRunLock(redisClient, cfg.RedisLockPrefix)
			logger.Info("redis connected")
		}
	}

	var publisher rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		defer eventProducer.Close()
		publisher = eventProducer
		logger.Info("rabbitmq producer connected")
	}

	// Interface values stay nil when a collaborator is not configured so the engine
	// records the missed action instead of calling an unusable client.
	var gateway app.GatewayClient
	if strings.TrimSpace(cfg.GatewayAPIBaseURL) == "" {
		logger.Warn("payment gateway not configured; revocations will be logged for manual cancellation", "env", "GATEWAY_API_BASE_URL")
	} else {
		gateway = gatewayclient.NewClient(cfg.GatewayAPIBaseURL, cfg.GatewayAPIKey)
	}
	var payout app.PayoutClient
	if strings.TrimSpace(cfg.PayoutServiceURL) == "" {
		logger.Warn("payout service not configured; settled payouts will need a replay", "env", "PAYOUT_SERVICE_URL")
	} else {
		payout = payoutclient.NewClient(cfg.PayoutServiceURL, cfg.PayoutServiceAPIKey)
	}

	escrowService := app.NewService(repository, gateway, payout, publisher, logger, app.Options{
		DefaultCommissionRate: cfg.CommissionRate,
		AutoConfirmWindow:     cfg.AutoConfirmWindow(),
		SettlementBatchLimit:  cfg.SettlementBatchLimit,
		SettlementWorkers:     cfg.SettlementWorkers,
		GatewayMaxAttempts:    cfg.GatewayMaxAttempts,
		GatewayRetryBackoff:   cfg.GatewayRetryBackoff(),
		Currency:              cfg.Currency,
		EventExchange:         cfg.EventExchange,
	})

	jobs := app.NewJobs(escrowService, runLock, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	logger.Info("scheduler started", "jobs", scheduler.Start())

	var rabbitConsumer *rabbitmq.Consumer
	deliveryConsumer := app.NewDeliveryEventConsumer(escrowService, logger)
	if rabbitConsumer, err = rabbitmq.NewConsumer(cfg.RabbitMQURL, logger); err != nil {
		logger.Warn("rabbitmq consumer unavailable; delivery events only accepted over HTTP", "error", err)
	} else {
		defer rabbitConsumer.Close()
		err := rabbitConsumer.Consume(rabbitmq.Subscription{
			Exchange:        cfg.EventExchange,
			Queue:           cfg.DeliveryEventQueue,
			DeadLetterQueue: cfg.DeliveryDeadLetter,
			Bindings:        deliveryConsumer.Bindings(),
		})
		if err != nil {
			logger.Error("delivery consumer start failed", "error", err)
			os.Exit(1)
		}
	}

	handler := api.NewHandler(escrowService, cfg.GatewayWebhookSecret, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		InternalAPIKey:   cfg.InternalAPIKey,
		JWTSigningSecret: cfg.JWTSigningSecret,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	<-scheduler.Stop().Done()

	logger.Info("shutdown complete")
}
