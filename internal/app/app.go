package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/autodebet/collection-engine/internal/api"
	"github.com/autodebet/collection-engine/internal/benefit"
	"github.com/autodebet/collection-engine/internal/collection"
	"github.com/autodebet/collection-engine/internal/config"
	"github.com/autodebet/collection-engine/internal/db"
	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/autodebet/collection-engine/internal/lock"
	"github.com/autodebet/collection-engine/internal/notification"
	"github.com/autodebet/collection-engine/internal/observability"
	"github.com/autodebet/collection-engine/internal/repository"
	"github.com/autodebet/collection-engine/internal/vendor"
	"github.com/autodebet/collection-engine/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Run bootstraps the collection engine, blocking until shutdown: HTTP surface
// for callbacks and registration ops, the registration poll worker and the
// cron-driven collection runs.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	notifier := newNotifier(cfg.AMQPURL)
	defer notifier.Close()

	store := repository.NewStore(pool)
	locker := lock.NewRedisLocker(redisClient)
	clients := newVendorClients()

	benefits := benefit.NewService(store)
	calculator := collection.NewDueAmountCalculator(cfg.Policy, benefits)
	strategies, err := collection.NewStrategySet(store, clients, cfg.Policy)
	if err != nil {
		return fmt.Errorf("build strategies: %w", err)
	}

	orchestrator := collection.NewOrchestrator(store, strategies, clients, calculator, benefits, locker, notifier, nil, cfg.Policy)
	reconciler := collection.NewReconciler(store, clients, locker, notifier, cfg.Policy)
	callbacks := collection.NewCallbackService(store, benefits, locker, notifier, clients, cfg.Policy)

	registrationWorker := worker.NewRegistrationWorker(store, reconciler).
		WithInterval(cfg.RegistrationPollEvery).
		WithBatchSize(cfg.RegistrationBatchSize)
	stopRegistration := registrationWorker.Run(ctx)
	logger.Info("registration worker started",
		zap.Duration("interval", cfg.RegistrationPollEvery),
		zap.Int32("batch", cfg.RegistrationBatchSize),
	)

	collectionWorker := worker.NewCollectionWorker(orchestrator).WithBatchSize(cfg.CollectionBatchSize)
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.CollectionCronSpec, func() {
		collectionWorker.ProcessOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule collection runs: %w", err)
	}
	scheduler.Start()
	logger.Info("collection scheduler started", zap.String("spec", cfg.CollectionCronSpec))

	router := api.NewRouter(cfg, pool, redisClient, callbacks, reconciler)
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping scheduler and workers")
	cronCtx := scheduler.Stop()
	stopRegistration()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	// Let an in-flight collection run finish before tearing down the pool.
	select {
	case <-cronCtx.Done():
	case <-shutdownCtx.Done():
		logger.Warn("collection run still in flight at shutdown deadline")
	}

	logger.Info("shutdown complete")
	return nil
}

// newVendorClients wires one client per supported rail. The mock rails stand
// in until the real adapters are configured per environment.
func newVendorClients() map[domain.Vendor]vendor.Client {
	clients := make(map[domain.Vendor]vendor.Client, len(domain.Vendors))
	for _, v := range domain.Vendors {
		clients[v] = vendor.NewMockClient()
	}
	return clients
}

func newNotifier(amqpURL string) notification.Notifier {
	if amqpURL == "" {
		zap.L().Warn("AMQP_URL not set, customer notifications are log-only")
		return notification.NoopNotifier{}
	}
	notifier, err := notification.NewAMQPNotifier(amqpURL)
	if err != nil {
		zap.L().Error("amqp connect failed, falling back to log-only notifications", zap.Error(err))
		return notification.NoopNotifier{}
	}
	return notifier
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
