package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coworking/internal/api"
	"coworking/internal/config"
	"coworking/internal/database"
	"coworking/internal/database/postgres"
	"coworking/internal/domain"
	"coworking/internal/events"
	"coworking/internal/kafka"
	"coworking/internal/logging"
	"coworking/internal/metrics"
	"coworking/internal/repository"
	"coworking/internal/service"
	"coworking/internal/timer"
	"coworking/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	spaces, err := cfg.LoadSpaces()
	if err != nil {
		logger.Error().Err(err).Str("spaces_file", cfg.SpacesFile).Msg("load spaces")
		return err
	}
	catalog, err := service.NewStaticCatalog(spaces)
	if err != nil {
		return err
	}
	logger.Info().Int("spaces", len(spaces)).Msg("space catalog loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, sqliteDB, err := initStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	bus := events.NewBroadcaster(events.Config{
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		SinkQueueSize:    cfg.Events.SinkQueueSize,
	}, logger)
	defer bus.Close()

	if cfg.Events.RedisRelay && redisClient != nil {
		relay := events.NewRedisRelay(redisClient, cfg.Events.RedisChannelPrefix, bus, logger)
		bus.AddSink(relay)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("redis event relay stopped")
			}
		}()
	}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer producer.Close()
		bus.AddSink(producer)
	}
	go bus.Start(ctx)

	clock := timer.NewSystemClock()
	timers := timer.NewService(clock, logger)
	defer timers.Stop()

	engine := service.NewReservationEngine(store, timers, clock, bus, catalog, service.EngineConfig{
		HoldDuration:   cfg.Reservations.HoldDuration,
		MaxAdvanceDays: cfg.Reservations.MaxAdvanceDays,
	}, logger)

	if _, err := engine.RearmTimers(ctx); err != nil {
		logger.Error().Err(err).Msg("re-arm hold timers, relying on sweeper")
	}

	sweeper := worker.NewSweeper(store, engine, clock, worker.SweeperConfig{
		Interval:  cfg.Reservations.SweepInterval,
		BatchSize: cfg.Reservations.SweepBatchSize,
	}, logger)
	go sweeper.Start(ctx)

	if sqliteDB != nil && cfg.Backup.Enabled {
		backup := database.NewBackupService(sqliteDB, cfg.Backup, logger)
		go backup.Start(ctx)
	}

	startMetrics(ctx, cfg, logger)

	throttle := service.NewHoldThrottle(initRateLimiter(redisClient, logger),
		cfg.API.HoldRateLimit.Requests, cfg.API.HoldRateLimit.Window, logger)

	httpServer := api.NewHTTPServer(cfg.API, api.Deps{
		Engine:   engine,
		Payments: service.NewPaymentHandler(engine, logger),
		Throttle: throttle,
		Events:   bus,
		Sweeper:  sweeper,
		Spaces:   catalog,
		Clock:    clock,
	}, logger)

	return startServer(ctx, httpServer, bus, cfg, logger)
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logging.Component(baseLogger, "api-main"), closer, nil
}

// initStore opens the configured slot store. The SQLite handle is returned
// separately because only it supports file backups.
func initStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (domain.SlotStore, *database.DB, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		store, err := postgres.NewStore(ctx, cfg.Database.Postgres.DSN(), logger)
		if err != nil {
			logger.Error().Err(err).Str("host", cfg.Database.Postgres.Host).Msg("init postgres store")
			return nil, nil, err
		}
		return store, nil, nil
	default:
		db, err := database.NewDB(cfg.Database.Path, logger)
		if err != nil {
			logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
			return nil, nil, err
		}
		return db, db, nil
	}
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// клиент оставляем: failover сам вернётся на redis, когда тот поднимется
		logger.Warn().Err(err).Msg("redis connection failed, using in-memory limiter until it recovers")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}
	return client
}

func initRateLimiter(client *redis.Client, logger *zerolog.Logger) domain.RateLimiter {
	memory := repository.NewMemoryRateLimiter()
	if client == nil {
		return memory
	}
	return repository.NewFailoverRateLimiter(repository.NewRedisRateLimiter(client), memory, logger)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServer(
	ctx context.Context,
	httpServer *api.HTTPServer,
	bus *events.Broadcaster,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			return err
		}
	}

	// SSE-потоки закрываются вместе с брокером, иначе Shutdown будет ждать их
	bus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
