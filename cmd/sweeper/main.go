// Command sweeper runs a single expiration sweep and exits. Intended for cron
// when the API process runs without its background sweeper.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"coworking/internal/config"
	"coworking/internal/database"
	"coworking/internal/database/postgres"
	"coworking/internal/domain"
	"coworking/internal/events"
	"coworking/internal/logging"
	"coworking/internal/repository"
	"coworking/internal/service"
	"coworking/internal/timer"
	"coworking/internal/worker"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := logging.Component(baseLogger, "sweeper-main")

	spaces, err := cfg.LoadSpaces()
	if err != nil {
		return fmt.Errorf("load spaces: %w", err)
	}
	catalog, err := service.NewStaticCatalog(spaces)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store domain.SlotStore
	if cfg.Database.Driver == config.DriverPostgres {
		store, err = postgres.NewStore(ctx, cfg.Database.Postgres.DSN(), logger)
	} else {
		store, err = database.NewDB(cfg.Database.Path, logger)
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	clock := timer.NewSystemClock()
	timers := timer.NewService(clock, logger)
	defer timers.Stop()

	engine := service.NewReservationEngine(store, timers, clock, initPublisher(cfg, logger), catalog, service.EngineConfig{
		HoldDuration:   cfg.Reservations.HoldDuration,
		MaxAdvanceDays: cfg.Reservations.MaxAdvanceDays,
	}, logger)

	sweeper := worker.NewSweeper(store, engine, clock, worker.SweeperConfig{
		Interval:  cfg.Reservations.SweepInterval,
		BatchSize: cfg.Reservations.SweepBatchSize,
	}, logger)

	n, err := sweeper.RunSweepOnce(ctx)
	logger.Info().Int("expired", n).Msg("sweep finished")
	return err
}

// initPublisher forwards events to the API instances through the Redis relay.
// Without the relay nobody can observe this process, so events are dropped.
func initPublisher(cfg *config.Config, logger *zerolog.Logger) domain.EventPublisher {
	if !cfg.Events.RedisRelay || cfg.Redis.Address == "" {
		logger.Warn().Msg("redis relay disabled, expirations from this run are not broadcast")
		return nil
	}
	// клиент живёт до конца процесса
	client := repository.NewRedisClient(cfg.Redis)
	relay := events.NewRedisRelay(client, cfg.Events.RedisChannelPrefix, nil, logger)
	return events.NewSinkPublisher(relay, logger)
}
