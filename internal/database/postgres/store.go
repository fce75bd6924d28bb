package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coworking/internal/domain"
	"coworking/internal/metrics"
	"coworking/internal/worker"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Store is the PostgreSQL slot store. Every check-then-write runs under a
// transaction-scoped advisory lock keyed by space, so writers of one space
// are serialized and different spaces never wait on each other.
type Store struct {
	pool   *pgxpool.Pool
	logger *zerolog.Logger
	retry  worker.RetryPolicy
}

var _ domain.SlotStore = (*Store)(nil)

var defaultRetry = worker.RetryPolicy{
	MaxRetries:    4,
	InitialDelay:  20 * time.Millisecond,
	MaxDelay:      500 * time.Millisecond,
	BackoffFactor: 2,
}

// NewStore connects to dsn and applies migrations.
func NewStore(ctx context.Context, dsn string, logger *zerolog.Logger) (*Store, error) {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	logger.Info().Str("host", cfg.ConnConfig.Host).Str("database", cfg.ConnConfig.Database).Msg("PostgreSQL store initialized")
	return &Store{pool: pool, logger: logger, retry: defaultRetry}, nil
}

// NewStoreFromPool wraps an existing, migrated pool.
func NewStoreFromPool(pool *pgxpool.Pool, logger *zerolog.Logger) *Store {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &Store{pool: pool, logger: logger, retry: defaultRetry}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) SetRetryPolicy(p worker.RetryPolicy) { s.retry = p }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// isTransient: serialization failures, deadlocks and errors pgx knows
// happened before anything reached the server.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err)
}

func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	defer metrics.ObserveStore(op, time.Now())

	attempts, err := s.retry.Do(ctx, isTransient, fn)
	if err != nil && isTransient(err) {
		s.logger.Warn().Err(err).Str("op", op).Int("attempts", attempts).Msg("store operation gave up")
		return fmt.Errorf("%w: %s after %d attempts: %w", domain.ErrTransient, op, attempts, err)
	}
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func lockSpace(ctx context.Context, tx pgx.Tx, spaceID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, spaceID); err != nil {
		return fmt.Errorf("lock space %s: %w", spaceID, err)
	}
	return nil
}
