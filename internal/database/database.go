package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coworking/internal/domain"
	"coworking/internal/metrics"
	"coworking/internal/worker"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB is the SQLite slot store. Write transactions start with BEGIN IMMEDIATE,
// so overlap checks and the writes that depend on them never interleave.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
	retry  worker.RetryPolicy
}

var _ domain.SlotStore = (*DB)(nil)

var defaultRetry = worker.RetryPolicy{
	MaxRetries:    4,
	InitialDelay:  20 * time.Millisecond,
	MaxDelay:      500 * time.Millisecond,
	BackoffFactor: 2,
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}

	memory := path == ":memory:" || strings.HasPrefix(path, "file::memory:")
	if !memory {
		// Создаем директорию для БД, если её нет
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// each connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("База данных инициализирована")
	return &DB{DB: db, path: path, logger: logger, retry: defaultRetry}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// SetRetryPolicy overrides the transient-failure retry policy.
func (db *DB) SetRetryPolicy(p worker.RetryPolicy) { db.retry = p }

func createTables(db *sql.DB) error {
	queries := []string{
		// Таблица резерваций; время хранится в UnixNano (UTC)
		`CREATE TABLE IF NOT EXISTS reservations (
            id TEXT PRIMARY KEY,
            space_id TEXT NOT NULL,
            requester_id TEXT NOT NULL,
            start_at INTEGER NOT NULL,
            end_at INTEGER NOT NULL,
            state TEXT NOT NULL,
            hold_deadline INTEGER,
            reason TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            transitioned_at INTEGER NOT NULL,
            version INTEGER NOT NULL DEFAULT 1,
            CHECK (start_at < end_at),
            CHECK ((state = 'held') = (hold_deadline IS NOT NULL))
        )`,

		// overlap
		`CREATE INDEX IF NOT EXISTS idx_reservations_space_interval ON reservations(space_id, start_at, end_at)`,
		// sweeper
		`CREATE INDEX IF NOT EXISTS idx_reservations_state_deadline ON reservations(state, hold_deadline)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", trimSQL(query), err)
		}
	}
	return nil
}

func trimSQL(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 60 {
		return q[:60] + "..."
	}
	return q
}

func isTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// withRetry runs fn, retrying SQLITE_BUSY/LOCKED with backoff. When retries
// run out the error is marked domain.ErrTransient.
func (db *DB) withRetry(ctx context.Context, op string, fn func() error) error {
	defer metrics.ObserveStore(op, time.Now())

	attempts, err := db.retry.Do(ctx, isTransient, fn)
	if err != nil && isTransient(err) {
		db.logger.Warn().Err(err).Str("op", op).Int("attempts", attempts).Msg("store operation gave up")
		return fmt.Errorf("%w: %s after %d attempts: %w", domain.ErrTransient, op, attempts, err)
	}
	return err
}

// inTx runs fn inside a write transaction and commits when fn returns nil.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
