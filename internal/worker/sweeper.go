package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coworking/internal/domain"
	"coworking/internal/metrics"
	"coworking/internal/models"

	"github.com/rs/zerolog"
)

type StaleHoldFinder interface {
	ListStaleHolds(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error)
}

type HoldExpirer interface {
	ExpireHold(ctx context.Context, id string) (*models.Reservation, error)
}

// Sweeper periodically expires holds whose deadline passed without their
// in-memory timer firing (restart, crash). It is the authoritative path for
// hold expiration.
type Sweeper struct {
	finder    StaleHoldFinder
	expirer   HoldExpirer
	clock     domain.Clock
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger

	mu sync.Mutex
}

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

func NewSweeper(finder StaleHoldFinder, expirer HoldExpirer, clock domain.Clock, cfg SweeperConfig, logger *zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = models.DefaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = models.DefaultSweepBatchSize
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "sweeper").Logger()
	}
	return &Sweeper{
		finder:    finder,
		expirer:   expirer,
		clock:     clock,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		logger:    l,
	}
}

// Start runs a sweep immediately and then on every tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Sweeper stopped")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Sweeper) runLogged(ctx context.Context) {
	n, err := s.RunSweepOnce(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("expired", n).Msg("Sweep finished with errors")
		return
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("Sweep expired stale holds")
	}
}

// RunSweepOnce expires every Held reservation whose deadline has passed and
// returns how many ended up Expired. Sweeps never overlap.
func (s *Sweeper) RunSweepOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	expired := 0
	var errs []error

	for {
		batch, err := s.finder.ListStaleHolds(ctx, now, s.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("list stale holds: %w", err))
			break
		}
		if len(batch) == 0 {
			break
		}

		progressed := 0
		for _, r := range batch {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				return s.finish(expired, errs)
			}
			res, err := s.expirer.ExpireHold(ctx, r.ID)
			if err != nil {
				s.logger.Warn().Err(err).Str("reservation_id", r.ID).Msg("failed to expire stale hold")
				errs = append(errs, fmt.Errorf("expire %s: %w", r.ID, err))
				continue
			}
			if res.State != models.StateHeld {
				progressed++
			}
			if res.State == models.StateExpired {
				expired++
			}
		}

		if len(batch) < s.batchSize || progressed == 0 {
			break
		}
	}

	return s.finish(expired, errs)
}

func (s *Sweeper) finish(expired int, errs []error) (int, error) {
	metrics.AddSweeperExpired(expired)
	return expired, errors.Join(errs...)
}
