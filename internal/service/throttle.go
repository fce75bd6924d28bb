package service

import (
	"context"
	"errors"
	"time"

	"coworking/internal/domain"
	"coworking/internal/models"

	"github.com/rs/zerolog"
)

var ErrRateLimited = errors.New("too many hold requests")

// HoldThrottle limits how many holds a single requester may request per window.
type HoldThrottle struct {
	limiter domain.RateLimiter
	limit   int
	window  time.Duration
	logger  *zerolog.Logger
}

func NewHoldThrottle(limiter domain.RateLimiter, limit int, window time.Duration, logger *zerolog.Logger) *HoldThrottle {
	if limit <= 0 {
		limit = models.DefaultHoldRateLimit
	}
	if window <= 0 {
		window = models.DefaultHoldRateWindow
	}
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &HoldThrottle{
		limiter: limiter,
		limit:   limit,
		window:  window,
		logger:  logger,
	}
}

// Allow returns ErrRateLimited once the requester ran out of attempts. A
// broken limiter lets the request through.
func (t *HoldThrottle) Allow(ctx context.Context, requesterID string) error {
	allowed, err := t.limiter.CheckRateLimit(ctx, "hold:"+requesterID, t.limit, t.window)
	if err != nil {
		t.logger.Error().Err(err).Str("requester_id", requesterID).Msg("failed to check hold rate limit")
		return nil
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}
