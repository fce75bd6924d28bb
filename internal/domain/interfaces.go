package domain

import (
	"context"
	"time"

	"coworking/internal/events"
	"coworking/internal/models"
)

// SlotStore is the durable source of truth for reservations.
// Every method that checks overlap and writes does so atomically.
type SlotStore interface {
	// InsertHoldIfFree fails with ErrSlotUnavailable when a blocking reservation
	// overlaps, with *HoldConflictError when an unexpired hold overlaps, and
	// otherwise inserts r as Held.
	InsertHoldIfFree(ctx context.Context, r *models.Reservation, now time.Time) error
	// InsertBlockIfFree runs only the permanent-overlap check before insert.
	InsertBlockIfFree(ctx context.Context, r *models.Reservation) error
	// ConfirmHeld moves a Held reservation to Confirmed and cancels every other
	// overlapping Held reservation of the same space. Losers are returned.
	ConfirmHeld(ctx context.Context, id string, version int64, now time.Time) (*models.Reservation, []*models.Reservation, error)
	// TransitionFromHeld moves a Held reservation to Expired or Cancelled.
	TransitionFromHeld(ctx context.Context, id string, version int64, to models.State, reason string, now time.Time) (*models.Reservation, error)
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	ListBySpace(ctx context.Context, spaceID string, from, to time.Time) ([]*models.Reservation, error)
	ListStaleHolds(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error)
	ListActiveHolds(ctx context.Context) ([]*models.Reservation, error)
	Close() error
}

type EventPublisher interface {
	Publish(event events.Event)
}

// HoldTimers arms best-effort expirations for held reservations.
type HoldTimers interface {
	Schedule(id string, deadline time.Time, fn func())
	Cancel(id string)
}

type SpaceCatalog interface {
	GetSpace(id string) (*models.Space, bool)
}

type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Clock interface {
	Now() time.Time
}
