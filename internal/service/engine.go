package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coworking/internal/domain"
	"coworking/internal/events"
	"coworking/internal/metrics"
	"coworking/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// timerExpireTimeout bounds the store work done from a timer callback.
const timerExpireTimeout = 10 * time.Second

// confirmAttempts is how many times ConfirmHold re-reads after losing the
// optimistic guard. States only move forward, so two reads always settle it.
const confirmAttempts = 3

type HoldRequest struct {
	SpaceID     string
	RequesterID string
	Start       time.Time
	End         time.Time
}

type BlockRequest struct {
	SpaceID string
	ActorID string
	Start   time.Time
	End     time.Time
}

type EngineConfig struct {
	HoldDuration   time.Duration
	MaxAdvanceDays int
}

// ReservationEngine runs the reservation state machine. It keeps no locks of
// its own: the store decides every conflict, timers only shorten the time an
// abandoned hold keeps a slot.
type ReservationEngine struct {
	store          domain.SlotStore
	timers         domain.HoldTimers
	clock          domain.Clock
	publisher      domain.EventPublisher
	spaces         domain.SpaceCatalog
	holdDuration   time.Duration
	maxAdvanceDays int
	logger         *zerolog.Logger
}

func NewReservationEngine(
	store domain.SlotStore,
	timers domain.HoldTimers,
	clock domain.Clock,
	publisher domain.EventPublisher,
	spaces domain.SpaceCatalog,
	cfg EngineConfig,
	logger *zerolog.Logger,
) *ReservationEngine {
	if cfg.HoldDuration <= 0 {
		cfg.HoldDuration = models.DefaultHoldDuration
	}
	if cfg.MaxAdvanceDays <= 0 {
		cfg.MaxAdvanceDays = models.DefaultMaxAdvanceDays
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "engine").Logger()
	}
	return &ReservationEngine{
		store:          store,
		timers:         timers,
		clock:          clock,
		publisher:      publisher,
		spaces:         spaces,
		holdDuration:   cfg.HoldDuration,
		maxAdvanceDays: cfg.MaxAdvanceDays,
		logger:         &l,
	}
}

func (e *ReservationEngine) HoldDuration() time.Duration { return e.holdDuration }

func (e *ReservationEngine) validateInterval(iv models.Interval, now time.Time) error {
	if !iv.Valid() {
		return fmt.Errorf("%w: start must be before end", domain.ErrInvalidInterval)
	}
	// Проверяем, что начало не в прошлом
	if iv.Start.Before(now) {
		return fmt.Errorf("%w: start is in the past", domain.ErrInvalidInterval)
	}
	// Проверяем максимальную дату
	if iv.Start.After(now.AddDate(0, 0, e.maxAdvanceDays)) {
		return fmt.Errorf("%w: start is more than %d days ahead", domain.ErrInvalidInterval, e.maxAdvanceDays)
	}
	return nil
}

func (e *ReservationEngine) space(id string) (*models.Space, error) {
	sp, ok := e.spaces.GetSpace(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSpaceNotFound, id)
	}
	return sp, nil
}

// RequestHold places a temporary hold on the interval for the requester.
func (e *ReservationEngine) RequestHold(ctx context.Context, req HoldRequest) (*models.Reservation, error) {
	now := e.clock.Now()
	iv := models.Interval{Start: req.Start.UTC(), End: req.End.UTC()}

	if req.RequesterID == "" {
		metrics.IncHoldRequest("invalid")
		return nil, fmt.Errorf("%w: requester is required", domain.ErrInvalidInterval)
	}
	if err := e.validateInterval(iv, now); err != nil {
		metrics.IncHoldRequest("invalid")
		return nil, err
	}
	sp, err := e.space(req.SpaceID)
	if err != nil {
		metrics.IncHoldRequest("invalid")
		return nil, err
	}
	if !sp.Contains(iv) {
		metrics.IncHoldRequest("invalid")
		return nil, domain.ErrOutsideOpeningHours
	}

	deadline := now.Add(e.holdDuration).UTC()
	r := &models.Reservation{
		ID:             uuid.NewString(),
		SpaceID:        req.SpaceID,
		RequesterID:    req.RequesterID,
		Interval:       iv,
		State:          models.StateHeld,
		HoldDeadline:   &deadline,
		CreatedAt:      now.UTC(),
		TransitionedAt: now.UTC(),
	}

	if err := e.store.InsertHoldIfFree(ctx, r, now); err != nil {
		switch {
		case errors.Is(err, domain.ErrSlotUnavailable):
			metrics.IncHoldRequest("unavailable")
		case errors.Is(err, domain.ErrSlotTemporarilyUnavailable):
			metrics.IncHoldRequest("temporarily_unavailable")
		default:
			metrics.IncHoldRequest("error")
			e.logger.Error().Err(err).Str("space_id", req.SpaceID).Msg("failed to insert hold")
		}
		return nil, err
	}

	metrics.IncHoldRequest("created")
	metrics.IncTransition(string(models.StateHeld), "")
	e.armTimer(r.ID, deadline)
	e.publishEvent(events.EventHoldCreated, r)

	e.logger.Info().
		Str("reservation_id", r.ID).
		Str("space_id", r.SpaceID).
		Time("deadline", deadline).
		Msg("hold created")
	return r, nil
}

// ConfirmHold turns a live hold into a confirmed reservation. Every other hold
// overlapping it is cancelled in the same store transaction.
func (e *ReservationEngine) ConfirmHold(ctx context.Context, id string) (*models.Reservation, error) {
	for attempt := 0; attempt < confirmAttempts; attempt++ {
		r, err := e.store.GetReservation(ctx, id)
		if err != nil {
			return nil, err
		}
		now := e.clock.Now()

		switch r.State {
		case models.StateConfirmed:
			return r, nil
		case models.StateExpired:
			return nil, domain.ErrHoldExpired
		case models.StateCancelled:
			if r.Reason == models.ReasonHoldLost {
				return nil, domain.ErrHoldLost
			}
			return nil, fmt.Errorf("%w: reservation is %s", domain.ErrInvalidState, r.State)
		case models.StateHeld:
		default:
			return nil, fmt.Errorf("%w: reservation is %s", domain.ErrInvalidState, r.State)
		}

		if r.ExpiredAt(now) {
			// ответ всё равно ErrHoldExpired, запись дочистит sweeper
			_, _ = e.expireHeld(ctx, r, now)
			return nil, domain.ErrHoldExpired
		}

		winner, losers, err := e.store.ConfirmHeld(ctx, id, r.Version, now)
		switch {
		case errors.Is(err, domain.ErrConcurrentModification):
			e.logger.Debug().Str("reservation_id", id).Msg("confirm lost guard race, re-reading")
			continue
		case errors.Is(err, domain.ErrHoldLost):
			e.timers.Cancel(id)
			metrics.IncTransition(string(models.StateCancelled), models.ReasonHoldLost)
			e.publishEvent(events.EventHoldLost, winner)
			return nil, err
		case errors.Is(err, domain.ErrHoldExpired):
			_, _ = e.expireHeld(ctx, r, now)
			return nil, err
		case err != nil:
			return nil, err
		}

		e.timers.Cancel(winner.ID)
		for _, l := range losers {
			e.timers.Cancel(l.ID)
			metrics.IncTransition(string(models.StateCancelled), models.ReasonHoldLost)
			e.publishEvent(events.EventHoldLost, l)
		}
		metrics.IncTransition(string(models.StateConfirmed), models.ReasonPaid)
		e.publishEvent(events.EventConfirmed, winner)

		e.logger.Info().
			Str("reservation_id", winner.ID).
			Str("space_id", winner.SpaceID).
			Int("losers", len(losers)).
			Msg("hold confirmed")
		return winner, nil
	}
	return nil, fmt.Errorf("%w: reservation %s kept changing", domain.ErrInvalidState, id)
}

// CancelHold releases a hold on behalf of its requester.
func (e *ReservationEngine) CancelHold(ctx context.Context, id, requesterID string) (*models.Reservation, error) {
	return e.cancelHeld(ctx, id, requesterID, models.ReasonUserCancelled)
}

func (e *ReservationEngine) cancelHeld(ctx context.Context, id, requesterID, reason string) (*models.Reservation, error) {
	r, err := e.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.RequesterID != requesterID {
		return nil, domain.ErrForbidden
	}
	if r.State != models.StateHeld {
		return nil, fmt.Errorf("%w: reservation is %s", domain.ErrInvalidState, r.State)
	}

	out, err := e.store.TransitionFromHeld(ctx, id, r.Version, models.StateCancelled, reason, e.clock.Now())
	if errors.Is(err, domain.ErrConcurrentModification) {
		cur, getErr := e.store.GetReservation(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: reservation is %s", domain.ErrInvalidState, cur.State)
	}
	if err != nil {
		return nil, err
	}

	e.timers.Cancel(id)
	metrics.IncTransition(string(models.StateCancelled), reason)
	e.publishEvent(events.EventHoldCancelled, out)

	e.logger.Info().
		Str("reservation_id", id).
		Str("reason", reason).
		Msg("hold cancelled")
	return out, nil
}

// ExpireHold moves a hold past its deadline to Expired. It is called by hold
// timers and the sweeper, possibly both for the same hold, so every non-Held
// outcome returns the current record without error. Store failures are
// returned as is.
func (e *ReservationEngine) ExpireHold(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := e.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.State != models.StateHeld {
		return r, nil
	}

	now := e.clock.Now()
	if !r.ExpiredAt(now) {
		// timer fired early or deadline moved: re-arm
		d, _ := r.Deadline()
		e.armTimer(r.ID, d)
		return r, nil
	}

	return e.expireHeld(ctx, r, now)
}

// expireHeld applies Held -> Expired and returns the resulting record. Losing
// the guard returns whatever state the winner left behind.
func (e *ReservationEngine) expireHeld(ctx context.Context, r *models.Reservation, now time.Time) (*models.Reservation, error) {
	out, err := e.store.TransitionFromHeld(ctx, r.ID, r.Version, models.StateExpired, models.ReasonDeadlineElapsed, now)
	if err != nil {
		if !errors.Is(err, domain.ErrConcurrentModification) {
			e.logger.Error().Err(err).Str("reservation_id", r.ID).Msg("failed to expire hold")
			return nil, fmt.Errorf("expire hold %s: %w", r.ID, err)
		}
		return e.store.GetReservation(ctx, r.ID)
	}

	e.timers.Cancel(r.ID)
	metrics.IncTransition(string(models.StateExpired), models.ReasonDeadlineElapsed)
	e.publishEvent(events.EventSlotFreed, out)

	e.logger.Info().
		Str("reservation_id", r.ID).
		Str("space_id", r.SpaceID).
		Msg("hold expired")
	return out, nil
}

// BlockManually confirms an interval for a manager without a hold. Opening
// hours do not apply; existing holds are left for their confirmation to lose.
func (e *ReservationEngine) BlockManually(ctx context.Context, req BlockRequest) (*models.Reservation, error) {
	now := e.clock.Now()
	iv := models.Interval{Start: req.Start.UTC(), End: req.End.UTC()}

	if req.ActorID == "" {
		return nil, fmt.Errorf("%w: actor is required", domain.ErrInvalidInterval)
	}
	if err := e.validateInterval(iv, now); err != nil {
		return nil, err
	}
	if _, err := e.space(req.SpaceID); err != nil {
		return nil, err
	}

	r := &models.Reservation{
		ID:             uuid.NewString(),
		SpaceID:        req.SpaceID,
		RequesterID:    req.ActorID,
		Interval:       iv,
		State:          models.StateConfirmed,
		Reason:         models.ReasonManualBlock,
		CreatedAt:      now.UTC(),
		TransitionedAt: now.UTC(),
	}
	if err := e.store.InsertBlockIfFree(ctx, r); err != nil {
		return nil, err
	}

	metrics.IncTransition(string(models.StateConfirmed), models.ReasonManualBlock)
	e.publishEvent(events.EventConfirmed, r)

	e.logger.Info().
		Str("reservation_id", r.ID).
		Str("space_id", r.SpaceID).
		Str("actor_id", req.ActorID).
		Msg("slot blocked manually")
	return r, nil
}

func (e *ReservationEngine) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return e.store.GetReservation(ctx, id)
}

// ListReservations returns reservations of the space overlapping [from, to).
// Zero bounds are open.
func (e *ReservationEngine) ListReservations(ctx context.Context, spaceID string, from, to time.Time) ([]*models.Reservation, error) {
	if _, err := e.space(spaceID); err != nil {
		return nil, err
	}
	return e.store.ListBySpace(ctx, spaceID, from, to)
}

// RearmTimers schedules expiration for every hold found in the store.
// Called once at startup; holds already past their deadline fire right away.
func (e *ReservationEngine) RearmTimers(ctx context.Context) (int, error) {
	holds, err := e.store.ListActiveHolds(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active holds: %w", err)
	}
	for _, r := range holds {
		if d, ok := r.Deadline(); ok {
			e.armTimer(r.ID, d)
		}
	}
	e.logger.Info().Int("count", len(holds)).Msg("hold timers re-armed")
	return len(holds), nil
}

func (e *ReservationEngine) armTimer(id string, deadline time.Time) {
	e.timers.Schedule(id, deadline, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timerExpireTimeout)
		defer cancel()
		if _, err := e.ExpireHold(ctx, id); err != nil {
			// sweeper will pick it up
			e.logger.Warn().Err(err).Str("reservation_id", id).Msg("timer expiration failed")
		}
	})
}

func (e *ReservationEngine) publishEvent(eventType events.EventType, r *models.Reservation) {
	if e.publisher == nil || r == nil {
		return
	}

	var venueID string
	if sp, ok := e.spaces.GetSpace(r.SpaceID); ok {
		venueID = sp.VenueID
	}

	event, err := events.NewReservationEvent(eventType, r, venueID, e.clock.Now().UTC())
	if err != nil {
		e.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("publish event error")
		return
	}
	e.publisher.Publish(event)
}
