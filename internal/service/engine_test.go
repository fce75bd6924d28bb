package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coworking/internal/database"
	"coworking/internal/domain"
	"coworking/internal/events"
	"coworking/internal/models"
	"coworking/internal/timer"
	"coworking/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday
var testStart = time.Date(2030, 1, 7, 9, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return time.Date(2030, 1, 7, h, m, 0, 0, time.UTC)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) ofType(t events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type nopTimers struct{}

func (nopTimers) Schedule(string, time.Time, func()) {}
func (nopTimers) Cancel(string)                      {}

type testEnv struct {
	engine *ReservationEngine
	store  *database.DB
	clock  *timer.ManualClock
	timers *timer.Service
	pub    *recordingPublisher
}

func testSpaces(t *testing.T) *StaticCatalog {
	t.Helper()
	catalog, err := NewStaticCatalog([]models.Space{
		{ID: "room-1", VenueID: "venue-1", Name: "Room 1"},
		{ID: "room-2", VenueID: "venue-1", Name: "Room 2"},
		{
			ID:       "room-hours",
			VenueID:  "venue-2",
			Name:     "Office hours room",
			Timezone: "UTC",
			OpeningHours: []models.OpeningWindow{
				{Days: []string{"mon", "tue", "wed", "thu", "fri"}, Open: "08:00", Close: "20:00"},
			},
		},
	})
	require.NoError(t, err)
	return catalog
}

func setupEngine(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	store, err := database.NewDB(filepath.Join(t.TempDir(), "reservations.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := timer.NewManualClock(testStart)
	timers := timer.NewService(clock, &logger)
	t.Cleanup(timers.Stop)

	pub := &recordingPublisher{}
	engine := NewReservationEngine(store, timers, clock, pub, testSpaces(t), EngineConfig{}, &logger)

	return &testEnv{engine: engine, store: store, clock: clock, timers: timers, pub: pub}
}

func (env *testEnv) hold(t *testing.T, space, user string, start, end time.Time) *models.Reservation {
	t.Helper()
	r, err := env.engine.RequestHold(context.Background(), HoldRequest{
		SpaceID: space, RequesterID: user, Start: start, End: end,
	})
	require.NoError(t, err)
	return r
}

// importHold writes a hold straight into the store, bypassing overlap checks.
func (env *testEnv) importHold(t *testing.T, id, space string, start, end, deadline time.Time) {
	t.Helper()
	now := env.clock.Now()
	require.NoError(t, env.store.ImportReservation(context.Background(), &models.Reservation{
		ID:             id,
		SpaceID:        space,
		RequesterID:    "user-" + id,
		Interval:       models.Interval{Start: start, End: end},
		State:          models.StateHeld,
		HoldDeadline:   &deadline,
		CreatedAt:      now,
		TransitionedAt: now,
	}))
}

func TestRequestHold_Success(t *testing.T) {
	env := setupEngine(t)

	r := env.hold(t, "room-1", "alice", at(10, 0), at(11, 0))

	assert.Equal(t, models.StateHeld, r.State)
	assert.NotEmpty(t, r.ID)
	d, ok := r.Deadline()
	require.True(t, ok)
	assert.True(t, d.Equal(testStart.Add(15*time.Minute)))
	assert.Equal(t, 1, env.timers.Pending())

	created := env.pub.ofType(events.EventHoldCreated)
	require.Len(t, created, 1)
	assert.Equal(t, r.ID, created[0].ReservationID)
	assert.Equal(t, "venue-1", created[0].VenueID)

	stored, err := env.engine.GetReservation(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHeld, stored.State)
}

func TestRequestHold_Validation(t *testing.T) {
	env := setupEngine(t)

	tests := []struct {
		name    string
		req     HoldRequest
		wantErr error
	}{
		{"end before start", HoldRequest{SpaceID: "room-1", RequesterID: "u", Start: at(11, 0), End: at(10, 0)}, domain.ErrInvalidInterval},
		{"empty interval", HoldRequest{SpaceID: "room-1", RequesterID: "u", Start: at(10, 0), End: at(10, 0)}, domain.ErrInvalidInterval},
		{"in the past", HoldRequest{SpaceID: "room-1", RequesterID: "u", Start: at(8, 0), End: at(10, 0)}, domain.ErrInvalidInterval},
		{"too far ahead", HoldRequest{SpaceID: "room-1", RequesterID: "u", Start: testStart.AddDate(2, 0, 0), End: testStart.AddDate(2, 0, 0).Add(time.Hour)}, domain.ErrInvalidInterval},
		{"no requester", HoldRequest{SpaceID: "room-1", Start: at(10, 0), End: at(11, 0)}, domain.ErrInvalidInterval},
		{"unknown space", HoldRequest{SpaceID: "nope", RequesterID: "u", Start: at(10, 0), End: at(11, 0)}, domain.ErrSpaceNotFound},
		{"outside opening hours", HoldRequest{SpaceID: "room-hours", RequesterID: "u", Start: at(19, 0), End: at(21, 0)}, domain.ErrOutsideOpeningHours},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.RequestHold(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// opening hours violation is still an invalid interval
	_, err := env.engine.RequestHold(context.Background(), HoldRequest{SpaceID: "room-hours", RequesterID: "u", Start: at(19, 0), End: at(21, 0)})
	assert.ErrorIs(t, err, domain.ErrInvalidInterval)

	assert.Equal(t, 0, env.pub.count())
	assert.Equal(t, 0, env.timers.Pending())
}

func TestRequestHold_Conflicts(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	first := env.hold(t, "room-1", "alice", at(10, 0), at(11, 0))

	_, err := env.engine.RequestHold(ctx, HoldRequest{SpaceID: "room-1", RequesterID: "bob", Start: at(10, 30), End: at(11, 30)})
	require.ErrorIs(t, err, domain.ErrSlotTemporarilyUnavailable)
	retryAt, ok := domain.RetryAfter(err)
	require.True(t, ok)
	d, _ := first.Deadline()
	assert.True(t, retryAt.Equal(d))

	// adjacent interval does not overlap
	env.hold(t, "room-1", "bob", at(11, 0), at(12, 0))
	// other space is independent
	env.hold(t, "room-2", "bob", at(10, 0), at(11, 0))

	_, err = env.engine.ConfirmHold(ctx, first.ID)
	require.NoError(t, err)

	_, err = env.engine.RequestHold(ctx, HoldRequest{SpaceID: "room-1", RequesterID: "carol", Start: at(10, 15), End: at(10, 45)})
	assert.ErrorIs(t, err, domain.ErrSlotUnavailable)
}

func TestConfirmHold_BeforeDeadline(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	r := env.hold(t, "room-1", "alice", at(10, 0), at(11, 0))
	env.clock.Advance(14*time.Minute + 59*time.Second)

	confirmed, err := env.engine.ConfirmHold(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, confirmed.State)
	_, ok := confirmed.Deadline()
	assert.False(t, ok)
	assert.Equal(t, models.ReasonPaid, confirmed.Reason)
	assert.Equal(t, 0, env.timers.Pending())
	assert.Len(t, env.pub.ofType(events.EventConfirmed), 1)

	// the timer is gone, nothing changes at the old deadline
	env.clock.Advance(time.Minute)
	stored, err := env.engine.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, stored.State)
	assert.Empty(t, env.pub.ofType(events.EventSlotFreed))
}

func TestConfirmHold_AfterDeadline(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	r := env.hold(t, "room-1", "alice", at(10, 0), at(11, 0))
	env.clock.Advance(15*time.Minute + time.Second)

	_, err := env.engine.ConfirmHold(ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrHoldExpired)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	stored, err := env.engine.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, stored.State)
	assert.Len(t, env.pub.ofType(events.EventSlotFreed), 1)
	assert.Empty(t, env.pub.ofType(events.EventConfirmed))

	// slot is free again
	env.hold(t, "room-1", "bob", at(10, 0), at(11, 0))
}

func TestConfirmHold_AfterDeadlineWithoutTimer(t *testing.T) {
	logger := zerolog.Nop()
	store, err := database.NewDB(filepath.Join(t.TempDir(), "reservations.db"), &logger)
	require.NoError(t, err)
	defer store.Close()

	clock := timer.NewManualClock(testStart)
	pub := &recordingPublisher{}
	engine := NewReservationEngine(store, nopTimers{}, clock, pub, testSpaces(t), EngineConfig{}, &logger)
	ctx := context.Background()

	r, err := engine.RequestHold(ctx, HoldRequest{SpaceID: "room-1", RequesterID: "alice", Start: at(10, 0), End: at(11, 0)})
	require.NoError(t, err)

	// exactly at the deadline the hold is already dead
	clock.Advance(15 * time.Minute)
	_, err = engine.ConfirmHold(ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrHoldExpired)

	stored, err := engine.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, stored.State)
	assert.Equal(t, models.ReasonDeadlineElapsed, stored.Reason)
	assert.Len(t, pub.ofType(events.EventSlotFreed), 1)

	// repeated confirm reports the same thing and emits nothing
	_, err = engine.ConfirmHold(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrHoldExpired)
	assert.Len(t, pub.ofType(events.EventSlotFreed), 1)
}

func TestConfirmHold_Idempotent(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	r := env.hold(t, "room-1", "alice", at(10, 0), at(11, 0))

	first, err := env.engine.ConfirmHold(ctx, r.ID)
	require.NoError(t, err)
	before := env.pub.count()

	second, err := env.engine.ConfirmHold(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.StateConfirmed, second.State)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, before, env.pub.count())
}

func TestConfirmHold_Errors(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	_, err := env.engine.ConfirmHold(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	r := env.hold(t, "room-1", "alice", at(10, 0), at(11, 0))
	_, err = env.engine.CancelHold(ctx, r.ID, "alice")
	require.NoError(t, err)

	_, err = env.engine.ConfirmHold(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.NotErrorIs(t, err, domain.ErrHoldExpired)
}

// Two overlapping holds A and B exist (legacy data). Confirming A cancels B
// with exactly one HoldLost event.
func TestConfirmHold_CancelsOverlappingHolds(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deadline := testStart.Add(15 * time.Minute)

	env.importHold(t, "A", "room-1", at(10, 0), at(11, 0), deadline)
	env.importHold(t, "B", "room-1", at(10, 30), at(11, 30), deadline)
	env.importHold(t, "C", "room-1", at(11, 0), at(12, 0), deadline)
	n, err := env.engine.RearmTimers(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, env.timers.Pending())

	winner, err := env.engine.ConfirmHold(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, winner.State)

	lost := env.pub.ofType(events.EventHoldLost)
	require.Len(t, lost, 1)
	assert.Equal(t, "B", lost[0].ReservationID)
	payload, err := lost[0].DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, payload.State)
	assert.Equal(t, models.ReasonHoldLost, payload.Reason)

	confirmed := env.pub.ofType(events.EventConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "A", confirmed[0].ReservationID)

	b, err := env.engine.GetReservation(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, b.State)

	// C only touches A's end
	c, err := env.engine.GetReservation(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, models.StateHeld, c.State)
	assert.Equal(t, 1, env.timers.Pending())

	_, err = env.engine.ConfirmHold(ctx, "B")
	assert.ErrorIs(t, err, domain.ErrHoldLost)
	assert.Len(t, env.pub.ofType(events.EventHoldLost), 1)
}

func TestConfirmHold_ConcurrentOverlappingHolds(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	deadline := testStart.Add(15 * time.Minute)

	const n = 8
	for i := 0; i < n; i++ {
		start := at(10, i*5)
		env.importHold(t, fmt.Sprintf("h%d", i), "room-1", start, start.Add(time.Hour), deadline)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		confirmed []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r, err := env.engine.ConfirmHold(ctx, id)
			if err != nil {
				if !errors.Is(err, domain.ErrInvalidState) {
					t.Errorf("unexpected error for %s: %v", id, err)
				}
				return
			}
			mu.Lock()
			confirmed = append(confirmed, r.ID)
			mu.Unlock()
		}(fmt.Sprintf("h%d", i))
	}
	wg.Wait()

	require.Len(t, confirmed, 1)
	assert.Len(t, env.pub.ofType(events.EventHoldLost), n-1)
	assert.Len(t, env.pub.ofType(events.EventConfirmed), 1)
}

func TestRequestHold_ConcurrentSameInterval(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	const n = 20
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		held   []*models.Reservation
		others int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := env.engine.RequestHold(ctx, HoldRequest{
				SpaceID:     "room-1",
				RequesterID: fmt.Sprintf("user-%d", i),
				Start:       at(10, 0),
				End:         at(11, 0),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, domain.ErrSlotTemporarilyUnavailable) {
					others++
				} else {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			held = append(held, r)
		}(i)
	}
	wg.Wait()

	require.Len(t, held, 1)
	assert.Equal(t, n-1, others)

	for _, r := range held {
		_, err := env.engine.ConfirmHold(ctx, r.ID)
		require.NoError(t, err)
	}
	list, err := env.engine.ListReservations(ctx, "room-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	confirmed := 0
	for _, r := range list {
		if r.State == models.StateConfirmed {
			confirmed++
		}
	}
	assert.Equal(t, 1, confirmed)
}

func TestEngine_RandomizedNoOverlap(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	type job struct {
		space      string
		start, end time.Time
		block      bool
	}
	spaces := []string{"room-1", "room-2"}
	jobs := make([]job, 60)
	for i := range jobs {
		start := at(10, 0).Add(time.Duration(rng.Intn(48)) * 15 * time.Minute)
		jobs[i] = job{
			space: spaces[rng.Intn(len(spaces))],
			start: start,
			end:   start.Add(time.Duration(1+rng.Intn(8)) * 15 * time.Minute),
			block: rng.Intn(4) == 0,
		}
	}

	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			if j.block {
				_, _ = env.engine.BlockManually(ctx, BlockRequest{SpaceID: j.space, ActorID: "manager", Start: j.start, End: j.end})
				return
			}
			r, err := env.engine.RequestHold(ctx, HoldRequest{SpaceID: j.space, RequesterID: fmt.Sprintf("u%d", i), Start: j.start, End: j.end})
			if err != nil {
				return
			}
			_, _ = env.engine.ConfirmHold(ctx, r.ID)
		}(i, j)
	}
	wg.Wait()

	for _, space := range spaces {
		list, err := env.engine.ListReservations(ctx, space, time.Time{}, time.Time{})
		require.NoError(t, err)

		var blocking []*models.Reservation
		for _, r := range list {
			if r.State.Blocking() {
				blocking = append(blocking, r)
			}
		}
		for i := range blocking {
			for j := i + 1; j < len(blocking); j++ {
				assert.False(t, blocking[i].Interval.Overlaps(blocking[j].Interval),
					"%s overlaps %s", blocking[i].ID, blocking[j].ID)
			}
		}
	}
}

func TestCancelHold(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	_, err := env.engine.CancelHold(ctx, "missing", "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	r := env.hold(t, "room-1", "alice", at(10, 0), at(11, 0))

	_, err = env.engine.CancelHold(ctx, r.ID, "mallory")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	cancelled, err := env.engine.CancelHold(ctx, r.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, cancelled.State)
	assert.Equal(t, models.ReasonUserCancelled, cancelled.Reason)
	_, ok := cancelled.Deadline()
	assert.False(t, ok)
	assert.Equal(t, 0, env.timers.Pending())
	assert.Len(t, env.pub.ofType(events.EventHoldCancelled), 1)

	_, err = env.engine.CancelHold(ctx, r.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	// slot released
	env.hold(t, "room-1", "bob", at(10, 0), at(11, 0))
}

func TestExpireHold(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	_, err := env.engine.ExpireHold(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	r := env.hold(t, "room-1", "alice", at(10, 0), at(11, 0))

	// too early: stays held, timer re-armed
	env.clock.Advance(5 * time.Minute)
	got, err := env.engine.ExpireHold(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHeld, got.State)
	assert.Equal(t, 1, env.timers.Pending())

	// timer fires at the deadline
	env.clock.Advance(10 * time.Minute)
	got, err = env.engine.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)
	assert.Equal(t, models.ReasonDeadlineElapsed, got.Reason)
	assert.Equal(t, 0, env.timers.Pending())

	freed := env.pub.ofType(events.EventSlotFreed)
	require.Len(t, freed, 1)
	assert.Equal(t, r.ID, freed[0].ReservationID)

	// second expiration is a no-op
	got, err = env.engine.ExpireHold(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)
	assert.Len(t, env.pub.ofType(events.EventSlotFreed), 1)
}

func TestExpireHold_AfterConfirm(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	r := env.hold(t, "room-1", "alice", at(10, 0), at(11, 0))
	_, err := env.engine.ConfirmHold(ctx, r.ID)
	require.NoError(t, err)
	before := env.pub.count()

	env.clock.Advance(time.Hour)
	got, err := env.engine.ExpireHold(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, got.State)
	assert.Equal(t, before, env.pub.count())
}

func TestBlockManually(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	block, err := env.engine.BlockManually(ctx, BlockRequest{SpaceID: "room-1", ActorID: "manager", Start: at(12, 0), End: at(14, 0)})
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, block.State)
	assert.True(t, block.IsBlock())
	assert.Equal(t, "manager", block.RequesterID)
	assert.Len(t, env.pub.ofType(events.EventConfirmed), 1)

	// over a confirmed interval
	_, err = env.engine.BlockManually(ctx, BlockRequest{SpaceID: "room-1", ActorID: "manager", Start: at(13, 0), End: at(15, 0)})
	assert.ErrorIs(t, err, domain.ErrSlotUnavailable)

	// holds cannot be placed over it
	_, err = env.engine.RequestHold(ctx, HoldRequest{SpaceID: "room-1", RequesterID: "alice", Start: at(13, 0), End: at(13, 30)})
	assert.ErrorIs(t, err, domain.ErrSlotUnavailable)

	// opening hours do not apply to managers
	_, err = env.engine.BlockManually(ctx, BlockRequest{SpaceID: "room-hours", ActorID: "manager", Start: at(20, 0), End: at(22, 0)})
	require.NoError(t, err)

	_, err = env.engine.BlockManually(ctx, BlockRequest{SpaceID: "room-1", ActorID: "manager", Start: at(8, 0), End: at(9, 30)})
	assert.ErrorIs(t, err, domain.ErrInvalidInterval)
	_, err = env.engine.BlockManually(ctx, BlockRequest{SpaceID: "nope", ActorID: "manager", Start: at(10, 0), End: at(11, 0)})
	assert.ErrorIs(t, err, domain.ErrSpaceNotFound)
}

func TestBlockManually_OverHoldMakesItLose(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	r := env.hold(t, "room-1", "alice", at(10, 0), at(11, 0))

	_, err := env.engine.BlockManually(ctx, BlockRequest{SpaceID: "room-1", ActorID: "manager", Start: at(10, 30), End: at(12, 0)})
	require.NoError(t, err)

	_, err = env.engine.ConfirmHold(ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrHoldLost)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	got, err := env.engine.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.Equal(t, models.ReasonHoldLost, got.Reason)
	assert.Equal(t, 0, env.timers.Pending())

	lost := env.pub.ofType(events.EventHoldLost)
	require.Len(t, lost, 1)
	assert.Equal(t, r.ID, lost[0].ReservationID)
}

func TestRearmTimers(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	env.importHold(t, "stale", "room-1", at(10, 0), at(11, 0), testStart.Add(-time.Minute))
	env.importHold(t, "fresh", "room-2", at(10, 0), at(11, 0), testStart.Add(10*time.Minute))

	n, err := env.engine.RearmTimers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	env.clock.Advance(0)
	stale, err := env.engine.GetReservation(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, stale.State)

	env.clock.Advance(10 * time.Minute)
	fresh, err := env.engine.GetReservation(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, fresh.State)
	assert.Len(t, env.pub.ofType(events.EventSlotFreed), 2)
}

func TestSweeper_ExpiresOnlyStaleHolds(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	const stale, fresh = 7, 4
	for i := 0; i < stale; i++ {
		start := at(10, 0).Add(time.Duration(i) * time.Hour)
		env.importHold(t, fmt.Sprintf("stale-%d", i), "room-1", start, start.Add(time.Hour), testStart.Add(-time.Duration(i+1)*time.Minute))
	}
	for i := 0; i < fresh; i++ {
		start := at(10, 0).Add(time.Duration(i) * time.Hour)
		env.importHold(t, fmt.Sprintf("fresh-%d", i), "room-2", start, start.Add(time.Hour), testStart.Add(time.Duration(i+1)*time.Minute))
	}

	logger := zerolog.Nop()
	sweeper := worker.NewSweeper(env.store, env.engine, env.clock, worker.SweeperConfig{BatchSize: 3}, &logger)

	n, err := sweeper.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, stale, n)

	for i := 0; i < fresh; i++ {
		r, err := env.engine.GetReservation(ctx, fmt.Sprintf("fresh-%d", i))
		require.NoError(t, err)
		assert.Equal(t, models.StateHeld, r.State)
	}
	assert.Len(t, env.pub.ofType(events.EventSlotFreed), stale)

	n, err = sweeper.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
