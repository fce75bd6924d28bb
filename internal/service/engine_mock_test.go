package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"coworking/internal/domain"
	"coworking/internal/events"
	"coworking/internal/models"
	"coworking/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) InsertHoldIfFree(ctx context.Context, r *models.Reservation, now time.Time) error {
	return m.Called(ctx, r, now).Error(0)
}
func (m *mockStore) InsertBlockIfFree(ctx context.Context, r *models.Reservation) error {
	return m.Called(ctx, r).Error(0)
}
func (m *mockStore) ConfirmHeld(ctx context.Context, id string, version int64, now time.Time) (*models.Reservation, []*models.Reservation, error) {
	args := m.Called(ctx, id, version, now)
	var winner *models.Reservation
	if v := args.Get(0); v != nil {
		winner = v.(*models.Reservation)
	}
	var losers []*models.Reservation
	if v := args.Get(1); v != nil {
		losers = v.([]*models.Reservation)
	}
	return winner, losers, args.Error(2)
}
func (m *mockStore) TransitionFromHeld(ctx context.Context, id string, version int64, to models.State, reason string, now time.Time) (*models.Reservation, error) {
	args := m.Called(ctx, id, version, to, reason, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Reservation), args.Error(1)
}
func (m *mockStore) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Reservation), args.Error(1)
}
func (m *mockStore) ListBySpace(ctx context.Context, spaceID string, from, to time.Time) ([]*models.Reservation, error) {
	args := m.Called(ctx, spaceID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Reservation), args.Error(1)
}
func (m *mockStore) ListStaleHolds(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Reservation), args.Error(1)
}
func (m *mockStore) ListActiveHolds(ctx context.Context) ([]*models.Reservation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Reservation), args.Error(1)
}
func (m *mockStore) Close() error {
	return m.Called().Error(0)
}

func newMockEngine(t *testing.T, store *mockStore) (*ReservationEngine, *recordingPublisher) {
	t.Helper()
	logger := zerolog.Nop()
	pub := &recordingPublisher{}
	clock := fixedClock{now: testStart}
	return NewReservationEngine(store, nopTimers{}, clock, pub, testSpaces(t), EngineConfig{HoldDuration: 10 * time.Minute}, &logger), pub
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func heldRecord(id string) *models.Reservation {
	deadline := testStart.Add(10 * time.Minute)
	return &models.Reservation{
		ID:           id,
		SpaceID:      "room-1",
		RequesterID:  "alice",
		Interval:     models.Interval{Start: at(10, 0), End: at(11, 0)},
		State:        models.StateHeld,
		HoldDeadline: &deadline,
		Version:      1,
	}
}

func TestRequestHold_TransientStoreError(t *testing.T) {
	store := new(mockStore)
	engine, pub := newMockEngine(t, store)

	transient := errors.Join(domain.ErrTransient, errors.New("database is locked"))
	store.On("InsertHoldIfFree", mock.Anything, mock.Anything, testStart).Return(transient)

	_, err := engine.RequestHold(context.Background(), HoldRequest{SpaceID: "room-1", RequesterID: "alice", Start: at(10, 0), End: at(11, 0)})
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, 0, pub.count())
	store.AssertExpectations(t)
}

func TestRequestHold_UsesConfiguredHoldDuration(t *testing.T) {
	store := new(mockStore)
	engine, _ := newMockEngine(t, store)

	store.On("InsertHoldIfFree", mock.Anything, mock.MatchedBy(func(r *models.Reservation) bool {
		d, ok := r.Deadline()
		return ok && d.Equal(testStart.Add(10*time.Minute)) && r.State == models.StateHeld
	}), testStart).Return(nil)

	r, err := engine.RequestHold(context.Background(), HoldRequest{SpaceID: "room-1", RequesterID: "alice", Start: at(10, 0), End: at(11, 0)})
	require.NoError(t, err)
	assert.Equal(t, "room-1", r.SpaceID)
	store.AssertExpectations(t)
}

func TestConfirmHold_ResolvesGuardRace(t *testing.T) {
	store := new(mockStore)
	engine, pub := newMockEngine(t, store)

	confirmed := heldRecord("r1")
	confirmed.State = models.StateConfirmed
	confirmed.HoldDeadline = nil
	confirmed.Version = 2

	store.On("GetReservation", mock.Anything, "r1").Return(heldRecord("r1"), nil).Once()
	store.On("ConfirmHeld", mock.Anything, "r1", int64(1), testStart).Return(nil, nil, domain.ErrConcurrentModification).Once()
	store.On("GetReservation", mock.Anything, "r1").Return(confirmed, nil).Once()

	r, err := engine.ConfirmHold(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, r.State)
	// the concurrent winner already emitted its events
	assert.Equal(t, 0, pub.count())
	store.AssertExpectations(t)
}

func TestConfirmHold_GuardRaceLostToExpiry(t *testing.T) {
	store := new(mockStore)
	engine, _ := newMockEngine(t, store)

	expired := heldRecord("r1")
	expired.State = models.StateExpired
	expired.HoldDeadline = nil

	store.On("GetReservation", mock.Anything, "r1").Return(heldRecord("r1"), nil).Once()
	store.On("ConfirmHeld", mock.Anything, "r1", int64(1), testStart).Return(nil, nil, domain.ErrConcurrentModification).Once()
	store.On("GetReservation", mock.Anything, "r1").Return(expired, nil).Once()

	_, err := engine.ConfirmHold(context.Background(), "r1")
	assert.ErrorIs(t, err, domain.ErrHoldExpired)
	store.AssertExpectations(t)
}

func TestExpireHold_GuardRaceReturnsCurrentState(t *testing.T) {
	store := new(mockStore)
	engine, pub := newMockEngine(t, store)

	stale := heldRecord("r1")
	past := testStart.Add(-time.Second)
	stale.HoldDeadline = &past

	cancelled := heldRecord("r1")
	cancelled.State = models.StateCancelled
	cancelled.HoldDeadline = nil

	store.On("GetReservation", mock.Anything, "r1").Return(stale, nil).Once()
	store.On("TransitionFromHeld", mock.Anything, "r1", int64(1), models.StateExpired, models.ReasonDeadlineElapsed, testStart).
		Return(nil, domain.ErrConcurrentModification).Once()
	store.On("GetReservation", mock.Anything, "r1").Return(cancelled, nil).Once()

	r, err := engine.ExpireHold(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, r.State)
	assert.Empty(t, pub.ofType(events.EventSlotFreed))
	store.AssertExpectations(t)
}

func TestRearmTimers_StoreError(t *testing.T) {
	store := new(mockStore)
	engine, _ := newMockEngine(t, store)

	store.On("ListActiveHolds", mock.Anything).Return(nil, domain.ErrTransient)

	_, err := engine.RearmTimers(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func staleRecord(id string) *models.Reservation {
	r := heldRecord(id)
	past := testStart.Add(-time.Second)
	r.HoldDeadline = &past
	return r
}

func TestExpireHold_StoreFailureIsReturned(t *testing.T) {
	store := new(mockStore)
	engine, pub := newMockEngine(t, store)

	store.On("GetReservation", mock.Anything, "r1").Return(staleRecord("r1"), nil).Once()
	store.On("TransitionFromHeld", mock.Anything, "r1", int64(1), models.StateExpired, models.ReasonDeadlineElapsed, testStart).
		Return(nil, domain.ErrTransient).Once()

	r, err := engine.ExpireHold(context.Background(), "r1")
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Nil(t, r)
	assert.Equal(t, 0, pub.count())
	store.AssertExpectations(t)
}

func TestRunSweepOnce_StoreFailureIsReturned(t *testing.T) {
	store := new(mockStore)
	engine, _ := newMockEngine(t, store)
	logger := zerolog.Nop()
	sweeper := worker.NewSweeper(store, engine, fixedClock{now: testStart}, worker.SweeperConfig{BatchSize: 10}, &logger)

	store.On("ListStaleHolds", mock.Anything, testStart, 10).Return([]*models.Reservation{staleRecord("r1")}, nil).Once()
	store.On("GetReservation", mock.Anything, "r1").Return(staleRecord("r1"), nil).Once()
	store.On("TransitionFromHeld", mock.Anything, "r1", int64(1), models.StateExpired, models.ReasonDeadlineElapsed, testStart).
		Return(nil, domain.ErrTransient).Once()

	n, err := sweeper.RunSweepOnce(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, 0, n)
	store.AssertExpectations(t)
}
