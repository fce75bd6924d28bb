package timer

import (
	"sync"
	"time"

	"coworking/internal/metrics"

	"github.com/rs/zerolog"
)

// Service keeps at most one pending expiration per reservation id.
// It is a latency optimization: losing a timer is recovered by the sweeper.
type Service struct {
	clock  Clock
	logger zerolog.Logger

	mu      sync.Mutex
	timers  map[string]entry
	seq     uint64
	stopped bool
}

type entry struct {
	seq  uint64
	stop Stopper
}

func NewService(clock Clock, logger *zerolog.Logger) *Service {
	if clock == nil {
		clock = NewSystemClock()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "hold_timers").Logger()
	}
	return &Service{
		clock:  clock,
		logger: l,
		timers: make(map[string]entry),
	}
}

func (s *Service) Now() time.Time { return s.clock.Now() }

// Schedule arms fn to run at deadline, replacing any timer already armed for id.
func (s *Service) Schedule(id string, deadline time.Time, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.seq++
	seq := s.seq
	prev, hadPrev := s.timers[id]
	// placeholder keeps the slot until AfterFunc returns
	s.timers[id] = entry{seq: seq}
	s.mu.Unlock()

	if hadPrev && prev.stop != nil {
		prev.stop.Stop()
	}

	delay := deadline.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	stop := s.clock.AfterFunc(delay, func() { s.fire(id, seq, fn) })

	s.mu.Lock()
	cur, ok := s.timers[id]
	if ok && cur.seq == seq {
		cur.stop = stop
		s.timers[id] = cur
		s.mu.Unlock()
		metrics.SetActiveTimers(s.Pending())
		return
	}
	s.mu.Unlock()
	// cancelled, replaced or already fired while we were arming
	stop.Stop()
}

func (s *Service) fire(id string, seq uint64, fn func()) {
	s.mu.Lock()
	cur, ok := s.timers[id]
	if !ok || cur.seq != seq || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	n := len(s.timers)
	s.mu.Unlock()

	metrics.SetActiveTimers(n)
	s.logger.Debug().Str("reservation_id", id).Msg("hold timer fired")
	fn()
}

// Cancel disarms the timer for id. Unknown ids are ignored.
func (s *Service) Cancel(id string) {
	s.mu.Lock()
	cur, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
	}
	n := len(s.timers)
	s.mu.Unlock()

	if ok && cur.stop != nil {
		cur.stop.Stop()
	}
	metrics.SetActiveTimers(n)
}

func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms all timers. Later Schedule calls are ignored.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	timers := s.timers
	s.timers = make(map[string]entry)
	s.mu.Unlock()

	for _, e := range timers {
		if e.stop != nil {
			e.stop.Stop()
		}
	}
	metrics.SetActiveTimers(0)
}
