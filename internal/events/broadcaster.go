package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"coworking/internal/metrics"

	"github.com/rs/zerolog"
)

var (
	ErrClosed     = errors.New("broadcaster closed")
	ErrEmptyScope = errors.New("subscription scope is empty")
)

const (
	scopeSpace = "space"
	scopeVenue = "venue"

	defaultBufferSize  = 64
	defaultQueueSize   = 1000
	sinkForwardTimeout = 5 * time.Second
)

// Sink is an additional fan-out target fed asynchronously.
type Sink interface {
	Name() string
	Forward(ctx context.Context, event Event) error
}

type Config struct {
	SubscriberBuffer int
	SinkQueueSize    int
}

// Broadcaster fans events out to subscribers scoped by space or venue.
// Publish never blocks: a subscriber whose buffer is full misses the event
// and is marked lagged.
type Broadcaster struct {
	bufferSize int
	logger     zerolog.Logger

	mu     sync.RWMutex
	spaces map[string]map[*Subscription]struct{}
	venues map[string]map[*Subscription]struct{}
	closed bool

	sinks []Sink
	queue chan Event
}

func NewBroadcaster(cfg Config, logger *zerolog.Logger) *Broadcaster {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultBufferSize
	}
	if cfg.SinkQueueSize <= 0 {
		cfg.SinkQueueSize = defaultQueueSize
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "broadcaster").Logger()
	}
	return &Broadcaster{
		bufferSize: cfg.SubscriberBuffer,
		logger:     l,
		spaces:     make(map[string]map[*Subscription]struct{}),
		venues:     make(map[string]map[*Subscription]struct{}),
		queue:      make(chan Event, cfg.SinkQueueSize),
	}
}

// AddSink registers a sink. Must be called before Start.
func (b *Broadcaster) AddSink(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Subscription is a single observer's bounded event stream.
type Subscription struct {
	b      *Broadcaster
	scope  string
	key    string
	ch     chan Event
	lagged atomic.Bool
	once   sync.Once
}

// C returns the event channel. It is closed when the subscription or the
// broadcaster is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// TakeLagged reports whether events were dropped since the last call.
func (s *Subscription) TakeLagged() bool { return s.lagged.Swap(false) }

func (s *Subscription) Close() {
	s.b.unsubscribe(s)
}

func (b *Broadcaster) Subscribe(spaceID string) (*Subscription, error) {
	return b.subscribe(scopeSpace, spaceID)
}

func (b *Broadcaster) SubscribeVenue(venueID string) (*Subscription, error) {
	return b.subscribe(scopeVenue, venueID)
}

func (b *Broadcaster) subscribe(scope, key string) (*Subscription, error) {
	if key == "" {
		return nil, ErrEmptyScope
	}
	sub := &Subscription{b: b, scope: scope, key: key, ch: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	set := b.index(scope)
	if set[key] == nil {
		set[key] = make(map[*Subscription]struct{})
	}
	set[key][sub] = struct{}{}
	return sub, nil
}

func (b *Broadcaster) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.index(s.scope)
	if subs, ok := set[s.key]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(set, s.key)
		}
	}
	s.once.Do(func() { close(s.ch) })
}

func (b *Broadcaster) index(scope string) map[string]map[*Subscription]struct{} {
	if scope == scopeVenue {
		return b.venues
	}
	return b.spaces
}

// Subscribers returns the number of subscriptions for a space.
func (b *Broadcaster) Subscribers(spaceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.spaces[spaceID])
}

// Deliver fans the event out to local subscribers only.
func (b *Broadcaster) Deliver(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.spaces[event.SpaceID] {
		b.send(sub, event)
	}
	if event.VenueID != "" {
		for sub := range b.venues[event.VenueID] {
			b.send(sub, event)
		}
	}
}

func (b *Broadcaster) send(sub *Subscription, event Event) {
	select {
	case sub.ch <- event:
	default:
		sub.lagged.Store(true)
		metrics.IncBroadcasterDrop(sub.scope)
		b.logger.Warn().
			Str("event_type", string(event.Type)).
			Str(sub.scope+"_id", sub.key).
			Msg("subscriber buffer full, event dropped")
	}
}

// Publish delivers locally and queues the event for sinks.
func (b *Broadcaster) Publish(event Event) {
	b.Deliver(event)
	if len(b.sinks) == 0 {
		return
	}
	select {
	case b.queue <- event:
	default:
		metrics.IncSinkFailure("queue_full")
		b.logger.Warn().Str("event_type", string(event.Type)).Msg("sink queue full, event not exported")
	}
}

// Start drains the sink queue until ctx is done.
func (b *Broadcaster) Start(ctx context.Context) {
	if len(b.sinks) == 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.queue:
			b.forward(ctx, event)
		}
	}
}

func (b *Broadcaster) forward(ctx context.Context, event Event) {
	for _, sink := range b.sinks {
		fctx, cancel := context.WithTimeout(ctx, sinkForwardTimeout)
		err := sink.Forward(fctx, event)
		cancel()
		if err != nil {
			metrics.IncSinkFailure(sink.Name())
			b.logger.Error().Err(err).
				Str("sink", sink.Name()).
				Str("event_type", string(event.Type)).
				Str("reservation_id", event.ReservationID).
				Msg("failed to forward event")
		}
	}
}

// Close ends every subscription. Further Publish calls are no-ops locally.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range []map[string]map[*Subscription]struct{}{b.spaces, b.venues} {
		for key, subs := range set {
			for sub := range subs {
				sub.once.Do(func() { close(sub.ch) })
			}
			delete(set, key)
		}
	}
}
