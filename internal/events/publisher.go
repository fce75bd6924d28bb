package events

import (
	"context"

	"coworking/internal/metrics"

	"github.com/rs/zerolog"
)

// SinkPublisher hands every event straight to a sink and waits for it.
// Short-lived processes use it instead of a Broadcaster: they have no local
// subscribers and may exit before an async queue drains.
type SinkPublisher struct {
	sink   Sink
	logger zerolog.Logger
}

func NewSinkPublisher(sink Sink, logger *zerolog.Logger) *SinkPublisher {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "sink_publisher").Logger()
	}
	return &SinkPublisher{sink: sink, logger: l}
}

func (p *SinkPublisher) Publish(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkForwardTimeout)
	defer cancel()

	if err := p.sink.Forward(ctx, event); err != nil {
		metrics.IncSinkFailure(p.sink.Name())
		p.logger.Error().Err(err).
			Str("sink", p.sink.Name()).
			Str("event_type", string(event.Type)).
			Str("reservation_id", event.ReservationID).
			Msg("failed to forward event")
	}
}
