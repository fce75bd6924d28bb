package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coworking/internal/events"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "coworking.reservation-events"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer exports slot events to Kafka. Messages are keyed by space so one
// space's events keep their order within a partition.
type Producer struct {
	writer messageWriter
	topic  string
	logger *zerolog.Logger
}

func NewProducer(brokers []string, topic string, logger *zerolog.Logger) *Producer {
	if topic == "" {
		topic = DefaultTopic
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newProducer(writer, topic, logger)
}

func newProducer(w messageWriter, topic string, logger *zerolog.Logger) *Producer {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "kafka").Logger()
	}
	return &Producer{writer: w, topic: topic, logger: &l}
}

func (p *Producer) Name() string { return "kafka" }

// Forward implements events.Sink.
func (p *Producer) Forward(ctx context.Context, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.SpaceID),
		Value: data,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	p.logger.Debug().
		Str("topic", p.topic).
		Str("event_type", string(event.Type)).
		Str("reservation_id", event.ReservationID).
		Msg("event exported")
	return nil
}

func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
