package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/hackgods/therapy-clinic-scheduling/internal/scheduling"
)

type Publisher interface {
	Publish(ctx context.Context, batch []scheduling.EventLog) error
	Close() error
}

// Envelope is the wire form of one outbox row.
type Envelope struct {
	ID            int64           `json:"id"`
	Type          string          `json:"type"`
	AppointmentID *uuid.UUID      `json:"appointment_id,omitempty"`
	TherapistID   *uuid.UUID      `json:"therapist_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func NewEnvelope(ev scheduling.EventLog) Envelope {
	env := Envelope{
		ID:            ev.ID,
		Type:          ev.EventType,
		AppointmentID: ev.AppointmentID,
		TherapistID:   ev.TherapistID,
		OccurredAt:    ev.CreatedAt.UTC(),
	}
	if len(ev.Payload) > 0 {
		env.Payload = json.RawMessage(ev.Payload)
	}
	return env
}

// messageKey keeps every event of one appointment on the same partition.
func messageKey(ev scheduling.EventLog) []byte {
	switch {
	case ev.AppointmentID != nil:
		return []byte(ev.AppointmentID.String())
	case ev.TherapistID != nil:
		return []byte(ev.TherapistID.String())
	}
	return nil
}

func toMessages(batch []scheduling.EventLog) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		value, err := json.Marshal(NewEnvelope(ev))
		if err != nil {
			return nil, fmt.Errorf("encode event %d: %w", ev.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     messageKey(ev),
			Value:   value,
			Headers: []kafka.Header{{Key: "event-type", Value: []byte(ev.EventType)}},
		})
	}
	return msgs, nil
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, batch []scheduling.EventLog) error {
	msgs, err := toMessages(batch)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write kafka messages: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the log instead of a broker. Used when no
// brokers are configured.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, batch []scheduling.EventLog) error {
	for _, ev := range batch {
		env := NewEnvelope(ev)
		e := p.log.Info().Int64("event_id", env.ID).Str("type", env.Type)
		if env.AppointmentID != nil {
			e = e.Str("appointment_id", env.AppointmentID.String())
		}
		e.RawJSON("payload", payloadOrNull(env.Payload)).Msg("event")
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }

func payloadOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
