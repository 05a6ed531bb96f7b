package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/ride-realtime/internal/models"
	"github.com/segmentio/kafka-go"
)

// KafkaProducer exports position telemetry and trip lifecycle events for the
// analytics collaborator. Both topics are keyed by trip id so per-trip
// ordering survives partitioning.
type KafkaProducer struct {
	positions *kafka.Writer
	events    *kafka.Writer
}

func NewKafkaProducer(brokers []string, positionTopic, eventTopic string) *KafkaProducer {
	return &KafkaProducer{
		positions: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: positionTopic, Balancer: &kafka.LeastBytes{}}),
		events:    kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventTopic, Balancer: &kafka.LeastBytes{}}),
	}
}

func (k *KafkaProducer) PublishPosition(ev models.PositionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.positions.WriteMessages(ctx, kafka.Message{Key: []byte(ev.TripID), Value: b})
}

func (k *KafkaProducer) PublishTripEvent(ev models.TripEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.events.WriteMessages(ctx, kafka.Message{Key: []byte(ev.TripID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.positions != nil {
		_ = k.positions.Close()
	}
	if k.events != nil {
		return k.events.Close()
	}
	return nil
}
