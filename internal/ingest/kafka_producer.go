package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-session/internal/models"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.DriverPosition) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.UID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// KafkaTripBus publishes trips keyed by id and gives every subscriber its
// own reader starting at the tail of the topic.
type KafkaTripBus struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
	logger  *slog.Logger
}

func NewKafkaTripBus(brokers []string, topic string, logger *slog.Logger) *KafkaTripBus {
	return &KafkaTripBus{
		brokers: brokers,
		topic:   topic,
		writer:  &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}},
		logger:  logger,
	}
}

func (k *KafkaTripBus) PublishTrip(ctx context.Context, t models.Trip) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := EncodeTrip(t)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(t.ID), Value: b})
}

func (k *KafkaTripBus) SubscribeTrips(ctx context.Context) (<-chan models.Trip, error) {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: k.brokers, Topic: k.topic, MinBytes: 1, MaxBytes: 10e6})
	if err := r.SetOffset(kafka.LastOffset); err != nil {
		_ = r.Close()
		return nil, err
	}
	out := make(chan models.Trip, 64)
	go func() {
		defer close(out)
		defer r.Close()
		backoff := time.Second
		const maxBackoff = 30 * time.Second
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				k.logger.Warn("kafka trip read failed", "error", err, "backoff", backoff.String())
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second
			t, err := DecodeTrip(m.Value)
			if err != nil {
				k.logger.Error("dropping malformed trip message", "error", err, "offset", m.Offset)
				continue
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (k *KafkaTripBus) Close() error { return k.writer.Close() }
