package ingest

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-session/internal/models"
)

// AMQPTripBus publishes trips to a fanout exchange; each subscriber binds an
// exclusive auto-delete queue.
type AMQPTripBus struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	exchange string
	logger   *slog.Logger
}

func NewAMQPTripBus(url, exchange string, logger *slog.Logger) (*AMQPTripBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", exchange, err)
	}
	return &AMQPTripBus{conn: conn, pub: ch, exchange: exchange, logger: logger}, nil
}

func (a *AMQPTripBus) PublishTrip(ctx context.Context, t models.Trip) error {
	b, err := EncodeTrip(t)
	if err != nil {
		return err
	}
	return a.pub.PublishWithContext(ctx, a.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   t.ID,
		Body:        b,
	})
}

func (a *AMQPTripBus) SubscribeTrips(ctx context.Context) (<-chan models.Trip, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", a.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp bind: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp consume: %w", err)
	}
	out := make(chan models.Trip, 64)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				t, err := DecodeTrip(d.Body)
				if err != nil {
					a.logger.Error("dropping malformed trip delivery", "error", err, "message_id", d.MessageId)
					continue
				}
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *AMQPTripBus) Close() error {
	_ = a.pub.Close()
	return a.conn.Close()
}
