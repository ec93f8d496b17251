package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
)

// Disposition tells the consumer what to do with a delivery after handling.
type Disposition int

const (
	Ack Disposition = iota
	// Requeue returns the delivery for another attempt.
	Requeue
	// Reject drops the delivery, or dead-letters it when the queue has a
	// dead-letter exchange.
	Reject
)

type Handler func(ctx context.Context, msg amqp091.Delivery) Disposition

type Consumer struct {
	conn     *amqp091.Connection
	queue    string
	prefetch int
	logger   *slog.Logger
}

// NewRabbitConsumer declares a durable queue bound to exchange with the
// given routing key.
func NewRabbitConsumer(url, exchange, queue, routingKey string, prefetch int, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		exchange,
		amqp091.ExchangeTopic,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(
		queue,
		routingKey,
		exchange,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind queue %s: %w", queue, err)
	}

	if prefetch <= 0 {
		prefetch = 32
	}
	return &Consumer{
		conn:     conn,
		queue:    queue,
		prefetch: prefetch,
		logger:   logger,
	}, nil
}

// Start consumes until ctx is cancelled or the channel closes. Deliveries
// are acknowledged manually according to the handler's disposition.
func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume queue: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ch.Cancel("", false)
		ch.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info("consumer channel closed", "queue", c.queue)
				return nil
			}
			c.settle(msg, handler(ctx, msg))
		}
	}
}

func (c *Consumer) settle(msg amqp091.Delivery, d Disposition) {
	var err error
	switch d {
	case Ack:
		err = msg.Ack(false)
	case Requeue:
		err = msg.Nack(false, true)
	default:
		err = msg.Nack(false, false)
	}
	if err != nil {
		c.logger.Warn("settle delivery", "queue", c.queue, "message_id", msg.MessageId, "err", err)
	}
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}
