package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Message is one broker publication. RoutingKey doubles as the message type.
type Message struct {
	RoutingKey string
	MessageID  string
	Body       []byte
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type RabbitPublisher struct {
	conn     *amqp091.Connection
	exchange string
}

// NewRabbitPublisher declares a durable topic exchange so consumers can bind
// to the event types they care about.
func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
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

	return &RabbitPublisher{conn: conn, exchange: exchange}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	return ch.PublishWithContext(ctx, p.exchange, msg.RoutingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.MessageID,
		Type:         msg.RoutingKey,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	})
}

func (p *RabbitPublisher) Close() error {
	return p.conn.Close()
}
