package notify

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// StatusRoutingKey is the routing key for every status message.
const StatusRoutingKey = "video.status"

// AMQP publishes persistent status messages to a topic exchange.
type AMQP struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

// DialAMQP connects, opens a channel and declares the exchange.
func DialAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}
	return &AMQP{conn: conn, channel: ch, exchange: exchange, routingKey: StatusRoutingKey}, nil
}

func (a *AMQP) Name() string { return "amqp" }

func (a *AMQP) PublishStatus(ctx context.Context, msg StatusMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	return a.channel.PublishWithContext(ctx,
		a.exchange,
		a.routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    msg.VideoID + ":" + string(msg.Status),
		},
	)
}

// Close closes the channel and the connection.
func (a *AMQP) Close() error {
	if err := a.channel.Close(); err != nil {
		a.conn.Close()
		return err
	}
	return a.conn.Close()
}
