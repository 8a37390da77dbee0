package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeName = "autodebet.events"
	exchangeKind = "topic"
)

// AMQPNotifier publishes notification events to a RabbitMQ topic exchange.
// The notification service consumes them and fans out to push/SMS channels.
type AMQPNotifier struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// NewAMQPNotifier dials RabbitMQ and declares the event exchange.
func NewAMQPNotifier(amqpURL string) (*AMQPNotifier, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchangeName, exchangeKind, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPNotifier{conn: conn, channel: channel}, nil
}

// Notify publishes one event; the event type is the routing key.
func (n *AMQPNotifier) Notify(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification event: %w", err)
	}

	err = n.channel.PublishWithContext(ctx, exchangeName, event.Type, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    event.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish notification event: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		n.conn.Close()
	}
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

// NoopNotifier is used when no broker is configured; it logs and drops.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, event Event) error {
	zap.L().Info("notification dropped (no broker configured)",
		zap.String("type", event.Type),
		zap.String("account_id", event.AccountID.String()),
		zap.String("vendor", event.Vendor),
	)
	return nil
}

func (NoopNotifier) Close() {}
