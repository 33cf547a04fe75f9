package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/clinicflow/internal/delivery"
	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

// DefaultExchange is the topic exchange notification gateways consume from.
const DefaultExchange = "clinicflow.notifications"

// AMQPSender publishes payloads to a RabbitMQ topic exchange with publisher
// confirms. The destination path is the routing key, so
// "amqp://rabbitmq:5672/notifications.sms" publishes with routing key
// "notifications.sms".
type AMQPSender struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewAMQPSender dials RabbitMQ and declares the exchange.
func NewAMQPSender(brokerURL, exchange string, logger *slog.Logger) (*AMQPSender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	logger.Info("RabbitMQ notification sender connected", "exchange", exchange)

	return &AMQPSender{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// Send publishes payload and waits for the broker to confirm it.
func (s *AMQPSender) Send(ctx context.Context, destination string, payload delivery.Payload) error {
	routingKey, err := RoutingKey(destination)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	s.mu.Lock()
	confirm, err := s.channel.PublishWithDeferredConfirmWithContext(ctx,
		s.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now(),
			MessageId:     payload.MessageID,
			CorrelationId: payload.RequestID,
			Type:          string(payload.Kind),
			Body:          body,
		},
	)
	s.mu.Unlock()
	if err != nil {
		return classifyAMQPError(err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("%w: broker rejected message %s", domain.ErrTransient, payload.MessageID)
	}

	s.logger.DebugContext(ctx, "notification published",
		"routing_key", routingKey,
		"message_id", payload.MessageID,
	)
	return nil
}

// Close closes the channel and connection.
func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			s.logger.Warn("error closing channel", "error", err)
		}
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// RoutingKey extracts the routing key from an amqp:// destination.
func RoutingKey(destination string) (string, error) {
	u, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", delivery.ErrInvalidDestination, destination, err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("%w: %q is not an amqp destination", delivery.ErrInvalidDestination, destination)
	}
	key := strings.Trim(u.Path, "/")
	if key == "" {
		return "", fmt.Errorf("%w: %q has no routing key", delivery.ErrInvalidDestination, destination)
	}
	return key, nil
}

// classifyAMQPError marks channel and connection failures as transient so
// the transport retries them.
func classifyAMQPError(err error) error {
	var amqpErr *amqp.Error
	if errors.Is(err, amqp.ErrClosed) || (errors.As(err, &amqpErr) && amqpErr.Recover) {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return err
}
