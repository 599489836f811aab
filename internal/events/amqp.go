package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/config"
)

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// AMQPSource consumes messages from a queue and publishes them as events.
// The routing key names the event as <Object>.<action> and the body is the
// JSON payload.
type AMQPSource struct {
	cfg       config.AMQPConfig
	publisher Publisher
	backoff   time.Duration
}

// NewAMQPSource creates a source publishing into p.
func NewAMQPSource(cfg config.AMQPConfig, p Publisher) *AMQPSource {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	if cfg.BindingKey == "" {
		cfg.BindingKey = "#"
	}
	return &AMQPSource{cfg: cfg, publisher: p, backoff: time.Second}
}

// Run consumes until ctx is cancelled, reconnecting when the broker
// connection drops.
func (s *AMQPSource) Run(ctx context.Context) error {
	delay := s.backoff
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("AMQP consumer disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (s *AMQPSource) consume(ctx context.Context) error {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := s.declare(ch); err != nil {
		return err
	}

	msgs, err := ch.ConsumeWithContext(ctx, s.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("registering consumer: %w", err)
	}

	log.Info().
		Str("queue", s.cfg.Queue).
		Str("exchange", s.cfg.Exchange).
		Str("binding_key", s.cfg.BindingKey).
		Msg("AMQP consumer started")

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr := <-closed:
			if aerr == nil {
				return errors.New("connection closed")
			}
			return aerr
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *AMQPSource) declare(ch *amqp.Channel) error {
	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(s.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", s.cfg.Queue, err)
	}
	if s.cfg.Exchange == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(s.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", s.cfg.Exchange, err)
	}
	if err := ch.QueueBind(s.cfg.Queue, s.cfg.BindingKey, s.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %s: %w", s.cfg.Queue, err)
	}
	return nil
}

// handle publishes one delivery. Malformed messages are rejected without
// requeue; publish failures are requeued.
func (s *AMQPSource) handle(ctx context.Context, msg amqp.Delivery) {
	event, err := decodeDelivery(msg)
	if err != nil {
		log.Warn().
			Err(err).
			Str("routing_key", msg.RoutingKey).
			Msg("Rejecting malformed AMQP message")
		_ = msg.Nack(false, false)
		return
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", event.Name()).
			Msg("Failed to publish AMQP message")
		_ = msg.Nack(false, !errors.Is(err, ErrInvalidEvent))
		return
	}
	_ = msg.Ack(false)
}

func decodeDelivery(msg amqp.Delivery) (*Event, error) {
	object, action, ok := strings.Cut(msg.RoutingKey, ".")
	if !ok || object == "" || action == "" {
		return nil, fmt.Errorf("%w: routing key %q is not <Object>.<action>", ErrInvalidEvent, msg.RoutingKey)
	}

	payload := map[string]any{}
	if body := strings.TrimSpace(string(msg.Body)); body != "" {
		if err := json.Unmarshal(msg.Body, &payload); err != nil {
			return nil, fmt.Errorf("%w: body is not a JSON object: %v", ErrInvalidEvent, err)
		}
	}

	requestID := msg.CorrelationId
	if requestID == "" {
		requestID = msg.MessageId
	}

	return &Event{
		Object:    object,
		Action:    action,
		Payload:   payload,
		Source:    SourceAMQP,
		RequestID: requestID,
	}, nil
}
