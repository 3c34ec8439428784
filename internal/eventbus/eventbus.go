// Package eventbus publishes message lifecycle transitions to other
// services. Publishing is best effort; the messaging core never waits on
// a consumer.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const producer = "parley"

// Routing keys, one per transition.
const (
	KeyMessageCreated   = "message.created.v1"
	KeyMessageEdited    = "message.edited.v1"
	KeyMessageDeleted   = "message.deleted.v1"
	KeyMessageDelivered = "message.delivered.v1"
	KeyMessageRead      = "message.read.v1"
	KeyReactionAdded    = "reaction.added.v1"
	KeyReactionRemoved  = "reaction.removed.v1"
)

type Meta struct {
	ID       string    `json:"id"`
	Producer string    `json:"producer"`
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// MessageEvent describes a transition without carrying message content.
type MessageEvent struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	ActorID    string `json:"actor_id"`
	Kind       string `json:"kind,omitempty"`
	Reaction   string `json:"reaction,omitempty"`
}

func NewEnvelope(key string, at time.Time, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: producer,
			Time:     at.UTC(),
			Type:     key,
		},
		Data: data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// Noop discards every event. It is used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, Envelope) error { return nil }
func (Noop) Close() error                                    { return nil }

type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
}

// NewAMQP connects to the broker and declares a durable topic exchange.
func NewAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	msg, err := publishing(env)
	if err != nil {
		return err
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		return err
	}
	slog.Debug("eventbus: published", "key", key, "exchange", p.exchange, "event_id", env.Meta.ID)
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

func publishing(env Envelope) (amqp091.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	id := env.Meta.ID
	if id == "" {
		id = uuid.NewString()
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    id,
		Timestamp:    env.Meta.Time,
		Type:         env.Meta.Type,
		AppId:        producer,
		Body:         body,
	}, nil
}
