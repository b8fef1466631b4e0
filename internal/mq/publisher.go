package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/smartplug-ingest-worker/internal/db"
	"go.uber.org/zap"
)

// Channel is the subset of *amqp.Channel used by Publisher
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher handles reading event publishing to RabbitMQ
type Publisher struct {
	channel    Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher on its own channel
func NewPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	return newPublisher(ch, exchange, routingKey, logger)
}

func newPublisher(ch Channel, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// ReadingEvent is published after a reading has been stored
type ReadingEvent struct {
	EventID      string  `json:"event_id"`
	FriendlyName string  `json:"friendly_name"`
	Timestamp    string  `json:"timestamp"`
	Current      float64 `json:"current"`
	Energy       float64 `json:"energy"`
	Power        int     `json:"power"`
	Voltage      int     `json:"voltage"`
	Synthetic    bool    `json:"synthetic"`
}

// NewReadingEvent builds the event for a stored reading
func NewReadingEvent(reading db.Reading, synthetic bool) ReadingEvent {
	return ReadingEvent{
		EventID:      uuid.NewString(),
		FriendlyName: reading.FriendlyName,
		Timestamp:    time.Unix(reading.Timestamp, 0).UTC().Format(time.RFC3339),
		Current:      reading.Current,
		Energy:       reading.Energy,
		Power:        reading.Power,
		Voltage:      reading.Voltage,
		Synthetic:    synthetic,
	}
}

// PublishReading publishes a stored reading event
func (p *Publisher) PublishReading(ctx context.Context, reading db.Reading, synthetic bool) error {
	event := NewReadingEvent(reading, synthetic)

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.EventID,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published reading event",
		zap.String("routing_key", p.routingKey),
		zap.String("friendly_name", event.FriendlyName),
		zap.Bool("synthetic", synthetic),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
