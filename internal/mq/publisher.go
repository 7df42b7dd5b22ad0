package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	conn       *Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher for the events exchange
func NewPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareTopicExchange(ch, exchange); err != nil {
		ch.Close()
		return nil, err
	}

	return &Publisher{
		conn:       conn,
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// ReadingAcceptedEvent is published once per reading after its write commits
type ReadingAcceptedEvent struct {
	EventID      string    `json:"event_id"`
	RequestID    string    `json:"request_id,omitempty"`
	TenantID     string    `json:"tenant_id"`
	DeviceKey    string    `json:"device_key"`
	ReadingID    string    `json:"reading_id"`
	PowerWatts   float64   `json:"power_watts"`
	ObservedAt   time.Time `json:"observed_at"`
	IngestedAt   time.Time `json:"ingested_at"`
	HourStart    time.Time `json:"hour_start"`
	SubmissionID string    `json:"submission_id,omitempty"`
	Spike        bool      `json:"spike"`
	SpikeReason  string    `json:"spike_reason,omitempty"`
}

// PublishReadingAccepted publishes an accepted reading event
func (p *Publisher) PublishReadingAccepted(ctx context.Context, event ReadingAcceptedEvent) error {
	body, err := encodeEvent(event)
	if err != nil {
		return err
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
			Timestamp:    event.IngestedAt,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published reading accepted event",
		zap.String("routing_key", p.routingKey),
		zap.String("tenant_id", event.TenantID),
		zap.String("device_key", event.DeviceKey),
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

func encodeEvent(event ReadingAcceptedEvent) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return body, nil
}

func declareTopicExchange(ch *amqp.Channel, exchange string) error {
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
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}
