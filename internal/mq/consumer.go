package mq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/metrics"
)

const defaultMaxRequeueDelay = 30 * time.Second

// MessageHandler is a function that processes a message
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer handles message consumption from RabbitMQ
type Consumer struct {
	conn             *Connection
	channel          *amqp.Channel
	queue            string
	retryQueue       string
	dlqQueue         string
	exchange         string
	routingKey       string
	prefetchCount    int
	maxRequeueDelay  time.Duration
	logger           *zap.Logger
	metrics          *metrics.Metrics
	messageProcessor MessageHandler

	// deferDelivery parks a copy of msg for delay; the original is then acked
	deferDelivery func(ctx context.Context, msg amqp.Delivery, delay time.Duration) error
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection       *Connection
	Queue            string
	DLQQueue         string
	Exchange         string
	RoutingKey       string
	PrefetchCount    int
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	MessageProcessor MessageHandler

	// RetryQueue holds deferred deliveries until their TTL dead-letters them
	// back to Queue. Defaults to Queue + ".retry".
	RetryQueue string

	// MaxRequeueDelay caps how long a throttled or failed delivery is deferred
	MaxRequeueDelay time.Duration
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Set QoS (prefetch)
	err = ch.Qos(cfg.PrefetchCount, 0, false)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareTopicExchange(ch, cfg.Exchange); err != nil {
		ch.Close()
		return nil, err
	}

	// Declare main queue
	// Try to declare with DLX, if fails due to precondition, try without DLX
	args := map[string]interface{}{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		// If queue already exists with different args, try without DLX
		cfg.Logger.Warn("failed to declare queue with DLX, trying without DLX",
			zap.Error(err))
		_, err = ch.QueueDeclare(
			cfg.Queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // no arguments
		)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to declare queue: %w", err)
		}
	}

	// Declare DLQ
	_, err = ch.QueueDeclare(
		cfg.DLQQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	if cfg.RetryQueue == "" {
		cfg.RetryQueue = cfg.Queue + ".retry"
	}
	_, err = ch.QueueDeclare(
		cfg.RetryQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": cfg.Queue,
		},
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare retry queue: %w", err)
	}

	// Bind queue to exchange
	err = ch.QueueBind(
		cfg.Queue,
		cfg.RoutingKey,
		cfg.Exchange,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	if cfg.MaxRequeueDelay <= 0 {
		cfg.MaxRequeueDelay = defaultMaxRequeueDelay
	}

	c := &Consumer{
		conn:             cfg.Connection,
		channel:          ch,
		queue:            cfg.Queue,
		retryQueue:       cfg.RetryQueue,
		dlqQueue:         cfg.DLQQueue,
		exchange:         cfg.Exchange,
		routingKey:       cfg.RoutingKey,
		prefetchCount:    cfg.PrefetchCount,
		maxRequeueDelay:  cfg.MaxRequeueDelay,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		messageProcessor: cfg.MessageProcessor,
	}
	c.deferDelivery = c.publishRetry
	return c, nil
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go c.consume(ctx, msgs)

	return nil
}

func (c *Consumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer context cancelled, stopping")
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("message channel closed")
				return
			}
			c.processMessage(ctx, msg)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	c.logger.Debug("received message from queue",
		zap.String("queue", c.queue),
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
	)

	err := c.messageProcessor(ctx, msg.Body)
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Error("failed to ACK message", zap.Error(ackErr))
			return
		}
		c.metrics.ConsumerResult("acked")
		c.logger.Info("message processed and acknowledged successfully",
			zap.String("routing_key", msg.RoutingKey),
		)
		return
	}

	requeue, delay := disposition(err, c.maxRequeueDelay)
	if !requeue {
		c.logger.Error("failed to process message, dead-lettering",
			zap.Error(err),
			zap.String("routing_key", msg.RoutingKey),
		)
		// NACK with requeue=false sends to DLQ
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		c.metrics.ConsumerResult("dead_lettered")
		return
	}

	// deferred through the retry queue so the delivery loop never waits
	if deferErr := c.deferDelivery(ctx, msg, delay); deferErr != nil {
		c.logger.Error("failed to defer message, requeueing immediately",
			zap.Error(deferErr),
			zap.String("routing_key", msg.RoutingKey),
		)
		if nackErr := msg.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to requeue message", zap.Error(nackErr))
		}
		c.metrics.ConsumerResult("requeued")
		return
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ACK deferred message", zap.Error(ackErr))
		return
	}
	c.logger.Warn("message deferred",
		zap.Error(err),
		zap.Duration("delay", delay),
		zap.String("routing_key", msg.RoutingKey),
	)
	c.metrics.ConsumerResult("deferred")
}

// publishRetry parks a copy of msg on the retry queue with a per-message TTL
func (c *Consumer) publishRetry(ctx context.Context, msg amqp.Delivery, delay time.Duration) error {
	return c.channel.PublishWithContext(ctx,
		"",
		c.retryQueue,
		false,
		false,
		amqp.Publishing{
			Headers:      msg.Headers,
			ContentType:  msg.ContentType,
			MessageId:    msg.MessageId,
			Timestamp:    msg.Timestamp,
			DeliveryMode: amqp.Persistent,
			Expiration:   strconv.FormatInt(max(delay.Milliseconds(), 1), 10),
			Body:         msg.Body,
		},
	)
}

// disposition decides whether a failed delivery is retried and after how long.
// Throttled and transient failures are retried; everything else is dead-lettered.
func disposition(err error, maxDelay time.Duration) (bool, time.Duration) {
	if tErr, ok := apperror.AsThrottled(err); ok {
		return true, min(max(tErr.RetryAfter, 0), maxDelay)
	}
	if apperror.IsRetryable(err) {
		return true, min(time.Second, maxDelay)
	}
	return false, 0
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
