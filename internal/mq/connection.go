package mq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection wraps RabbitMQ connection
type Connection struct {
	conn *amqp.Connection
}

// NewConnection dials RabbitMQ and ties the connection to the fx lifecycle
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url, connectionName string) (*Connection, error) {
	logger.Info("attempting to connect to RabbitMQ...")

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(connectionName)

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, fmt.Errorf("cannot connect to RabbitMQ, check that it is running and RABBITMQ_URL is correct: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			logger.Error("rabbitmq connection lost", zap.String("reason", amqpErr.Reason), zap.Int("code", amqpErr.Code))
		}
	}()

	mqConn := &Connection{conn: conn}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("rabbitmq connection established successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if conn.IsClosed() {
				return nil
			}
			if err := conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return mqConn, nil
}

// Channel creates a new RabbitMQ channel
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}
