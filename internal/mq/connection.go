package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection wraps the RabbitMQ connection used for reading events
type Connection struct {
	conn   *amqp.Connection
	logger *zap.Logger
}

// NewConnection dials RabbitMQ and ties the connection to the fx lifecycle
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	logger.Info("connecting to rabbitmq for reading events")

	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, fmt.Errorf("cannot connect to rabbitmq (check RABBITMQ_URL and credentials): %w", err)
	}

	c := &Connection{conn: conn, logger: logger}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go c.watchClose(conn.NotifyClose(make(chan *amqp.Error, 1)))
			logger.Info("rabbitmq connection established")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return c.Close()
		},
	})

	return c, nil
}

// watchClose logs an unexpected broker-side close. Events are best effort,
// so the worker keeps ingesting and publishes fail until restart.
func (c *Connection) watchClose(notify <-chan *amqp.Error) {
	if amqpErr, ok := <-notify; ok && amqpErr != nil {
		c.logger.Error("rabbitmq connection closed by broker, reading events disabled",
			zap.Int("code", amqpErr.Code),
			zap.String("reason", amqpErr.Reason),
		)
	}
}

// Channel opens a new channel on the connection
func (c *Connection) Channel() (*amqp.Channel, error) {
	if c.conn.IsClosed() {
		return nil, amqp.ErrClosed
	}
	return c.conn.Channel()
}

// Close closes the connection; closing an already closed connection is a no-op
func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Error("failed to close rabbitmq connection", zap.Error(err))
		return err
	}
	c.logger.Info("rabbitmq connection closed")
	return nil
}
