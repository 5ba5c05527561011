package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig holds configuration for the RabbitMQ transport.
type AMQPConfig struct {
	URL string
	// Prefetch bounds unacknowledged deliveries per consumer. Zero means 1.
	Prefetch int
}

// AMQPTransport dials RabbitMQ.
type AMQPTransport struct {
	config AMQPConfig
}

// NewAMQPTransport validates cfg and returns a transport whose Dial method
// is a Dialer.
func NewAMQPTransport(cfg AMQPConfig) (*AMQPTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("an AMQP URL is required")
	}
	if _, err := amqp.ParseURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse AMQP URL: %w", err)
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &AMQPTransport{config: cfg}, nil
}

// Dial opens a connection and a single channel on it.
func (t *AMQPTransport) Dial(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(t.config.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(t.config.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	c := &amqpChannel{
		conn: conn,
		ch:   ch,
		done: make(chan error, 1),
	}
	go c.watch()
	return c, nil
}

type amqpChannel struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	done chan error

	// amqp091 channels must not publish from several goroutines at once.
	pubMu sync.Mutex
}

func (c *amqpChannel) watch() {
	connClosed := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := c.ch.NotifyClose(make(chan *amqp.Error, 1))

	var cause *amqp.Error
	select {
	case cause = <-connClosed:
	case cause = <-chClosed:
	}
	if cause != nil {
		c.done <- cause
	}
	close(c.done)
}

func (c *amqpChannel) DeclareQueue(_ context.Context, name string) error {
	if _, err := c.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

func (c *amqpChannel) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	deliveries, err := c.ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			delivery := NewDelivery(queue, d.MessageId, d.Body, d.Redelivered,
				func() error { return d.Ack(false) },
				func(requeue bool) error { return d.Reject(requeue) },
			)
			select {
			case out <- delivery:
			case <-ctx.Done():
				// Unacked deliveries return to the queue when the consumer is
				// cancelled; drain until the library closes the stream.
				for range deliveries {
				}
				return
			}
		}
	}()
	return out, nil
}

func (c *amqpChannel) Publish(ctx context.Context, queue string, msg Message) error {
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	err := c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: mode,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	})
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (c *amqpChannel) NotifyClose() <-chan error {
	return c.done
}

func (c *amqpChannel) Close() error {
	chErr := c.ch.Close()
	connErr := c.conn.Close()
	if errors.Is(chErr, amqp.ErrClosed) {
		chErr = nil
	}
	if errors.Is(connErr, amqp.ErrClosed) {
		connErr = nil
	}
	return errors.Join(chErr, connErr)
}
