// Package broker owns the connection to the message broker. A single Manager
// per process establishes the connection with bounded retry and hands the
// shared Channel to the consumer and the publisher.
package broker

import (
	"context"
	"time"
)

// Channel is an open session on the broker. Implementations exist for
// RabbitMQ (AMQP 0-9-1), Kafka and an in-process broker.
type Channel interface {
	// DeclareQueue makes sure a durable queue exists.
	DeclareQueue(ctx context.Context, name string) error

	// Consume starts delivering messages from queue. Each Delivery must be
	// acknowledged or rejected exactly once. The returned channel is closed
	// when ctx is cancelled or the session ends.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	// Publish hands msg to the broker and returns once the broker accepted
	// it. It never waits for consumption.
	Publish(ctx context.Context, queue string, msg Message) error

	// NotifyClose yields an error if the session is lost and is closed
	// without a value after a graceful Close.
	NotifyClose() <-chan error

	Close() error
}

// Dialer opens a new Channel.
type Dialer func(ctx context.Context) (Channel, error)

// Message is an outbound message.
type Message struct {
	ID          string
	Body        []byte
	ContentType string
	// Persistent asks the broker to keep the message across a restart.
	Persistent bool
	Timestamp  time.Time
}

// Delivery is an inbound message awaiting acknowledgement.
type Delivery struct {
	Queue       string
	MessageID   string
	Body        []byte
	Redelivered bool

	ack    func() error
	reject func(requeue bool) error
}

// NewDelivery builds a Delivery whose Ack and Reject call the given functions.
func NewDelivery(queue, messageID string, body []byte, redelivered bool, ack func() error, reject func(requeue bool) error) Delivery {
	return Delivery{
		Queue:       queue,
		MessageID:   messageID,
		Body:        body,
		Redelivered: redelivered,
		ack:         ack,
		reject:      reject,
	}
}

// Ack confirms the message was processed.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Reject refuses the message. With requeue the broker may redeliver it;
// without, it is discarded (or dead-lettered, depending on broker policy).
func (d Delivery) Reject(requeue bool) error {
	if d.reject == nil {
		return nil
	}
	return d.reject(requeue)
}
