package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultKafkaGroup        = "notification-service"
	defaultKafkaFetchBackoff = time.Second
)

// KafkaConfig holds configuration for the Kafka transport.
type KafkaConfig struct {
	Brokers       []string // list of broker addresses
	ConsumerGroup string   // consumer group ID
	// FetchBackoff is the pause after a failed fetch. Zero means one second.
	FetchBackoff time.Duration
}

// KafkaTransport maps queues onto Kafka topics consumed by one consumer
// group. Each topic has one record in flight. Ack commits its offset and
// Reject without requeue commits as well so poison messages are skipped.
// Reject with requeue hands the same record out again before anything later
// is fetched, so no commit can move past it.
type KafkaTransport struct {
	config KafkaConfig
	log    *slog.Logger
}

// NewKafkaTransport validates cfg and returns a transport whose Dial method
// is a Dialer.
func NewKafkaTransport(cfg KafkaConfig, log *slog.Logger) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = defaultKafkaGroup
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = defaultKafkaFetchBackoff
	}
	return &KafkaTransport{config: cfg, log: log.With(slog.String("component", "kafka"))}, nil
}

// Dial checks that the first broker is reachable and prepares a shared writer.
func (t *KafkaTransport) Dial(ctx context.Context) (Channel, error) {
	conn, err := kafka.DialContext(ctx, "tcp", t.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("dial kafka: %w", err)
	}
	conn.Close()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(t.config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &kafkaChannel{
		config: t.config,
		log:    t.log,
		writer: writer,
		done:   make(chan error, 1),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// kafkaReader is the part of *kafka.Reader the consume loop uses.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaChannel struct {
	config KafkaConfig
	log    *slog.Logger
	writer *kafka.Writer
	done   chan error

	mu      sync.Mutex
	readers []kafkaReader
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func (c *kafkaChannel) DeclareQueue(ctx context.Context, name string) error {
	conn, err := kafka.DialContext(ctx, "tcp", c.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find kafka controller: %w", err)
	}
	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial kafka controller: %w", err)
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             name,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", name, err)
	}
	return nil
}

func (c *kafkaChannel) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.config.Brokers,
		Topic:    queue,
		GroupID:  c.config.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	out := make(chan Delivery)
	go c.consumeLoop(ctx, queue, reader, out)
	return out, nil
}

func (c *kafkaChannel) consumeLoop(ctx context.Context, queue string, reader kafkaReader, out chan<- Delivery) {
	defer close(out)
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.log.Error("kafka fetch failed", "topic", queue, "error", err)
			if !sleepCtx(ctx, c.config.FetchBackoff) {
				return
			}
			continue
		}
		if !c.deliverUntilSettled(ctx, queue, reader, msg, out) {
			return
		}
	}
}

// deliverUntilSettled hands msg to the consumer and waits for it to be acked
// or dropped. A requeue hands the same record out again. It reports false
// when ctx ended first.
func (c *kafkaChannel) deliverUntilSettled(ctx context.Context, queue string, reader kafkaReader, msg kafka.Message, out chan<- Delivery) bool {
	id := messageID(msg)
	for redelivered := false; ; redelivered = true {
		requeued := make(chan bool, 1)
		var once sync.Once
		commit := func() error { return reader.CommitMessages(c.ctx, msg) }

		d := NewDelivery(queue, id, msg.Value, redelivered,
			func() error {
				err := ErrAlreadySettled
				once.Do(func() {
					err = commit()
					requeued <- false
				})
				return err
			},
			func(requeue bool) error {
				err := ErrAlreadySettled
				once.Do(func() {
					err = nil
					if !requeue {
						err = commit()
					}
					requeued <- requeue
				})
				return err
			},
		)

		select {
		case out <- d:
		case <-ctx.Done():
			return false
		}
		select {
		case again := <-requeued:
			if !again {
				return true
			}
			c.log.Debug("redelivering kafka record", "topic", queue, "partition", msg.Partition, "offset", msg.Offset)
		case <-ctx.Done():
			return false
		}
	}
}

// messageID prefers the publisher's message-id header. Records without one
// are identified by their position, which is stable across redelivery.
func messageID(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == "message-id" && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *kafkaChannel) Publish(ctx context.Context, queue string, msg Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	// Kafka persists every record; Persistent only affects AMQP.
	err := c.writer.WriteMessages(ctx, kafka.Message{
		Topic: queue,
		Key:   []byte(msg.ID),
		Value: msg.Body,
		Time:  msg.Timestamp,
		Headers: []kafka.Header{
			{Key: "message-id", Value: []byte(msg.ID)},
			{Key: "content-type", Value: []byte(msg.ContentType)},
		},
	})
	if err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// NotifyClose only reports graceful closes; kafka-go reconnects internally.
func (c *kafkaChannel) NotifyClose() <-chan error {
	return c.done
}

func (c *kafkaChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	var firstErr error
	for _, r := range c.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	close(c.done)
	return firstErr
}
