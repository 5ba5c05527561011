package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/darkden-lab/notifier/internal/broker"
	"github.com/darkden-lab/notifier/internal/events"
)

// ChannelSource hands out the process-wide broker channel. *broker.Manager
// implements it.
type ChannelSource interface {
	Channel() (broker.Channel, error)
}

// Queue binds a queue name to the event kind it carries.
type Queue struct {
	Name string
	Kind events.Kind
}

// ConsumerConfig controls message handling.
type ConsumerConfig struct {
	Queues []Queue
	// MessageTimeout bounds the store write of one message. Zero disables it.
	MessageTimeout time.Duration
	// RequeueOnFailure asks the broker to redeliver a message whose store
	// write failed. Malformed messages are never requeued.
	RequeueOnFailure bool
	// RequeueDelay is waited before a message is handed back for
	// redelivery, so a store outage does not become a hot loop.
	RequeueDelay time.Duration
}

// Consumer turns queued domain events into notifications. Each queue is
// drained by its own goroutine; there is no ordering across queues.
type Consumer struct {
	source  ChannelSource
	service *Service
	cfg     ConsumerConfig
	log     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a new Consumer.
func NewConsumer(source ChannelSource, service *Service, cfg ConsumerConfig, log *slog.Logger) *Consumer {
	return &Consumer{
		source:  source,
		service: service,
		cfg:     cfg,
		log:     log.With(slog.String("component", "consumer")),
	}
}

// QueuesFromNames maps the configured kind to queue-name table onto Queues.
func QueuesFromNames(names map[string]string) []Queue {
	queues := make([]Queue, 0, len(names))
	for kind, name := range names {
		queues = append(queues, Queue{Name: name, Kind: events.Kind(kind)})
	}
	return queues
}

// Start declares every queue and subscribes to it. It returns once all
// subscriptions are established; handling runs in the background until Stop
// or until the broker session ends.
func (c *Consumer) Start(ctx context.Context) error {
	ch, err := c.source.Channel()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("consumer already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, q := range c.cfg.Queues {
		if err := ch.DeclareQueue(runCtx, q.Name); err != nil {
			cancel()
			c.wg.Wait()
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
		deliveries, err := ch.Consume(runCtx, q.Name)
		if err != nil {
			cancel()
			c.wg.Wait()
			return fmt.Errorf("consume queue %s: %w", q.Name, err)
		}

		c.wg.Add(1)
		go c.run(runCtx, q, deliveries)
		c.log.Info("waiting for messages", "queue", q.Name, "kind", q.Kind)
	}
	c.cancel = cancel
	return nil
}

// Stop cancels the subscriptions and waits for in-flight messages.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Restart resubscribes on the current broker channel. Used after the
// connection manager re-established a lost session.
func (c *Consumer) Restart(ctx context.Context) error {
	c.Stop()
	return c.Start(ctx)
}

func (c *Consumer) run(ctx context.Context, q Queue, deliveries <-chan broker.Delivery) {
	defer c.wg.Done()
	for d := range deliveries {
		c.handle(ctx, q, d)
	}
	c.log.Info("stopped consuming", "queue", q.Name)
}

func (c *Consumer) handle(ctx context.Context, q Queue, d broker.Delivery) {
	log := c.log.With("queue", q.Name, "message_id", d.MessageID)

	ev, err := events.Decode(q.Kind, d.MessageID, d.Body)
	if err != nil {
		log.Warn("discarding invalid message", "error", err)
		if err := d.Reject(false); err != nil {
			log.Error("reject failed", "error", err)
		}
		return
	}

	createCtx := ctx
	if c.cfg.MessageTimeout > 0 {
		var cancel context.CancelFunc
		createCtx, cancel = context.WithTimeout(ctx, c.cfg.MessageTimeout)
		defer cancel()
	}

	n, created, err := c.service.Create(createCtx, CreateParams{
		UserID:   ev.SubjectUserID,
		Message:  ev.Message,
		Type:     string(ev.Kind),
		SourceID: ev.MessageID,
	})
	if err != nil {
		requeue := c.cfg.RequeueOnFailure && !IsValidation(err)
		log.Error("failed to create notification", "error", err, "requeue", requeue)
		if requeue {
			c.pause(ctx)
		}
		if err := d.Reject(requeue); err != nil {
			log.Error("reject failed", "error", err)
		}
		return
	}

	if err := d.Ack(); err != nil {
		log.Error("ack failed", "error", err)
	}
	if !created {
		return
	}

	if err := c.service.Deliver(ctx, n); err != nil {
		log.Warn("real-time delivery failed", "error", err)
	}
}

// pause waits RequeueDelay or until ctx ends.
func (c *Consumer) pause(ctx context.Context) {
	if c.cfg.RequeueDelay <= 0 {
		return
	}
	t := time.NewTimer(c.cfg.RequeueDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
