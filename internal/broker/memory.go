package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Rejection records a rejected message in a MemoryBroker.
type Rejection struct {
	Queue     string
	MessageID string
	Requeue   bool
}

type memMessage struct {
	id          string
	body        []byte
	redelivered bool
}

type memQueue struct {
	items  []memMessage
	signal chan struct{}
}

// MemoryBroker is an in-process broker with durable-queue semantics for a
// single process: messages survive channel reconnects, rejected messages can
// be requeued at the head of their queue. It backs the "memory" broker
// setting and the package tests.
type MemoryBroker struct {
	mu        sync.Mutex
	queues    map[string]*memQueue
	channels  map[*memoryChannel]struct{}
	failDials int
	dials     int

	acked    []string
	rejected []Rejection
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:   make(map[string]*memQueue),
		channels: make(map[*memoryChannel]struct{}),
	}
}

// Dial implements Dialer.
func (b *MemoryBroker) Dial(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, errors.New("memory broker: connection refused")
	}

	ch := &memoryChannel{
		broker: b,
		done:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	b.channels[ch] = struct{}{}
	return ch, nil
}

// FailNextDials makes the next n Dial calls fail.
func (b *MemoryBroker) FailNextDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// Dials returns how many times Dial was called.
func (b *MemoryBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Sever drops every open channel as if the broker connection was lost.
func (b *MemoryBroker) Sever(cause error) {
	b.mu.Lock()
	chans := make([]*memoryChannel, 0, len(b.channels))
	for ch := range b.channels {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		ch.terminate(cause)
	}
}

// Acked returns the ids of acknowledged messages in ack order.
func (b *MemoryBroker) Acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

// Rejected returns every rejection in order.
func (b *MemoryBroker) Rejected() []Rejection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Rejection(nil), b.rejected...)
}

// Pending returns the number of undelivered messages in queue.
func (b *MemoryBroker) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.items)
	}
	return 0
}

// Declared reports whether queue was declared or published to.
func (b *MemoryBroker) Declared(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[queue]
	return ok
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{signal: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) push(name string, m memMessage, front bool) {
	b.mu.Lock()
	q := b.queue(name)
	if front {
		q.items = append([]memMessage{m}, q.items...)
	} else {
		q.items = append(q.items, m)
	}
	b.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) pop(name string) (memMessage, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(name)
	if len(q.items) == 0 {
		return memMessage{}, q.signal, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, q.signal, true
}

type memoryChannel struct {
	broker    *MemoryBroker
	done      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *memoryChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *memoryChannel) DeclareQueue(_ context.Context, name string) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.broker.mu.Lock()
	c.broker.queue(name)
	c.broker.mu.Unlock()
	return nil
}

func (c *memoryChannel) Publish(ctx context.Context, queue string, msg Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	body := append([]byte(nil), msg.Body...)
	c.broker.push(queue, memMessage{id: id, body: body}, false)
	return nil
}

func (c *memoryChannel) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			m, signal, ok := c.broker.pop(queue)
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-c.closed:
					return
				case <-signal:
					continue
				}
			}

			d := c.delivery(queue, m)
			select {
			case out <- d:
			case <-ctx.Done():
				c.broker.push(queue, m, true)
				return
			case <-c.closed:
				c.broker.push(queue, m, true)
				return
			}
		}
	}()
	return out, nil
}

func (c *memoryChannel) delivery(queue string, m memMessage) Delivery {
	var once sync.Once

	ack := func() error {
		err := ErrAlreadySettled
		once.Do(func() {
			c.broker.mu.Lock()
			c.broker.acked = append(c.broker.acked, m.id)
			c.broker.mu.Unlock()
			err = nil
		})
		return err
	}
	reject := func(requeue bool) error {
		err := ErrAlreadySettled
		once.Do(func() {
			c.broker.mu.Lock()
			c.broker.rejected = append(c.broker.rejected, Rejection{Queue: queue, MessageID: m.id, Requeue: requeue})
			c.broker.mu.Unlock()
			if requeue {
				c.broker.push(queue, memMessage{id: m.id, body: m.body, redelivered: true}, true)
			}
			err = nil
		})
		return err
	}
	return NewDelivery(queue, m.id, m.body, m.redelivered, ack, reject)
}

func (c *memoryChannel) NotifyClose() <-chan error {
	return c.done
}

func (c *memoryChannel) Close() error {
	c.terminate(nil)
	return nil
}

func (c *memoryChannel) terminate(cause error) {
	c.closeOnce.Do(func() {
		c.broker.mu.Lock()
		delete(c.broker.channels, c)
		c.broker.mu.Unlock()

		close(c.closed)
		if cause != nil {
			c.done <- cause
		}
		close(c.done)
	})
}
