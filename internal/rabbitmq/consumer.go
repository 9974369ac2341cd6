package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. A nil error acks the delivery; an error
// rejects it, without requeue unless the subscription asks for it, so the
// broker dead-letters it.
type Handler func(ctx context.Context, d amqp.Delivery) error

// Subscription describes one queue consumer
type Subscription struct {
	Queue       string
	ConsumerTag string
	Prefetch    int
	Exclusive   bool
	// Concurrency caps the deliveries handled at once; values below 2 handle
	// them one at a time
	Concurrency int
	// Requeue returns failed deliveries to the queue instead of dead-lettering them
	Requeue bool
}

// Consumer runs queue subscriptions on dedicated channels
type Consumer struct {
	source ChannelSource
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*running
	wg     sync.WaitGroup
}

type running struct {
	ch     *amqp.Channel
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a consumer over source
func NewConsumer(source ChannelSource, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		source: source,
		logger: logger,
		active: make(map[string]*running),
	}
}

// Subscribe starts delivering messages from sub.Queue to h until Unsubscribe
// or Close. ctx only carries values to the handler.
func (c *Consumer) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[sub.Queue]; ok {
		return &ConsumerError{Queue: sub.Queue, Op: "subscribe", Err: ErrConsumerExists}
	}

	conn, err := c.source.Connection()
	if err != nil {
		return &ConsumerError{Queue: sub.Queue, Op: "subscribe", Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		return &ConsumerError{Queue: sub.Queue, Op: "open channel", Err: err}
	}
	if sub.Prefetch > 0 {
		if err := ch.Qos(sub.Prefetch, 0, false); err != nil {
			ch.Close()
			return &ConsumerError{Queue: sub.Queue, Op: "qos", Err: err}
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	deliveries, err := ch.ConsumeWithContext(runCtx, sub.Queue, sub.ConsumerTag, false, sub.Exclusive, false, false, nil)
	if err != nil {
		cancel()
		ch.Close()
		return &ConsumerError{Queue: sub.Queue, Op: "consume", Err: err}
	}

	r := &running{ch: ch, cancel: cancel, done: make(chan struct{})}
	c.active[sub.Queue] = r

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(r.done)
		c.loop(runCtx, sub, deliveries, h)

		c.mu.Lock()
		if c.active[sub.Queue] == r {
			delete(c.active, sub.Queue)
		}
		c.mu.Unlock()
		ch.Close()
	}()

	c.logger.Info("Subscribed to queue", "queue", sub.Queue, "prefetch", sub.Prefetch)
	return nil
}

func (c *Consumer) loop(ctx context.Context, sub Subscription, deliveries <-chan amqp.Delivery, h Handler) {
	var inflight sync.WaitGroup
	defer inflight.Wait()

	var slots chan struct{}
	if sub.Concurrency > 1 {
		slots = make(chan struct{}, sub.Concurrency)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("Delivery channel closed", "queue", sub.Queue)
				return
			}
			if slots == nil {
				c.dispatch(ctx, sub, d, h)
				continue
			}

			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				// not acked, the broker redelivers it once the channel closes
				return
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer func() { <-slots }()
				c.dispatch(ctx, sub, d, h)
			}()
		}
	}
}

// dispatch runs h and settles the delivery. Panics count as failures.
func (c *Consumer) dispatch(ctx context.Context, sub Subscription, d amqp.Delivery, h Handler) {
	queue := sub.Queue
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("rabbitmq: handler panic: %v", r)
			}
		}()
		return h(ctx, d)
	}()

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ack message", "queue", queue, "messageId", d.MessageId, "error", ackErr)
		}
		return
	}

	c.logger.Error("Message handling failed",
		"queue", queue,
		"messageId", d.MessageId,
		"requeue", sub.Requeue,
		"error", err)
	if nackErr := d.Nack(false, sub.Requeue); nackErr != nil {
		c.logger.Error("Failed to reject message", "queue", queue, "messageId", d.MessageId, "error", nackErr)
	}
}

// Unsubscribe stops the consumer on queue and waits for its in-flight message
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	r, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return &ConsumerError{Queue: queue, Op: "unsubscribe", Err: ErrNoConsumer}
	}

	r.cancel()
	<-r.done
	return nil
}

// Queues returns the queues with an active consumer
func (c *Consumer) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}

// Close stops every subscription and waits for them to finish
func (c *Consumer) Close() error {
	c.mu.Lock()
	for _, r := range c.active {
		r.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}
