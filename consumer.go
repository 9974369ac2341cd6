package mmatebus

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/circuitbreaker"
	"github.com/glimte/mmate-bus/naming"
	"github.com/glimte/mmate-bus/outbox"
	"github.com/glimte/mmate-bus/retry"
	"github.com/glimte/mmate-bus/topology"
)

const (
	DefaultPrefetchCount   = 16
	DefaultRetryMaxBackoff = time.Minute

	headerMessageType   = "x-message-type"
	headerCorrelationID = "x-correlation-id"
	headerFault         = "x-fault"
)

// Consumer handles messages of type T
type Consumer[T any] interface {
	Consume(ctx context.Context, msg *ConsumeContext[T]) error
}

// ConsumerFunc adapts a function to Consumer. Function consumers have no
// type name of their own, so their queue is named after the message.
type ConsumerFunc[T any] func(ctx context.Context, msg *ConsumeContext[T]) error

func (f ConsumerFunc[T]) Consume(ctx context.Context, msg *ConsumeContext[T]) error {
	return f(ctx, msg)
}

// ConsumeContext carries a decoded message and its delivery metadata
type ConsumeContext[T any] struct {
	Message       T
	MessageID     string
	CorrelationID string
	MessageType   string
	ReplyTo       string
	Headers       amqp.Table
	Redelivered   bool
	Timestamp     time.Time
	Queue         string

	bus *Bus
}

// Respond sends res to the requester. It fails with ErrNoReplyAddress when
// the message was not sent as a request.
func (c *ConsumeContext[T]) Respond(ctx context.Context, res any) error {
	if c.ReplyTo == "" {
		return ErrNoReplyAddress
	}
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return c.bus.reply(ctx, c.ReplyTo, c.CorrelationID, naming.FromReflect(reflect.TypeOf(res)), body, "")
}

// RespondFault tells the requester the request failed
func (c *ConsumeContext[T]) RespondFault(ctx context.Context, cause error) error {
	if c.ReplyTo == "" {
		return ErrNoReplyAddress
	}
	return c.bus.reply(ctx, c.ReplyTo, c.CorrelationID, naming.Type{}, nil, cause.Error())
}

// ConsumerConfiguration holds per-consumer overrides. Zero values fall back
// to the bus configuration and the endpoint convention.
type ConsumerConfiguration struct {
	// ConcurrencyLimit caps messages handled at once; 0 means one
	ConcurrencyLimit int
	// PrefetchCount is the QoS window; 0 uses the endpoint mapping or DefaultPrefetchCount
	PrefetchCount int

	// RetryAttempts enables an in-process retry policy for this consumer
	// that replaces the bus-wide one
	RetryAttempts int
	RetryDelay    time.Duration
	UseBackoff    bool

	QueueName    string
	ExchangeName string
	RoutingKey   string
	// Durable defaults to true
	Durable    *bool
	AutoDelete bool

	MessageTTL           time.Duration
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	PriorityQueue        bool
	MaxPriority          uint8

	ConsumerTag string
	// RequeueOnFailure returns failed messages to the queue instead of dead-lettering them
	RequeueOnFailure bool
	// ProcessingTimeout bounds a single handler invocation
	ProcessingTimeout time.Duration
}

func (c ConsumerConfiguration) validate() error {
	switch {
	case c.ConcurrencyLimit < 0:
		return fmt.Errorf("%w: concurrency limit must not be negative", ErrInvalidConfiguration)
	case c.PrefetchCount < 0:
		return fmt.Errorf("%w: prefetch count must not be negative", ErrInvalidConfiguration)
	case c.RetryAttempts < 0 || c.RetryDelay < 0:
		return fmt.Errorf("%w: retry attempts and delay must not be negative", ErrInvalidConfiguration)
	case c.MessageTTL < 0 || c.ProcessingTimeout < 0:
		return fmt.Errorf("%w: message TTL and processing timeout must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

func (c ConsumerConfiguration) settings() *topology.ConsumerSettings {
	return &topology.ConsumerSettings{
		QueueName:            c.QueueName,
		ExchangeName:         c.ExchangeName,
		RoutingKey:           c.RoutingKey,
		Durable:              c.Durable,
		AutoDelete:           c.AutoDelete,
		MessageTTL:           c.MessageTTL,
		DeadLetterExchange:   c.DeadLetterExchange,
		DeadLetterRoutingKey: c.DeadLetterRoutingKey,
		EnablePriority:       c.PriorityQueue,
		MaxPriority:          c.MaxPriority,
	}
}

// retryPolicy builds the consumer's own policy, or nil when it has none
func (c ConsumerConfiguration) retryPolicy() (*retry.Policy, error) {
	switch {
	case c.RetryAttempts == 0:
		return nil, nil
	case c.RetryDelay == 0:
		return retry.Immediate(c.RetryAttempts)
	case c.UseBackoff:
		return retry.Exponential(c.RetryAttempts, c.RetryDelay, max(c.RetryDelay, DefaultRetryMaxBackoff))
	default:
		return retry.Interval(c.RetryAttempts, c.RetryDelay)
	}
}

// ConsumerOption configures a consumer registration
type ConsumerOption func(*ConsumerConfiguration)

// WithConsumerConfiguration replaces the whole configuration
func WithConsumerConfiguration(cfg ConsumerConfiguration) ConsumerOption {
	return func(c *ConsumerConfiguration) {
		*c = cfg
	}
}

// WithConcurrency sets how many messages are handled at once
func WithConcurrency(n int) ConsumerOption {
	return func(c *ConsumerConfiguration) {
		c.ConcurrencyLimit = n
	}
}

// WithPrefetch sets the QoS prefetch count
func WithPrefetch(n int) ConsumerOption {
	return func(c *ConsumerConfiguration) {
		c.PrefetchCount = n
	}
}

// WithQueue sets the queue name
func WithQueue(name string) ConsumerOption {
	return func(c *ConsumerConfiguration) {
		c.QueueName = name
	}
}

// WithConsumerRetry retries the handler attempts times, delay apart or with
// exponential backoff from delay
func WithConsumerRetry(attempts int, delay time.Duration, backoff bool) ConsumerOption {
	return func(c *ConsumerConfiguration) {
		c.RetryAttempts = attempts
		c.RetryDelay = delay
		c.UseBackoff = backoff
	}
}

// WithRequeueOnFailure returns failed messages to the queue
func WithRequeueOnFailure() ConsumerOption {
	return func(c *ConsumerConfiguration) {
		c.RequeueOnFailure = true
	}
}

// WithProcessingTimeout bounds each handler invocation
func WithProcessingTimeout(d time.Duration) ConsumerOption {
	return func(c *ConsumerConfiguration) {
		c.ProcessingTimeout = d
	}
}

// ConsumerInfo describes a registered consumer
type ConsumerInfo struct {
	Consumer      naming.Type
	Message       naming.Type
	Queue         string
	Configuration ConsumerConfiguration
}

type consumerKey struct {
	consumer naming.Type
	message  naming.Type
}

type consumerRegistration struct {
	consumer naming.Type
	message  naming.Type
	config   ConsumerConfiguration

	retry   *retry.Policy
	breaker *circuitbreaker.Policy
	// bind decodes a delivery into a call of the consumer
	bind func(b *Bus, queue string, d amqp.Delivery) (func(ctx context.Context) error, error)
}

// AddConsumer registers consumer for messages of type T
func AddConsumer[T any](consumer Consumer[T], options ...ConsumerOption) Option {
	return func(b *builder) {
		if consumer == nil {
			b.fail(fmt.Errorf("%w: consumer for %s is nil", ErrInvalidConfiguration, naming.TypeOf[T]()))
			return
		}

		reg := &consumerRegistration{message: naming.TypeOf[T]()}
		if _, isFunc := consumer.(ConsumerFunc[T]); !isFunc {
			reg.consumer = naming.FromReflect(reflect.TypeOf(consumer))
		}
		for _, opt := range options {
			opt(&reg.config)
		}

		reg.bind = func(bus *Bus, queue string, d amqp.Delivery) (func(ctx context.Context) error, error) {
			msg, err := decode[T](queue, d)
			if err != nil {
				return nil, err
			}
			msg.bus = bus
			return func(ctx context.Context) error {
				return consumer.Consume(ctx, msg)
			}, nil
		}
		b.consumers = append(b.consumers, reg)
	}
}

func (r *consumerRegistration) key() consumerKey {
	return consumerKey{consumer: r.consumer, message: r.message}
}

func (r *consumerRegistration) prepare(cfg *Configuration) error {
	if err := r.config.validate(); err != nil {
		return fmt.Errorf("consumer %s: %w", r.label(), err)
	}

	policy, err := r.config.retryPolicy()
	if err != nil {
		return fmt.Errorf("consumer %s: %w", r.label(), err)
	}
	if policy == nil {
		policy = cfg.retry
	}
	r.retry = policy
	r.breaker = cfg.breaker
	return nil
}

func (r *consumerRegistration) label() string {
	if r.consumer.IsZero() {
		return r.message.String()
	}
	return r.consumer.String()
}

func (r *consumerRegistration) binding() topology.ConsumerBinding {
	return topology.ConsumerBinding{
		Consumer: r.consumer,
		Message:  r.message,
		Settings: r.config.settings(),
	}
}

// queue resolves the consumer queue in the same order topology declares it:
// consumer mapping, configured name, message mapping, then the formatter
func (r *consumerRegistration) queue(c *topology.EndpointConvention) string {
	if !r.consumer.IsZero() {
		if info, ok := c.Endpoint(r.consumer); ok && info.QueueName != "" {
			return info.QueueName
		}
	}
	if r.config.QueueName != "" {
		return r.config.QueueName
	}
	if info, ok := c.Endpoint(r.message); ok && info.QueueName != "" {
		return info.QueueName
	}
	return c.Formatter().FormatConsumerQueueName(r.consumer, r.message)
}

func (r *consumerRegistration) prefetch(c *topology.EndpointConvention) int {
	if r.config.PrefetchCount > 0 {
		return r.config.PrefetchCount
	}
	for _, t := range []naming.Type{r.consumer, r.message} {
		if info, ok := c.Endpoint(t); ok && info.PrefetchCount > 0 {
			return info.PrefetchCount
		}
	}
	return DefaultPrefetchCount
}

func (r *consumerRegistration) info(c *topology.EndpointConvention) ConsumerInfo {
	return ConsumerInfo{
		Consumer:      r.consumer,
		Message:       r.message,
		Queue:         r.queue(c),
		Configuration: r.config,
	}
}

// run decodes one delivery and executes the consumer under the processing
// timeout, breaker and retry policy, innermost first. Undecodable messages
// are not retried.
func (r *consumerRegistration) run(ctx context.Context, b *Bus, breaker *circuitbreaker.Breaker, queue string, d amqp.Delivery) error {
	consume, err := r.bind(b, queue, d)
	if err != nil {
		return err
	}

	attempt := func(ctx context.Context) error {
		if r.config.ProcessingTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.config.ProcessingTimeout)
			defer cancel()
		}
		if breaker == nil {
			return consume(ctx)
		}
		return breaker.Execute(ctx, func() error {
			return consume(ctx)
		})
	}

	return retry.Do(ctx, r.retry, attempt)
}

func decode[T any](queue string, d amqp.Delivery) (*ConsumeContext[T], error) {
	body := d.Body
	if d.ContentEncoding != "" {
		var err error
		body, err = outbox.Decompress(d.ContentEncoding, body)
		if err != nil {
			return nil, &DecodeError{Queue: queue, MessageType: naming.TypeOf[T]().String(), Err: err}
		}
	}

	msg := &ConsumeContext[T]{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		MessageType:   d.Type,
		ReplyTo:       d.ReplyTo,
		Headers:       d.Headers,
		Redelivered:   d.Redelivered,
		Timestamp:     d.Timestamp,
		Queue:         queue,
	}
	if msg.CorrelationID == "" {
		if id, ok := d.Headers[headerCorrelationID].(string); ok {
			msg.CorrelationID = id
		}
	}
	if err := json.Unmarshal(body, &msg.Message); err != nil {
		return nil, &DecodeError{Queue: queue, MessageType: naming.TypeOf[T]().String(), Err: err}
	}
	return msg, nil
}
