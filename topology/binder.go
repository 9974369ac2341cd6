package topology

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/naming"
)

// ConsumerSettings are the per-consumer overrides that affect topology
type ConsumerSettings struct {
	QueueName    string
	ExchangeName string
	RoutingKey   string

	// Durable defaults to true when nil
	Durable    *bool
	AutoDelete bool
	Exclusive  bool

	MessageTTL           time.Duration
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	EnablePriority       bool
	MaxPriority          uint8
}

// ConsumerBinding pairs a consumer type with the message type it consumes
type ConsumerBinding struct {
	Consumer naming.Type
	Message  naming.Type
	Settings *ConsumerSettings
}

// ConsumerBindingInfo describes the topology declared for a consumer
type ConsumerBindingInfo struct {
	Consumer       *naming.Type
	Message        naming.Type
	QueueName      string
	ExchangeName   string
	ExchangeType   string
	RoutingKey     string
	QueueArguments amqp.Table
}

// MessageBindingInfo describes the topology declared for a message type
type MessageBindingInfo struct {
	Message      naming.Type
	ExchangeName string
	ExchangeType string
	RoutingKey   string
}

// AutoBinder declares topology from explicit consumer/message registrations
type AutoBinder struct {
	builder *Builder
}

// NewAutoBinder creates an auto binder on top of a builder
func NewAutoBinder(builder *Builder) *AutoBinder {
	if builder == nil {
		builder = NewBuilder()
	}
	return &AutoBinder{builder: builder}
}

// BindConsumer declares the exchange, queue and binding for one consumer.
// Unlike Builder.ConfigureConsumer it fails when the message type is missing.
func (a *AutoBinder) BindConsumer(ctx context.Context, ch Channel, binding ConsumerBinding) (ConsumerBindingInfo, error) {
	if binding.Message.IsZero() {
		return ConsumerBindingInfo{}, fmt.Errorf("%w: consumer %s", ErrMessageTypeUnknown, binding.Consumer)
	}
	return a.builder.bindConsumer(ctx, ch, binding)
}

// ChannelFunc runs fn on a channel. Pool-backed implementations hand each call
// a live channel, so a broker error that closes one channel leaves later
// calls unaffected.
type ChannelFunc func(ctx context.Context, fn func(Channel) error) error

// OnChannel runs every call on ch
func OnChannel(ch Channel) ChannelFunc {
	return func(_ context.Context, fn func(Channel) error) error {
		return fn(ch)
	}
}

// BindConsumers binds every registration in order, each in its own run call.
// A failed binding is logged and skipped; with ContinueOnError disabled the
// first failure stops the batch and is returned along with the bindings
// completed so far.
func (a *AutoBinder) BindConsumers(ctx context.Context, run ChannelFunc, bindings []ConsumerBinding) ([]ConsumerBindingInfo, error) {
	results := make([]ConsumerBindingInfo, 0, len(bindings))
	var errs []error

	for _, binding := range bindings {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		var info ConsumerBindingInfo
		err := run(ctx, func(ch Channel) (err error) {
			info, err = a.BindConsumer(ctx, ch, binding)
			return err
		})
		if err != nil {
			if !a.builder.opts.ContinueOnError {
				return results, err
			}
			a.builder.logger.Warn("failed to bind consumer, continuing",
				"consumer", binding.Consumer.String(),
				"message", binding.Message.String(),
				"error", err)
			errs = append(errs, err)
			continue
		}
		results = append(results, info)
	}

	a.builder.logger.Info("auto-bound consumers", "bound", len(results), "failed", len(errs))
	return results, nil
}

// BindMessage declares the exchange of a message type
func (a *AutoBinder) BindMessage(ctx context.Context, ch Channel, message naming.Type) (MessageBindingInfo, error) {
	if message.IsZero() {
		return MessageBindingInfo{}, errors.Join(ErrInvalidArgument, ErrMessageTypeUnknown)
	}

	plan := a.builder.resolveMessage(message, nil)
	info := MessageBindingInfo{
		Message:      message,
		ExchangeName: plan.exchange,
		ExchangeType: plan.kind,
		RoutingKey:   plan.routingKey,
	}
	if err := a.builder.configureMessage(ctx, ch, plan); err != nil {
		return info, err
	}
	return info, nil
}

// BindConsumerOf binds consumer C for message M
func BindConsumerOf[C, M any](ctx context.Context, a *AutoBinder, ch Channel, settings *ConsumerSettings) (ConsumerBindingInfo, error) {
	return a.BindConsumer(ctx, ch, ConsumerBinding{
		Consumer: naming.TypeOf[C](),
		Message:  naming.TypeOf[M](),
		Settings: settings,
	})
}

// BindMessageOf declares the exchange of message type M
func BindMessageOf[M any](ctx context.Context, a *AutoBinder, ch Channel) (MessageBindingInfo, error) {
	return a.BindMessage(ctx, ch, naming.TypeOf[M]())
}
