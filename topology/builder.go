package topology

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/naming"
)

// Channel is the subset of *amqp.Channel used to declare topology
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueuePurge(name string, noWait bool) (int, error)
}

var _ Channel = (*amqp.Channel)(nil)

// Options controls the queue arguments derived for consumers
type Options struct {
	ConfigureDeadLetter bool
	DefaultMessageTTL   time.Duration
	EnablePriority      bool
	MaxPriority         uint8
	ContinueOnError     bool
}

// DefaultOptions enables dead-lettering and keeps batch binding going past failures
func DefaultOptions() Options {
	return Options{
		ConfigureDeadLetter: true,
		MaxPriority:         10,
		ContinueOnError:     true,
	}
}

// Builder declares exchanges, queues and bindings on a broker channel and
// derives per-message and per-consumer topology from the endpoint convention.
type Builder struct {
	conventions *EndpointConvention
	opts        Options
	logger      *slog.Logger
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithConventions sets the endpoint convention used to resolve names
func WithConventions(c *EndpointConvention) BuilderOption {
	return func(b *Builder) {
		b.conventions = c
	}
}

// WithOptions replaces the builder options
func WithOptions(opts Options) BuilderOption {
	return func(b *Builder) {
		b.opts = opts
	}
}

// WithDeadLetter toggles dead-letter exchange and queue declaration
func WithDeadLetter(enabled bool) BuilderOption {
	return func(b *Builder) {
		b.opts.ConfigureDeadLetter = enabled
	}
}

// WithDefaultMessageTTL sets the TTL for queues whose message has none
func WithDefaultMessageTTL(ttl time.Duration) BuilderOption {
	return func(b *Builder) {
		b.opts.DefaultMessageTTL = ttl
	}
}

// WithPriority declares every consumer queue as a priority queue
func WithPriority(maxPriority uint8) BuilderOption {
	return func(b *Builder) {
		b.opts.EnablePriority = true
		b.opts.MaxPriority = maxPriority
	}
}

// WithContinueOnError sets whether batch binding continues after a failure
func WithContinueOnError(enabled bool) BuilderOption {
	return func(b *Builder) {
		b.opts.ContinueOnError = enabled
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a topology builder
func NewBuilder(options ...BuilderOption) *Builder {
	b := &Builder{
		opts:   DefaultOptions(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	if b.conventions == nil {
		b.conventions = NewEndpointConvention()
	}
	return b
}

// Conventions returns the endpoint convention
func (b *Builder) Conventions() *EndpointConvention { return b.conventions }

// Options returns the builder options
func (b *Builder) Options() Options { return b.opts }

// DeclareExchange declares a single exchange
func (b *Builder) DeclareExchange(ctx context.Context, ch Channel, ex ExchangeDeclaration) error {
	if err := check(ctx, ch); err != nil {
		return err
	}
	if ex.Name == "" || ex.Type == "" {
		return invalid("exchange name and type are required")
	}

	err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, ex.Internal, false, ex.Arguments)
	if err != nil {
		return wrapErr("exchange", ex.Name, "declare", err)
	}
	b.logger.Debug("declared exchange", "exchange", ex.Name, "type", ex.Type, "durable", ex.Durable)
	return nil
}

// DeclareQueue declares a single queue
func (b *Builder) DeclareQueue(ctx context.Context, ch Channel, q QueueDeclaration) (amqp.Queue, error) {
	if err := check(ctx, ch); err != nil {
		return amqp.Queue{}, err
	}
	if q.Name == "" {
		return amqp.Queue{}, invalid("queue name is required")
	}

	queue, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments)
	if err != nil {
		return amqp.Queue{}, wrapErr("queue", q.Name, "declare", err)
	}
	b.logger.Debug("declared queue", "queue", q.Name, "durable", q.Durable, "arguments", q.Arguments)
	return queue, nil
}

// BindQueue binds a queue to an exchange
func (b *Builder) BindQueue(ctx context.Context, ch Channel, binding Binding) error {
	if err := check(ctx, ch); err != nil {
		return err
	}
	if binding.Queue == "" || binding.Exchange == "" {
		return invalid("queue and exchange are required")
	}

	if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments); err != nil {
		return wrapErr("binding", binding.Queue+"->"+binding.Exchange, "bind", err)
	}
	b.logger.Debug("bound queue", "queue", binding.Queue, "exchange", binding.Exchange, "routingKey", binding.RoutingKey)
	return nil
}

// UnbindQueue removes a queue binding
func (b *Builder) UnbindQueue(ctx context.Context, ch Channel, binding Binding) error {
	if err := check(ctx, ch); err != nil {
		return err
	}
	if binding.Queue == "" || binding.Exchange == "" {
		return invalid("queue and exchange are required")
	}

	if err := ch.QueueUnbind(binding.Queue, binding.RoutingKey, binding.Exchange, binding.Arguments); err != nil {
		return wrapErr("binding", binding.Queue+"->"+binding.Exchange, "unbind", err)
	}
	b.logger.Debug("unbound queue", "queue", binding.Queue, "exchange", binding.Exchange, "routingKey", binding.RoutingKey)
	return nil
}

// BindExchange binds a destination exchange to a source exchange
func (b *Builder) BindExchange(ctx context.Context, ch Channel, binding ExchangeBinding) error {
	if err := check(ctx, ch); err != nil {
		return err
	}
	if binding.Destination == "" || binding.Source == "" {
		return invalid("destination and source exchanges are required")
	}

	if err := ch.ExchangeBind(binding.Destination, binding.RoutingKey, binding.Source, false, binding.Arguments); err != nil {
		return wrapErr("binding", binding.Destination+"->"+binding.Source, "bind", err)
	}
	b.logger.Debug("bound exchange", "destination", binding.Destination, "source", binding.Source, "routingKey", binding.RoutingKey)
	return nil
}

// UnbindExchange removes an exchange-to-exchange binding
func (b *Builder) UnbindExchange(ctx context.Context, ch Channel, binding ExchangeBinding) error {
	if err := check(ctx, ch); err != nil {
		return err
	}
	if binding.Destination == "" || binding.Source == "" {
		return invalid("destination and source exchanges are required")
	}

	if err := ch.ExchangeUnbind(binding.Destination, binding.RoutingKey, binding.Source, false, binding.Arguments); err != nil {
		return wrapErr("binding", binding.Destination+"->"+binding.Source, "unbind", err)
	}
	b.logger.Debug("unbound exchange", "destination", binding.Destination, "source", binding.Source)
	return nil
}

// DeleteExchange deletes an exchange
func (b *Builder) DeleteExchange(ctx context.Context, ch Channel, name string, ifUnused bool) error {
	if err := check(ctx, ch); err != nil {
		return err
	}
	if name == "" {
		return invalid("exchange name is required")
	}

	if err := ch.ExchangeDelete(name, ifUnused, false); err != nil {
		return wrapErr("exchange", name, "delete", err)
	}
	b.logger.Debug("deleted exchange", "exchange", name)
	return nil
}

// DeleteQueue deletes a queue and returns the number of messages it held
func (b *Builder) DeleteQueue(ctx context.Context, ch Channel, name string, ifUnused, ifEmpty bool) (int, error) {
	if err := check(ctx, ch); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, invalid("queue name is required")
	}

	n, err := ch.QueueDelete(name, ifUnused, ifEmpty, false)
	if err != nil {
		return 0, wrapErr("queue", name, "delete", err)
	}
	b.logger.Debug("deleted queue", "queue", name, "messages", n)
	return n, nil
}

// PurgeQueue removes every ready message from a queue
func (b *Builder) PurgeQueue(ctx context.Context, ch Channel, name string) (int, error) {
	if err := check(ctx, ch); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, invalid("queue name is required")
	}

	n, err := ch.QueuePurge(name, false)
	if err != nil {
		return 0, wrapErr("queue", name, "purge", err)
	}
	b.logger.Debug("purged queue", "queue", name, "messages", n)
	return n, nil
}

// Declare applies a batch of declarations, stopping at the first failure
func (b *Builder) Declare(ctx context.Context, ch Channel, t Topology) error {
	for _, ex := range t.Exchanges {
		if err := b.DeclareExchange(ctx, ch, ex); err != nil {
			return err
		}
	}
	for _, q := range t.Queues {
		if _, err := b.DeclareQueue(ctx, ch, q); err != nil {
			return err
		}
	}
	for _, eb := range t.ExchangeBindings {
		if err := b.BindExchange(ctx, ch, eb); err != nil {
			return err
		}
	}
	for _, binding := range t.Bindings {
		if err := b.BindQueue(ctx, ch, binding); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureMessage declares the exchange of a message type and, when
// dead-lettering is enabled, its dead-letter exchange and queue.
func (b *Builder) ConfigureMessage(ctx context.Context, ch Channel, message naming.Type) error {
	if message.IsZero() {
		return invalid("message type is required")
	}
	return b.configureMessage(ctx, ch, b.resolveMessage(message, nil))
}

// ConfigureConsumer declares the full topology for a consumer: the message
// exchange, the consumer queue with its arguments, and the binding. A binding
// without a message type is logged and skipped.
func (b *Builder) ConfigureConsumer(ctx context.Context, ch Channel, binding ConsumerBinding) error {
	if binding.Message.IsZero() {
		b.logger.Warn("cannot determine message type for consumer, skipping topology",
			"consumer", binding.Consumer.String())
		return nil
	}
	_, err := b.bindConsumer(ctx, ch, binding)
	return err
}

// messagePlan is the resolved exchange side of a message type
type messagePlan struct {
	message            naming.Type
	exchange           string
	kind               string
	durable            bool
	autoDelete         bool
	arguments          amqp.Table
	routingKey         string
	deadLetterExchange string
	deadLetterQueue    string
}

func (b *Builder) resolveMessage(message naming.Type, settings *ConsumerSettings) messagePlan {
	c := b.conventions
	info, mapped := c.Endpoint(message)
	mt, registered := c.Registry().Lookup(message)
	if !registered {
		mt = DefaultMessageTopology()
	}

	plan := messagePlan{
		message:    message,
		exchange:   c.ExchangeName(message),
		kind:       mt.kind(),
		durable:    mt.Durable,
		autoDelete: mt.AutoDelete,
		arguments:  mt.ExchangeArguments,
		routingKey: c.RoutingKey(message),
	}

	if settings != nil {
		if settings.ExchangeName != "" && !(mapped && info.ExchangeName != "") {
			plan.exchange = settings.ExchangeName
		}
		if settings.RoutingKey != "" && !(mapped && info.RoutingKey != "") {
			plan.routingKey = settings.RoutingKey
		}
	}
	if mapped {
		if info.Durable != nil {
			plan.durable = *info.Durable
		}
		if info.AutoDelete != nil {
			plan.autoDelete = *info.AutoDelete
		}
	}
	if plan.kind == amqp.ExchangeFanout {
		plan.routingKey = ""
	}

	f := c.Formatter()
	plan.deadLetterExchange = f.FormatDeadLetterExchangeName(plan.exchange)
	plan.deadLetterQueue = f.FormatDeadLetterQueueName(c.QueueName(message))
	return plan
}

func (b *Builder) configureMessage(ctx context.Context, ch Channel, plan messagePlan) error {
	err := b.DeclareExchange(ctx, ch, ExchangeDeclaration{
		Name:       plan.exchange,
		Type:       plan.kind,
		Durable:    plan.durable,
		AutoDelete: plan.autoDelete,
		Arguments:  plan.arguments,
	})
	if err != nil {
		return err
	}

	if !b.opts.ConfigureDeadLetter {
		return nil
	}

	return b.Declare(ctx, ch, Topology{
		Exchanges: []ExchangeDeclaration{{Name: plan.deadLetterExchange, Type: amqp.ExchangeDirect, Durable: true}},
		Queues:    []QueueDeclaration{{Name: plan.deadLetterQueue, Durable: true}},
		Bindings: []Binding{{
			Queue:      plan.deadLetterQueue,
			Exchange:   plan.deadLetterExchange,
			RoutingKey: plan.deadLetterQueue,
		}},
	})
}

func (b *Builder) bindConsumer(ctx context.Context, ch Channel, binding ConsumerBinding) (ConsumerBindingInfo, error) {
	settings := binding.Settings
	plan := b.resolveMessage(binding.Message, settings)

	queue := b.consumerQueue(binding)
	args := b.queueArguments(plan, settings)
	durable := true
	var autoDelete, exclusive bool
	if settings != nil {
		if settings.Durable != nil {
			durable = *settings.Durable
		}
		autoDelete = settings.AutoDelete
		exclusive = settings.Exclusive
	}

	info := ConsumerBindingInfo{
		Message:        binding.Message,
		QueueName:      queue,
		ExchangeName:   plan.exchange,
		ExchangeType:   plan.kind,
		RoutingKey:     plan.routingKey,
		QueueArguments: args,
	}
	if !binding.Consumer.IsZero() {
		consumer := binding.Consumer
		info.Consumer = &consumer
	}

	if err := b.configureMessage(ctx, ch, plan); err != nil {
		return info, err
	}
	if _, err := b.DeclareQueue(ctx, ch, QueueDeclaration{
		Name:       queue,
		Durable:    durable,
		AutoDelete: autoDelete,
		Exclusive:  exclusive,
		Arguments:  args,
	}); err != nil {
		return info, err
	}

	var bindArgs amqp.Table
	if mapping, ok := b.conventions.Endpoint(binding.Message); ok {
		bindArgs = mapping.BindingArguments
	}
	if err := b.BindQueue(ctx, ch, Binding{
		Queue:      queue,
		Exchange:   plan.exchange,
		RoutingKey: plan.routingKey,
		Arguments:  bindArgs,
	}); err != nil {
		return info, err
	}

	b.logger.Info("configured consumer topology",
		"consumer", binding.Consumer.String(),
		"message", binding.Message.String(),
		"queue", queue,
		"exchange", plan.exchange,
		"routingKey", plan.routingKey)
	return info, nil
}

// consumerQueue resolves the queue name: consumer mapping, consumer settings,
// message mapping, then the naming convention
func (b *Builder) consumerQueue(binding ConsumerBinding) string {
	c := b.conventions
	if !binding.Consumer.IsZero() {
		if info, ok := c.Endpoint(binding.Consumer); ok && info.QueueName != "" {
			return info.QueueName
		}
	}
	if binding.Settings != nil && binding.Settings.QueueName != "" {
		return binding.Settings.QueueName
	}
	if info, ok := c.Endpoint(binding.Message); ok && info.QueueName != "" {
		return info.QueueName
	}
	return c.Formatter().FormatConsumerQueueName(binding.Consumer, binding.Message)
}

func (b *Builder) queueArguments(plan messagePlan, settings *ConsumerSettings) amqp.Table {
	args := amqp.Table{}
	if settings == nil {
		settings = &ConsumerSettings{}
	}

	dlx, dlk := settings.DeadLetterExchange, settings.DeadLetterRoutingKey
	if b.opts.ConfigureDeadLetter {
		if dlx == "" {
			dlx = plan.deadLetterExchange
		}
		if dlk == "" {
			dlk = plan.deadLetterQueue
		}
	}
	if dlx != "" {
		args[ArgDeadLetterExchange] = dlx
		if dlk != "" {
			args[ArgDeadLetterRoutingKey] = dlk
		}
	}

	ttl := settings.MessageTTL
	if ttl <= 0 {
		if mt, ok := b.conventions.Registry().Lookup(plan.message); ok && mt.MessageTTL > 0 {
			ttl = mt.MessageTTL
		} else {
			ttl = b.opts.DefaultMessageTTL
		}
	}
	if ttl > 0 {
		args[ArgMessageTTL] = ttl.Milliseconds()
	}

	switch {
	case settings.EnablePriority && settings.MaxPriority > 0:
		args[ArgMaxPriority] = int32(settings.MaxPriority)
	case settings.EnablePriority || b.opts.EnablePriority:
		args[ArgMaxPriority] = int32(b.opts.MaxPriority)
	}

	if len(args) == 0 {
		return nil
	}
	return args
}

func check(ctx context.Context, ch Channel) error {
	if ch == nil {
		return invalid("channel is required")
	}
	if c, ok := ch.(*amqp.Channel); ok && c == nil {
		return invalid("channel is required")
	}
	return ctx.Err()
}
