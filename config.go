package mmatebus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/circuitbreaker"
	"github.com/glimte/mmate-bus/naming"
	"github.com/glimte/mmate-bus/outbox"
	"github.com/glimte/mmate-bus/outbox/pgstore"
	"github.com/glimte/mmate-bus/retry"
	"github.com/glimte/mmate-bus/topology"
)

const (
	DefaultChannelPoolSize = 10
	DefaultConfirmTimeout  = 5 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
)

// HostSettings describes the broker connection
type HostSettings struct {
	URL            string
	ConnectionName string
	VirtualHost    string
	Heartbeat      time.Duration
	// ChannelPoolSize caps the channels used for publishing and topology
	ChannelPoolSize int
	ConfirmTimeout  time.Duration
	// ReconnectPolicy paces re-dialing after the connection drops; nil uses
	// exponential backoff with jitter and no attempt limit
	ReconnectPolicy *retry.Policy
}

// HostOption configures HostSettings
type HostOption func(*HostSettings)

// WithConnectionName sets the client connection name shown by the broker
func WithConnectionName(name string) HostOption {
	return func(h *HostSettings) {
		h.ConnectionName = name
	}
}

// WithVirtualHost overrides the virtual host of the URL
func WithVirtualHost(vhost string) HostOption {
	return func(h *HostSettings) {
		h.VirtualHost = vhost
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(d time.Duration) HostOption {
	return func(h *HostSettings) {
		h.Heartbeat = d
	}
}

// WithChannelPoolSize sets the publishing channel pool size
func WithChannelPoolSize(n int) HostOption {
	return func(h *HostSettings) {
		h.ChannelPoolSize = n
	}
}

// WithConfirmTimeout bounds the wait for publisher confirms
func WithConfirmTimeout(d time.Duration) HostOption {
	return func(h *HostSettings) {
		h.ConfirmTimeout = d
	}
}

// WithReconnectPolicy sets the reconnect backoff
func WithReconnectPolicy(p *retry.Policy) HostOption {
	return func(h *HostSettings) {
		h.ReconnectPolicy = p
	}
}

// OutboxKind selects where outbox messages are stored
type OutboxKind int

const (
	OutboxNone OutboxKind = iota
	OutboxInMemory
	OutboxSQL
)

func (k OutboxKind) String() string {
	switch k {
	case OutboxInMemory:
		return "in-memory"
	case OutboxSQL:
		return "sql"
	default:
		return "none"
	}
}

// OutboxSettings is the configured outbox, if any
type OutboxSettings struct {
	Kind    OutboxKind
	Options outbox.Options
	DB      pgstore.Querier
	Table   string
}

// Option configures the bus. Options are applied in order by Build.
type Option func(*builder)

type builder struct {
	host     *HostSettings
	logger   *slog.Logger
	naming   []naming.Option
	routing  []naming.RoutingOption
	topology topology.Options
	autoBind bool

	endpoints      []func(*topology.EndpointConvention)
	messages       []func(*topology.Registry)
	retry          *retry.Policy
	breaker        *circuitbreaker.Policy
	outbox         OutboxSettings
	consumers      []*consumerRegistration
	requestClients []*requestRegistration
	sagas          []*sagaRegistration

	errs []error
}

func (b *builder) fail(err error) {
	b.errs = append(b.errs, err)
}

// Host sets the broker URL. It is required.
func Host(url string, options ...HostOption) Option {
	return func(b *builder) {
		h := &HostSettings{
			URL:             url,
			ChannelPoolSize: DefaultChannelPoolSize,
			ConfirmTimeout:  DefaultConfirmTimeout,
		}
		for _, opt := range options {
			opt(h)
		}
		b.host = h
	}
}

// WithLogger sets the logger shared by every component of the bus
func WithLogger(logger *slog.Logger) Option {
	return func(b *builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithNaming configures the entity name formatter
func WithNaming(options ...naming.Option) Option {
	return func(b *builder) {
		b.naming = append(b.naming, options...)
	}
}

// WithRoutingKeys configures the routing key convention
func WithRoutingKeys(options ...naming.RoutingOption) Option {
	return func(b *builder) {
		b.routing = append(b.routing, options...)
	}
}

// ConfigureEndpoints runs configure against the endpoint convention once it
// is built, typically to map message types to explicit names
func ConfigureEndpoints(configure func(*topology.EndpointConvention)) Option {
	return func(b *builder) {
		if configure != nil {
			b.endpoints = append(b.endpoints, configure)
		}
	}
}

// WithMessageTopology registers the exchange settings of message type T
func WithMessageTopology[T any](mt topology.MessageTopology) Option {
	return func(b *builder) {
		b.messages = append(b.messages, func(r *topology.Registry) {
			topology.RegisterOf[T](r, mt)
		})
	}
}

// WithAutoBinding declares consumer topology on start. With continueOnError
// a consumer whose topology fails is logged and not started.
func WithAutoBinding(continueOnError bool) Option {
	return func(b *builder) {
		b.autoBind = true
		b.topology.ContinueOnError = continueOnError
	}
}

// WithoutAutoBinding leaves topology to the operator
func WithoutAutoBinding() Option {
	return func(b *builder) {
		b.autoBind = false
	}
}

// WithDeadLetter toggles dead-letter exchange and queue declaration
func WithDeadLetter(enabled bool) Option {
	return func(b *builder) {
		b.topology.ConfigureDeadLetter = enabled
	}
}

// WithDefaultMessageTTL sets the TTL of consumer queues that set none
func WithDefaultMessageTTL(ttl time.Duration) Option {
	return func(b *builder) {
		b.topology.DefaultMessageTTL = ttl
	}
}

// WithPriorityQueues declares every consumer queue as a priority queue
func WithPriorityQueues(maxPriority uint8) Option {
	return func(b *builder) {
		b.topology.EnablePriority = true
		b.topology.MaxPriority = maxPriority
	}
}

// UseRetry sets the retry policy of consumers that do not configure their own
func UseRetry(policy *retry.Policy) Option {
	return func(b *builder) {
		b.retry = policy
	}
}

// UseCircuitBreaker guards every consumer with a breaker built from policy
func UseCircuitBreaker(policy *circuitbreaker.Policy) Option {
	return func(b *builder) {
		b.breaker = policy
	}
}

// UseInMemoryOutbox routes Publish through a process-local outbox
func UseInMemoryOutbox(opts outbox.Options) Option {
	return func(b *builder) {
		b.outbox = OutboxSettings{Kind: OutboxInMemory, Options: opts}
	}
}

// UseSQLOutbox routes Publish through a PostgreSQL outbox table. table may
// be empty for the default name.
func UseSQLOutbox(db pgstore.Querier, opts outbox.Options, table string) Option {
	return func(b *builder) {
		b.outbox = OutboxSettings{Kind: OutboxSQL, Options: opts, DB: db, Table: table}
	}
}

// Configuration is the validated result of Build. It is read-only.
type Configuration struct {
	host        HostSettings
	logger      *slog.Logger
	conventions *topology.EndpointConvention
	topology    topology.Options
	autoBind    bool
	retry       *retry.Policy
	breaker     *circuitbreaker.Policy
	outbox      OutboxSettings

	consumers      []*consumerRegistration
	requestClients map[naming.Type]*requestRegistration
	sagas          map[naming.Type]*sagaRegistration
}

// Build applies options and validates the result
func Build(options ...Option) (*Configuration, error) {
	b := &builder{
		logger:   slog.Default(),
		topology: topology.DefaultOptions(),
		autoBind: true,
	}
	b.topology.ContinueOnError = false
	for _, opt := range options {
		opt(b)
	}

	if b.host == nil || b.host.URL == "" {
		b.fail(fmt.Errorf("%w: host is required", ErrInvalidConfiguration))
	} else {
		if _, err := amqp.ParseURI(b.host.URL); err != nil {
			b.fail(fmt.Errorf("%w: host url: %v", ErrInvalidConfiguration, err))
		}
		if b.host.ChannelPoolSize < 1 {
			b.fail(fmt.Errorf("%w: channel pool size must be at least 1", ErrInvalidConfiguration))
		}
	}

	switch b.outbox.Kind {
	case OutboxSQL:
		if b.outbox.DB == nil {
			b.fail(fmt.Errorf("%w: SQL outbox requires a database", ErrInvalidConfiguration))
		}
		fallthrough
	case OutboxInMemory:
		if err := b.outbox.Options.Validate(); err != nil {
			b.fail(err)
		}
	}

	registry := topology.NewRegistry()
	for _, register := range b.messages {
		register(registry)
	}
	conventions := topology.NewEndpointConvention(
		topology.WithFormatter(naming.NewFormatter(b.naming...)),
		topology.WithRoutingConvention(naming.NewRoutingKeyConvention(b.routing...)),
		topology.WithRegistry(registry),
	)
	for _, configure := range b.endpoints {
		configure(conventions)
	}

	cfg := &Configuration{
		logger:         b.logger,
		conventions:    conventions,
		topology:       b.topology,
		autoBind:       b.autoBind,
		retry:          b.retry,
		breaker:        b.breaker,
		outbox:         b.outbox,
		requestClients: make(map[naming.Type]*requestRegistration),
		sagas:          make(map[naming.Type]*sagaRegistration),
	}
	if b.host != nil {
		cfg.host = *b.host
	}

	seen := make(map[consumerKey]bool)
	queues := make(map[string]bool)
	for _, reg := range b.consumers {
		if seen[reg.key()] {
			b.fail(fmt.Errorf("%w: %s for %s", ErrDuplicateConsumer, reg.label(), reg.message))
			continue
		}
		seen[reg.key()] = true
		q := reg.queue(conventions)
		if queues[q] {
			b.fail(fmt.Errorf("%w: queue %s is used by another consumer", ErrDuplicateConsumer, q))
			continue
		}
		queues[q] = true
		if err := reg.prepare(cfg); err != nil {
			b.fail(err)
			continue
		}
		cfg.consumers = append(cfg.consumers, reg)
	}

	for _, reg := range b.requestClients {
		if _, ok := cfg.requestClients[reg.request]; ok {
			b.fail(fmt.Errorf("%w: %s", ErrDuplicateRequestClient, reg.request))
			continue
		}
		if reg.config.Timeout <= 0 {
			b.fail(fmt.Errorf("%w: request timeout for %s must be positive", ErrInvalidConfiguration, reg.request))
			continue
		}
		cfg.requestClients[reg.request] = reg
	}

	for _, reg := range b.sagas {
		if _, ok := cfg.sagas[reg.instance]; ok {
			b.fail(fmt.Errorf("%w: %s", ErrDuplicateSaga, reg.instance))
			continue
		}
		if err := reg.prepare(cfg.logger); err != nil {
			b.fail(fmt.Errorf("saga %s: %w", reg.instance, err))
			continue
		}
		cfg.sagas[reg.instance] = reg
	}

	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return cfg, nil
}

// Host returns the broker settings
func (c *Configuration) Host() HostSettings { return c.host }

// Logger returns the shared logger
func (c *Configuration) Logger() *slog.Logger { return c.logger }

// Conventions returns the endpoint convention used to resolve names
func (c *Configuration) Conventions() *topology.EndpointConvention { return c.conventions }

// TopologyOptions returns the options consumer queues are declared with
func (c *Configuration) TopologyOptions() topology.Options { return c.topology }

// AutoBinding reports whether topology is declared on start
func (c *Configuration) AutoBinding() bool { return c.autoBind }

// RetryPolicy returns the bus-wide retry policy, or nil
func (c *Configuration) RetryPolicy() *retry.Policy { return c.retry }

// CircuitBreakerPolicy returns the consumer breaker policy, or nil
func (c *Configuration) CircuitBreakerPolicy() *circuitbreaker.Policy { return c.breaker }

// Outbox returns the outbox settings and whether an outbox is configured
func (c *Configuration) Outbox() (OutboxSettings, bool) {
	return c.outbox, c.outbox.Kind != OutboxNone
}

// Consumers describes the registered consumers in registration order
func (c *Configuration) Consumers() []ConsumerInfo {
	out := make([]ConsumerInfo, 0, len(c.consumers))
	for _, reg := range c.consumers {
		out = append(out, reg.info(c.conventions))
	}
	return out
}

// Consumer returns the configuration of the consumer registered for message.
// consumer is zero for function consumers.
func (c *Configuration) Consumer(consumer, message naming.Type) (ConsumerConfiguration, bool) {
	for _, reg := range c.consumers {
		if reg.consumer == consumer && reg.message == message {
			return reg.config, true
		}
	}
	return ConsumerConfiguration{}, false
}

// RequestClients returns the request types with a registered client
func (c *Configuration) RequestClients() map[naming.Type]RequestClientConfiguration {
	out := make(map[naming.Type]RequestClientConfiguration, len(c.requestClients))
	for t, reg := range c.requestClients {
		out[t] = reg.config
	}
	return out
}

// Sagas returns the registered saga instance types
func (c *Configuration) Sagas() []naming.Type {
	out := make([]naming.Type, 0, len(c.sagas))
	for t := range c.sagas {
		out = append(out, t)
	}
	return out
}

func (c *Configuration) topologyBuilder() *topology.Builder {
	return topology.NewBuilder(
		topology.WithConventions(c.conventions),
		topology.WithOptions(c.topology),
		topology.WithLogger(c.logger),
	)
}
