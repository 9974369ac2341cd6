package topology

import (
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/naming"
)

// EndpointInfo holds explicit name overrides for a message or consumer type.
// Empty fields fall through to the message topology and then the naming convention.
type EndpointInfo struct {
	ExchangeName     string
	QueueName        string
	RoutingKey       string
	BindingArguments amqp.Table
	Durable          *bool
	AutoDelete       *bool
	PrefetchCount    int
}

// EndpointConvention resolves exchange, queue and routing key names. Resolution
// order is: explicit mapping, registered MessageTopology, naming convention.
// It is read on every topology resolution and is safe for concurrent use.
type EndpointConvention struct {
	mappings  sync.Map   // naming.Type -> EndpointInfo
	writeMu   sync.Mutex // serialises Map against removals
	formatter atomic.Pointer[naming.Formatter]
	routing   atomic.Pointer[naming.RoutingKeyConvention]
	registry  *Registry
}

// ConventionOption configures an EndpointConvention
type ConventionOption func(*EndpointConvention)

// WithFormatter sets the endpoint name formatter
func WithFormatter(f *naming.Formatter) ConventionOption {
	return func(c *EndpointConvention) {
		c.formatter.Store(f)
	}
}

// WithRoutingConvention sets the routing key convention
func WithRoutingConvention(r *naming.RoutingKeyConvention) ConventionOption {
	return func(c *EndpointConvention) {
		c.routing.Store(r)
	}
}

// WithRegistry sets the message topology registry consulted before the convention
func WithRegistry(r *Registry) ConventionOption {
	return func(c *EndpointConvention) {
		c.registry = r
	}
}

// NewEndpointConvention creates a convention with default naming and no mappings
func NewEndpointConvention(options ...ConventionOption) *EndpointConvention {
	c := &EndpointConvention{}
	c.formatter.Store(naming.NewFormatter())
	c.routing.Store(naming.NewRoutingKeyConvention())
	for _, opt := range options {
		opt(c)
	}
	if c.registry == nil {
		c.registry = NewRegistry()
	}
	return c
}

// Formatter returns the current name formatter
func (c *EndpointConvention) Formatter() *naming.Formatter { return c.formatter.Load() }

// SetFormatter replaces the name formatter
func (c *EndpointConvention) SetFormatter(f *naming.Formatter) { c.formatter.Store(f) }

// RoutingConvention returns the current routing key convention
func (c *EndpointConvention) RoutingConvention() *naming.RoutingKeyConvention {
	return c.routing.Load()
}

// SetRoutingConvention replaces the routing key convention
func (c *EndpointConvention) SetRoutingConvention(r *naming.RoutingKeyConvention) {
	c.routing.Store(r)
}

// Registry returns the message topology registry
func (c *EndpointConvention) Registry() *Registry { return c.registry }

// Map creates or updates the mapping of t
func (c *EndpointConvention) Map(t naming.Type, configure func(*EndpointInfo)) error {
	if t.IsZero() {
		return invalid("type is required")
	}
	if configure == nil {
		return invalid("configure function is required")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	info, _ := c.Endpoint(t)
	configure(&info)
	c.mappings.Store(t, info)
	return nil
}

// MapToExchange maps t to an exchange and, optionally, a routing key
func (c *EndpointConvention) MapToExchange(t naming.Type, exchange string, routingKey ...string) error {
	if exchange == "" {
		return invalid("exchange name is required")
	}
	return c.Map(t, func(info *EndpointInfo) {
		info.ExchangeName = exchange
		if len(routingKey) > 0 {
			info.RoutingKey = routingKey[0]
		}
	})
}

// MapToQueue maps t to a queue
func (c *EndpointConvention) MapToQueue(t naming.Type, queue string) error {
	if queue == "" {
		return invalid("queue name is required")
	}
	return c.Map(t, func(info *EndpointInfo) {
		info.QueueName = queue
	})
}

// Endpoint returns the explicit mapping of t
func (c *EndpointConvention) Endpoint(t naming.Type) (EndpointInfo, bool) {
	v, ok := c.mappings.Load(t)
	if !ok {
		return EndpointInfo{}, false
	}
	return v.(EndpointInfo), true
}

// Unmap removes the mapping of t and reports whether one existed
func (c *EndpointConvention) Unmap(t naming.Type) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, ok := c.mappings.LoadAndDelete(t)
	return ok
}

// ClearMappings removes every mapping
func (c *EndpointConvention) ClearMappings() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mappings.Range(func(k, _ any) bool {
		c.mappings.Delete(k)
		return true
	})
}

// Reset removes every mapping and restores the default formatter and routing convention
func (c *EndpointConvention) Reset() {
	c.ClearMappings()
	c.formatter.Store(naming.NewFormatter())
	c.routing.Store(naming.NewRoutingKeyConvention())
}

// Mappings returns a snapshot of every explicit mapping
func (c *EndpointConvention) Mappings() map[naming.Type]EndpointInfo {
	out := make(map[naming.Type]EndpointInfo)
	c.mappings.Range(func(k, v any) bool {
		out[k.(naming.Type)] = v.(EndpointInfo)
		return true
	})
	return out
}

// ExchangeName resolves the exchange a message type is published to
func (c *EndpointConvention) ExchangeName(t naming.Type) string {
	if info, ok := c.Endpoint(t); ok && info.ExchangeName != "" {
		return info.ExchangeName
	}
	if mt, ok := c.registry.Lookup(t); ok && mt.ExchangeName != "" {
		return mt.ExchangeName
	}
	return c.Formatter().FormatExchangeName(t)
}

// ExchangeType resolves the exchange kind of a message type; topic unless registered otherwise
func (c *EndpointConvention) ExchangeType(t naming.Type) string {
	if mt, ok := c.registry.Lookup(t); ok {
		return mt.kind()
	}
	return amqp.ExchangeTopic
}

// RoutingKey resolves the routing key of a message type. Messages on a fanout
// exchange always resolve to the empty key.
func (c *EndpointConvention) RoutingKey(t naming.Type) string {
	mt, registered := c.registry.Lookup(t)
	if registered && mt.kind() == amqp.ExchangeFanout {
		return ""
	}
	if info, ok := c.Endpoint(t); ok && info.RoutingKey != "" {
		return info.RoutingKey
	}
	if registered && mt.RoutingKey != "" {
		return mt.RoutingKey
	}
	return c.RoutingConvention().RoutingKey(t)
}

// QueueName resolves the queue name of a message or consumer type
func (c *EndpointConvention) QueueName(t naming.Type) string {
	if info, ok := c.Endpoint(t); ok && info.QueueName != "" {
		return info.QueueName
	}
	return c.Formatter().FormatQueueName(t)
}

// ExchangeNameOf resolves the exchange of message type T
func ExchangeNameOf[T any](c *EndpointConvention) string {
	return c.ExchangeName(naming.TypeOf[T]())
}

// RoutingKeyOf resolves the routing key of message type T
func RoutingKeyOf[T any](c *EndpointConvention) string {
	return c.RoutingKey(naming.TypeOf[T]())
}

// QueueNameOf resolves the queue of message or consumer type T
func QueueNameOf[T any](c *EndpointConvention) string {
	return c.QueueName(naming.TypeOf[T]())
}

// MapOf creates or updates the mapping of type T
func MapOf[T any](c *EndpointConvention, configure func(*EndpointInfo)) error {
	return c.Map(naming.TypeOf[T](), configure)
}
