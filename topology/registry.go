package topology

import (
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/naming"
)

// MessageTopology holds the per-message-type exchange settings
type MessageTopology struct {
	ExchangeName      string
	ExchangeType      string
	RoutingKey        string
	Durable           bool
	AutoDelete        bool
	RequireAck        bool
	ExchangeArguments amqp.Table
	DefaultPriority   *uint8
	MessageTTL        time.Duration
	DefaultHeaders    amqp.Table
}

// DefaultMessageTopology is a durable topic exchange that requires acknowledgements
func DefaultMessageTopology() MessageTopology {
	return MessageTopology{
		ExchangeType: amqp.ExchangeTopic,
		Durable:      true,
		RequireAck:   true,
	}
}

func (t MessageTopology) kind() string {
	if t.ExchangeType == "" {
		return amqp.ExchangeTopic
	}
	return t.ExchangeType
}

// Registry maps message types to their topology. Re-registering a type replaces
// its entry. Safe for concurrent use.
type Registry struct {
	entries sync.Map // naming.Type -> MessageTopology
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register sets the topology of t
func (r *Registry) Register(t naming.Type, mt MessageTopology) {
	r.entries.Store(t, mt)
}

// Lookup returns the topology registered for t
func (r *Registry) Lookup(t naming.Type) (MessageTopology, bool) {
	if r == nil {
		return MessageTopology{}, false
	}
	v, ok := r.entries.Load(t)
	if !ok {
		return MessageTopology{}, false
	}
	return v.(MessageTopology), true
}

// Remove deletes the entry for t and reports whether one existed
func (r *Registry) Remove(t naming.Type) bool {
	_, ok := r.entries.LoadAndDelete(t)
	return ok
}

// Clear removes every entry
func (r *Registry) Clear() {
	r.entries.Range(func(k, _ any) bool {
		r.entries.Delete(k)
		return true
	})
}

// All returns a snapshot of the registry
func (r *Registry) All() map[naming.Type]MessageTopology {
	out := make(map[naming.Type]MessageTopology)
	r.entries.Range(func(k, v any) bool {
		out[k.(naming.Type)] = v.(MessageTopology)
		return true
	})
	return out
}

// RegisterOf registers the topology of message type T
func RegisterOf[T any](r *Registry, mt MessageTopology) {
	r.Register(naming.TypeOf[T](), mt)
}
