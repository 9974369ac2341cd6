package naming

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Topic exchange wildcards
const (
	Wildcard      = "*"
	MultiWildcard = "#"
)

// RoutingKeyConvention derives routing keys and subscription patterns. It is
// configured independently of the Formatter so routing can be hierarchical
// while queue names stay flat.
type RoutingKeyConvention struct {
	casing           Casing
	separator        string
	stripSuffixes    []string
	includeNamespace bool
	segments         int
}

// RoutingOption configures a RoutingKeyConvention
type RoutingOption func(*RoutingKeyConvention)

// WithRoutingCasing sets the casing for routing keys
func WithRoutingCasing(c Casing) RoutingOption {
	return func(r *RoutingKeyConvention) {
		r.casing = c
	}
}

// WithRoutingSeparator sets the segment separator for routing keys
func WithRoutingSeparator(sep string) RoutingOption {
	return func(r *RoutingKeyConvention) {
		r.separator = sep
	}
}

// WithRoutingNamespace prepends the last segments of the package path
func WithRoutingNamespace(segments int) RoutingOption {
	return func(r *RoutingKeyConvention) {
		r.includeNamespace = segments > 0
		r.segments = segments
	}
}

// WithRoutingStripSuffixes replaces the suffixes stripped from type names
func WithRoutingStripSuffixes(suffixes ...string) RoutingOption {
	return func(r *RoutingKeyConvention) {
		r.stripSuffixes = append([]string(nil), suffixes...)
	}
}

// NewRoutingKeyConvention creates the default convention: kebab-case, '.' separated, no namespace
func NewRoutingKeyConvention(options ...RoutingOption) *RoutingKeyConvention {
	r := &RoutingKeyConvention{
		casing:        CaseKebab,
		separator:     ".",
		stripSuffixes: append([]string(nil), DefaultStripSuffixes...),
		segments:      2,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// RoutingKey returns the routing key for a message type
func (r *RoutingKeyConvention) RoutingKey(t Type) string {
	return routingKey(t, r.stripSuffixes, r.casing, r.separator, r.includeNamespace, r.segments)
}

// ForExchange resolves the routing key for a message published to an exchange of
// the given kind. Fanout exchanges ignore routing keys, so the result is always empty.
func (r *RoutingKeyConvention) ForExchange(kind string, t Type) string {
	if kind == amqp.ExchangeFanout {
		return ""
	}
	return r.RoutingKey(t)
}

// SubscriptionPattern returns the binding pattern a consumer uses on a topic exchange.
// With a known message type it is the message's routing key. Without one the
// consumer subscribes to everything under its own namespace.
func (r *RoutingKeyConvention) SubscriptionPattern(consumer, message Type) string {
	if !message.IsZero() {
		return r.RoutingKey(message)
	}
	if !r.includeNamespace {
		return MultiWildcard
	}

	parts := lastSegments(consumer.Namespace(), r.segments)
	for i, p := range parts {
		parts[i] = r.casing.Apply(p)
	}
	return joinNonEmpty(r.separator, append(parts, MultiWildcard)...)
}
