// Package topology derives and declares RabbitMQ exchanges, queues and bindings.
//
// Names are resolved through an EndpointConvention in a fixed order: explicit
// mappings, then the MessageTopology registered for the type, then the naming
// convention. Derivation is deterministic, so declaring the same registrations
// twice issues identical, idempotent broker declarations.
//
// Builder exposes thin declare/bind/delete operations plus ConfigureMessage and
// ConfigureConsumer. AutoBinder binds a whole set of consumer registrations.
package topology
