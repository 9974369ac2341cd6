package topology

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker queue argument keys
const (
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	ArgMessageTTL           = "x-message-ttl"
	ArgMaxPriority          = "x-max-priority"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// ExchangeBinding defines an exchange-to-exchange binding
type ExchangeBinding struct {
	Destination string
	Source      string
	RoutingKey  string
	Arguments   amqp.Table
}

// Topology is a batch of declarations applied in order: exchanges, queues,
// exchange bindings, queue bindings
type Topology struct {
	Exchanges        []ExchangeDeclaration
	Queues           []QueueDeclaration
	ExchangeBindings []ExchangeBinding
	Bindings         []Binding
}
