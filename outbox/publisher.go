package outbox

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher delivers an outbox message to the broker
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, msg *Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Sender publishes raw AMQP messages. The bus's pooled confirm publisher
// satisfies it.
type Sender interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// AMQPPublisher publishes outbox messages through a Sender
type AMQPPublisher struct {
	sender Sender
}

// NewAMQPPublisher creates a publisher over sender
func NewAMQPPublisher(sender Sender) *AMQPPublisher {
	return &AMQPPublisher{sender: sender}
}

// Publish sends msg as a persistent AMQP message
func (p *AMQPPublisher) Publish(ctx context.Context, msg *Message) error {
	return p.sender.Publish(ctx, msg.Exchange, msg.RoutingKey, Publishing(msg))
}

// Publishing converts an outbox message into its AMQP form
func Publishing(msg *Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.MessageType != "" {
		headers["x-message-type"] = msg.MessageType
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     contentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		MessageId:       msg.MessageID,
		Timestamp:       msg.CreatedAt,
		Type:            msg.MessageType,
		Body:            msg.Payload,
	}
}
