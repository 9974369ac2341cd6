package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on pooled confirm-mode channels and waits for the
// broker to confirm each message
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirm
func WithConfirmTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

// NewPublisher creates a publisher. The pool must be created WithConfirms(true).
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg and blocks until it is confirmed
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := p.pool.Execute(ctx, func(ch *amqp.Channel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
		if err != nil {
			return err
		}
		if confirm == nil {
			return nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()

		acked, err := confirm.WaitContext(waitCtx)
		if err != nil {
			return err
		}
		if !acked {
			return ErrPublishNotConfirmed
		}
		return nil
	})
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, MessageID: msg.MessageId, Err: err}
	}
	return nil
}
