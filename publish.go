package mmatebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/naming"
	"github.com/glimte/mmate-bus/outbox"
)

const contentTypeJSON = "application/json"

// PublishOption customises a single publish
type PublishOption func(*envelope)

// WithMessageID sets the message id; the outbox deduplicates on it
func WithMessageID(id string) PublishOption {
	return func(e *envelope) {
		e.messageID = id
	}
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) PublishOption {
	return func(e *envelope) {
		e.correlationID = id
	}
}

// WithHeader adds an application header
func WithHeader(key string, value any) PublishOption {
	return func(e *envelope) {
		if e.headers == nil {
			e.headers = make(map[string]any)
		}
		e.headers[key] = value
	}
}

// WithRoutingKey overrides the routing key resolved from the endpoint convention
func WithRoutingKey(key string) PublishOption {
	return func(e *envelope) {
		e.routingKey = key
	}
}

// envelope is a message on its way to the broker or the outbox
type envelope struct {
	messageType   naming.Type
	body          []byte
	messageID     string
	correlationID string
	replyTo       string
	headers       map[string]any
	exchange      string
	routingKey    string
	// sendTo addresses a queue through the default exchange
	sendTo     string
	expiration time.Duration
}

func newEnvelope[T any](msg T, options []PublishOption) (envelope, error) {
	t := naming.TypeOf[T]()
	body, err := json.Marshal(msg)
	if err != nil {
		return envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}

	env := envelope{messageType: t, body: body}
	for _, opt := range options {
		opt(&env)
	}
	return env, nil
}

// Publish sends msg to the exchange of its type. With an outbox configured
// the message is stored and relayed in the background.
func Publish[T any](ctx context.Context, b *Bus, msg T, options ...PublishOption) error {
	env, err := newEnvelope(msg, options)
	if err != nil {
		return err
	}
	if b.outbox != nil {
		return b.enqueue(ctx, b.outbox, env)
	}
	return b.send(ctx, env)
}

// Send delivers msg straight to queue through the default exchange
func Send[T any](ctx context.Context, b *Bus, queue string, msg T, options ...PublishOption) error {
	if queue == "" {
		return fmt.Errorf("%w: queue is required", ErrInvalidConfiguration)
	}
	env, err := newEnvelope(msg, options)
	if err != nil {
		return err
	}
	env.sendTo = queue
	if b.outbox != nil {
		return b.enqueue(ctx, b.outbox, env)
	}
	return b.send(ctx, env)
}

// PublishTx stores msg in the SQL outbox inside tx, so it is published only
// if tx commits
func PublishTx[T any](ctx context.Context, b *Bus, tx pgx.Tx, msg T, options ...PublishOption) error {
	if b.sqlStore == nil {
		return ErrTransactionalOutboxNeeded
	}
	env, err := newEnvelope(msg, options)
	if err != nil {
		return err
	}
	return b.enqueue(ctx, b.outbox.WithStore(b.sqlStore.WithTx(tx)), env)
}

// address resolves the exchange and routing key of env
func (b *Bus) address(env envelope) (exchange, routingKey string) {
	if env.sendTo != "" {
		return "", env.sendTo
	}
	conventions := b.cfg.conventions
	exchange = env.exchange
	if exchange == "" {
		exchange = conventions.ExchangeName(env.messageType)
	}
	routingKey = env.routingKey
	if routingKey == "" {
		routingKey = conventions.RoutingKey(env.messageType)
	}
	return exchange, routingKey
}

func (b *Bus) message(env envelope) *outbox.Message {
	exchange, routingKey := b.address(env)
	headers := make(map[string]any, len(env.headers)+1)
	for k, v := range env.headers {
		headers[k] = v
	}
	if env.correlationID != "" {
		headers[headerCorrelationID] = env.correlationID
	}

	return &outbox.Message{
		MessageID:   env.messageID,
		MessageType: env.messageType.String(),
		Exchange:    exchange,
		RoutingKey:  routingKey,
		Payload:     env.body,
		ContentType: contentTypeJSON,
		Headers:     headers,
	}
}

func (b *Bus) enqueue(ctx context.Context, ob *outbox.Outbox, env envelope) error {
	if env.replyTo != "" {
		return fmt.Errorf("%w: requests cannot go through the outbox", ErrInvalidConfiguration)
	}
	return ob.Enqueue(ctx, b.message(env))
}

// send publishes env directly and waits for the broker confirm
func (b *Bus) send(ctx context.Context, env envelope) error {
	publisher, err := b.running()
	if err != nil {
		return err
	}

	m := b.message(env)
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	m.CreatedAt = time.Now().UTC()
	if err := b.ensureExchange(ctx, env.messageType, m.Exchange); err != nil {
		return err
	}

	p := outbox.Publishing(m)
	p.CorrelationId = env.correlationID
	p.ReplyTo = env.replyTo
	if env.expiration > 0 {
		p.Expiration = strconv.FormatInt(env.expiration.Milliseconds(), 10)
	}
	return publisher.Publish(ctx, m.Exchange, m.RoutingKey, p)
}

// reply answers a request on its reply queue. A non-empty fault reports failure.
func (b *Bus) reply(ctx context.Context, replyTo, correlationID string, t naming.Type, body []byte, fault string) error {
	publisher, err := b.running()
	if err != nil {
		return err
	}

	p := amqp.Publishing{
		ContentType:   contentTypeJSON,
		CorrelationId: correlationID,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}
	if !t.IsZero() {
		p.Type = t.String()
		p.Headers = amqp.Table{headerMessageType: t.String()}
	}
	if fault != "" {
		if p.Headers == nil {
			p.Headers = amqp.Table{}
		}
		p.Headers[headerFault] = fault
	}
	return publisher.Publish(ctx, "", replyTo, p)
}
