package mmatebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/naming"
)

// RequestClientConfiguration configures request/response for one request type
type RequestClientConfiguration struct {
	Timeout time.Duration
}

// RequestClientOption configures a request client
type RequestClientOption func(*RequestClientConfiguration)

// WithRequestTimeout bounds the wait for a response
func WithRequestTimeout(d time.Duration) RequestClientOption {
	return func(c *RequestClientConfiguration) {
		c.Timeout = d
	}
}

type requestRegistration struct {
	request  naming.Type
	response naming.Type
	config   RequestClientConfiguration
}

// AddRequestClient enables Request for Req, answered with Res
func AddRequestClient[Req, Res any](options ...RequestClientOption) Option {
	return func(b *builder) {
		reg := &requestRegistration{
			request:  naming.TypeOf[Req](),
			response: naming.TypeOf[Res](),
			config:   RequestClientConfiguration{Timeout: DefaultRequestTimeout},
		}
		for _, opt := range options {
			opt(&reg.config)
		}
		b.requestClients = append(b.requestClients, reg)
	}
}

// pendingReplies correlates responses on the bus reply queue with waiting requests
type pendingReplies struct {
	mu      sync.Mutex
	waiting map[string]chan amqp.Delivery
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{waiting: make(map[string]chan amqp.Delivery)}
}

func (p *pendingReplies) add(correlationID string) <-chan amqp.Delivery {
	ch := make(chan amqp.Delivery, 1)
	p.mu.Lock()
	p.waiting[correlationID] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingReplies) remove(correlationID string) {
	p.mu.Lock()
	delete(p.waiting, correlationID)
	p.mu.Unlock()
}

// deliver hands d to its waiting request and reports whether one was waiting
func (p *pendingReplies) deliver(d amqp.Delivery) bool {
	p.mu.Lock()
	ch, ok := p.waiting[d.CorrelationId]
	delete(p.waiting, d.CorrelationId)
	p.mu.Unlock()

	if ok {
		ch <- d
	}
	return ok
}

func (p *pendingReplies) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}

// Request publishes req and waits for its response. Requests bypass the
// outbox. The wait ends at the registered timeout or when ctx is done.
func Request[Req, Res any](ctx context.Context, b *Bus, req Req) (Res, error) {
	var zero Res

	reqType := naming.TypeOf[Req]()
	reg, ok := b.cfg.requestClients[reqType]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrRequestClientNotFound, reqType)
	}
	if resType := naming.TypeOf[Res](); resType != reg.response {
		return zero, fmt.Errorf("%w: %s is answered with %s, not %s", ErrInvalidArgument, reqType, reg.response, resType)
	}

	replyTo, err := b.replyQueue()
	if err != nil {
		return zero, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("encode %s: %w", reqType, err)
	}

	correlationID := uuid.NewString()
	replies := b.replies.add(correlationID)
	defer b.replies.remove(correlationID)

	ctx, cancel := context.WithTimeout(ctx, reg.config.Timeout)
	defer cancel()

	env := envelope{
		messageType:   reqType,
		body:          body,
		correlationID: correlationID,
		replyTo:       replyTo,
		expiration:    reg.config.Timeout,
	}
	if err := b.send(ctx, env); err != nil {
		return zero, err
	}

	select {
	case d := <-replies:
		if fault, ok := d.Headers[headerFault].(string); ok {
			return zero, &RemoteError{RequestType: reqType.String(), Message: fault}
		}
		var res Res
		if err := json.Unmarshal(d.Body, &res); err != nil {
			return zero, &DecodeError{Queue: replyTo, MessageType: reg.response.String(), Err: err}
		}
		return res, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return zero, fmt.Errorf("%w: %s after %v", ErrRequestTimeout, reqType, reg.config.Timeout)
		}
		return zero, ctx.Err()
	}
}
