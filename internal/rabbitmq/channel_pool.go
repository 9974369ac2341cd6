package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelSource hands out connections for the pool
type ChannelSource interface {
	Connection() (*amqp.Connection, error)
}

// ChannelPool reuses AMQP channels. At most MaxSize channels are open at once;
// callers block until one is returned or their context ends.
type ChannelPool struct {
	source  ChannelSource
	confirm bool
	logger  *slog.Logger

	slots chan struct{}

	mu     sync.Mutex
	idle   []*amqp.Channel
	closed bool
}

// ChannelPoolOption configures a ChannelPool
type ChannelPoolOption func(*channelPoolConfig)

type channelPoolConfig struct {
	maxSize int
	confirm bool
	logger  *slog.Logger
}

// WithMaxSize caps the number of open channels
func WithMaxSize(n int) ChannelPoolOption {
	return func(c *channelPoolConfig) {
		c.maxSize = n
	}
}

// WithConfirms puts every channel into publisher confirm mode
func WithConfirms(enabled bool) ChannelPoolOption {
	return func(c *channelPoolConfig) {
		c.confirm = enabled
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(c *channelPoolConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChannelPool creates a pool over source
func NewChannelPool(source ChannelSource, options ...ChannelPoolOption) (*ChannelPool, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: channel source is required", ErrInvalidConfiguration)
	}

	cfg := channelPoolConfig{maxSize: 10, logger: slog.Default()}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	return &ChannelPool{
		source:  source,
		confirm: cfg.confirm,
		logger:  cfg.logger,
		slots:   make(chan struct{}, cfg.maxSize),
	}, nil
}

// Get borrows a channel. Return it with Put.
func (p *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrChannelPoolExhausted, ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrChannelPoolClosed
	}
	for len(p.idle) > 0 {
		ch := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !ch.IsClosed() {
			p.mu.Unlock()
			return ch, nil
		}
	}
	p.mu.Unlock()

	ch, err := p.open()
	if err != nil {
		<-p.slots
		return nil, err
	}
	return ch, nil
}

func (p *ChannelPool) open() (*amqp.Channel, error) {
	conn, err := p.source.Connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if p.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("rabbitmq: enable confirms: %w", err)
		}
	}
	return ch, nil
}

// Put returns a borrowed channel. Closed channels are dropped.
func (p *ChannelPool) Put(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	defer func() { <-p.slots }()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch.Close()
		return
	}
	if !ch.IsClosed() {
		p.idle = append(p.idle, ch)
	}
}

// Discard releases a borrowed channel without reusing it
func (p *ChannelPool) Discard(ch *amqp.Channel) {
	if ch != nil && !ch.IsClosed() {
		ch.Close()
	}
	<-p.slots
}

// Execute runs fn on a pooled channel. A panic in fn is returned as an error
// and the channel is discarded.
func (p *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := p.Get(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			p.Discard(ch)
			err = fmt.Errorf("rabbitmq: panic on channel: %v", r)
			return
		}
		p.Put(ch)
	}()

	return fn(ch)
}

// Idle returns the number of pooled idle channels
func (p *ChannelPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes idle channels and rejects further Gets
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	for _, ch := range p.idle {
		ch.Close()
	}
	p.idle = nil
	p.logger.Debug("Channel pool closed")
	return nil
}
