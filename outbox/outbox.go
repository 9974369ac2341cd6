package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Outbox stores messages for later publication by a Relay
type Outbox struct {
	store  Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Outbox or a Relay
type Option func(*config)

type config struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

func newConfig(opts []Option) config {
	c := config{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// New creates an outbox over store
func New(store Store, opts Options, options ...Option) (*Outbox, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := newConfig(options)
	return &Outbox{
		store:  store,
		opts:   opts,
		logger: c.logger,
		now:    c.now,
	}, nil
}

// Options returns the outbox options
func (o *Outbox) Options() Options {
	return o.opts
}

// Store returns the underlying store
func (o *Outbox) Store() Store {
	return o.store
}

// WithStore returns a copy of the outbox writing to s, typically a store bound
// to the caller's database transaction
func (o *Outbox) WithStore(s Store) *Outbox {
	c := *o
	c.store = s
	return &c
}

// Enqueue validates msgs, fills in identifiers and timestamps, and stores them.
// Duplicates of a message seen within the deduplication window are dropped.
func (o *Outbox) Enqueue(ctx context.Context, msgs ...*Message) error {
	now := o.now().UTC()
	accepted := make([]*Message, 0, len(msgs))

	for _, m := range msgs {
		if err := m.validate(); err != nil {
			return err
		}

		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		if m.MessageID == "" {
			m.MessageID = m.ID.String()
		}
		m.Status = StatusPending
		m.Attempts = 0
		m.CreatedAt = now
		m.NextAttemptAt = now

		if o.opts.EnableDeduplication {
			dup, err := o.store.Exists(ctx, m.MessageID, now.Add(-o.opts.DeduplicationWindow))
			if err != nil {
				return fmt.Errorf("outbox: check duplicate %s: %w", m.MessageID, err)
			}
			if dup || contains(accepted, m.MessageID) {
				o.logger.Debug("Dropping duplicate outbox message", "messageId", m.MessageID)
				continue
			}
		}

		if o.opts.EnableCompression && m.ContentEncoding == "" && len(m.Payload) > o.opts.CompressionThreshold {
			body, err := compress(m.Payload)
			if err != nil {
				return fmt.Errorf("outbox: compress %s: %w", m.MessageID, err)
			}
			m.Payload = body
			m.ContentEncoding = EncodingGzip
		}

		accepted = append(accepted, m)
	}

	if len(accepted) == 0 {
		return nil
	}
	if err := o.store.Add(ctx, accepted...); err != nil {
		return fmt.Errorf("outbox: add: %w", err)
	}

	o.logger.Debug("Enqueued outbox messages", "count", len(accepted))
	return nil
}

func contains(msgs []*Message, messageID string) bool {
	for _, m := range msgs {
		if m.MessageID == messageID {
			return true
		}
	}
	return false
}
