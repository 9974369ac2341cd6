package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/retry"
)

var ErrRelayRunning = errors.New("outbox: relay already running")

// Relay drains the outbox store into the broker on a fixed cadence
type Relay struct {
	store     Store
	publisher Publisher
	opts      Options
	backoff   *retry.Policy
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
}

// NewRelay creates a relay publishing from store through publisher
func NewRelay(store Store, publisher Publisher, opts Options, options ...Option) (*Relay, error) {
	if store == nil || publisher == nil {
		return nil, fmt.Errorf("%w: store and publisher are required", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	backoff, err := opts.Backoff()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	c := newConfig(options)
	return &Relay{
		store:     store,
		publisher: publisher,
		opts:      opts,
		backoff:   backoff,
		logger:    c.logger,
		now:       c.now,
	}, nil
}

// Run publishes pending messages every PublishInterval and purges old ones
// every CleanupInterval until ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRelayRunning
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	publish := time.NewTicker(r.opts.PublishInterval)
	defer publish.Stop()

	var cleanup <-chan time.Time
	if r.opts.CleanupInterval > 0 {
		t := time.NewTicker(r.opts.CleanupInterval)
		defer t.Stop()
		cleanup = t.C
	}

	r.logger.Info("Outbox relay started", "interval", r.opts.PublishInterval, "batchSize", r.opts.BatchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return nil
		case <-publish.C:
			if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Failed to process outbox batch", "error", err)
			}
		case <-cleanup:
			if _, err := r.Cleanup(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Failed to clean up outbox", "error", err)
			}
		}
	}
}

// ProcessBatch publishes up to BatchSize due messages and returns how many
// were published. With ordering enabled the batch stops at the first message
// that is not yet due or fails to publish.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	now := r.now().UTC()
	msgs, err := r.store.Pending(ctx, PendingQuery{
		Now:     now,
		Limit:   r.opts.BatchSize,
		Ordered: r.opts.EnableOrdering,
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: load pending: %w", err)
	}

	published := 0
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if m.NextAttemptAt.After(now) {
			if r.opts.EnableOrdering {
				break
			}
			continue
		}

		if err := r.publisher.Publish(ctx, m); err != nil {
			if markErr := r.fail(ctx, m, err, now); markErr != nil {
				return published, markErr
			}
			if r.opts.EnableOrdering {
				break
			}
			continue
		}

		if err := r.store.MarkPublished(ctx, m.ID, now); err != nil {
			return published, fmt.Errorf("outbox: mark published %s: %w", m.ID, err)
		}
		published++
	}

	if published > 0 {
		r.logger.Debug("Published outbox messages", "count", published)
	}
	return published, nil
}

func (r *Relay) fail(ctx context.Context, m *Message, cause error, now time.Time) error {
	attempts := m.Attempts + 1
	dead := attempts > r.opts.MaxRetries
	next := now
	if !dead {
		next = now.Add(r.backoff.Delay(attempts))
	}

	if dead {
		r.logger.Error("Outbox message exhausted retries",
			"messageId", m.MessageID,
			"attempts", attempts,
			"error", cause)
	} else {
		r.logger.Warn("Failed to publish outbox message",
			"messageId", m.MessageID,
			"attempt", attempts,
			"nextAttempt", next,
			"error", cause)
	}

	if err := r.store.MarkFailed(ctx, m.ID, cause.Error(), next, dead); err != nil {
		return fmt.Errorf("outbox: mark failed %s: %w", m.ID, err)
	}
	return nil
}

// Cleanup removes published and dead messages older than their retention
func (r *Relay) Cleanup(ctx context.Context) (int, error) {
	now := r.now().UTC()
	removed, err := r.store.Cleanup(ctx, now.Add(-r.opts.ProcessedRetention), now.Add(-r.opts.FailedRetention))
	if err != nil {
		return 0, fmt.Errorf("outbox: cleanup: %w", err)
	}
	if removed > 0 {
		r.logger.Info("Cleaned up outbox messages", "count", removed)
	}
	return removed, nil
}
