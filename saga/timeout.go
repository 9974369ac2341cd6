package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/retry"
)

// DefaultTimeoutBatchSize caps the instances handled per timeout check
const DefaultTimeoutBatchSize = 100

// TimeoutHandler reacts to an instance whose timeout is due. It may schedule
// a new timeout or complete the instance; the scheduler saves it afterwards.
type TimeoutHandler[T Instance] interface {
	HandleTimeout(ctx context.Context, inst T) error
}

// TimeoutHandlerFunc adapts a function to TimeoutHandler
type TimeoutHandlerFunc[T Instance] func(ctx context.Context, inst T) error

func (f TimeoutHandlerFunc[T]) HandleTimeout(ctx context.Context, inst T) error {
	return f(ctx, inst)
}

// TimeoutScheduler periodically delivers due timeouts and purges expired instances
type TimeoutScheduler[T Instance] struct {
	cfg       *Configuration
	repo      Repository[T]
	handler   TimeoutHandler[T]
	batchSize int
	retry     *retry.Policy
	logger    *slog.Logger
}

// SchedulerOption configures a TimeoutScheduler
type SchedulerOption func(*schedulerOptions)

type schedulerOptions struct {
	batchSize int
	retry     *retry.Policy
}

// WithBatchSize sets how many due instances are handled per check
func WithBatchSize(n int) SchedulerOption {
	return func(o *schedulerOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithHandlerRetry retries the timeout handler under policy
func WithHandlerRetry(policy *retry.Policy) SchedulerOption {
	return func(o *schedulerOptions) {
		o.retry = policy
	}
}

// NewTimeoutScheduler creates a scheduler for repo. With a nil handler it
// only purges expired instances.
func NewTimeoutScheduler[T Instance](cfg *Configuration, repo Repository[T], handler TimeoutHandler[T], options ...SchedulerOption) (*TimeoutScheduler[T], error) {
	if cfg == nil || repo == nil {
		return nil, fmt.Errorf("%w: configuration and repository are required", ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := schedulerOptions{batchSize: DefaultTimeoutBatchSize}
	for _, opt := range options {
		opt(&o)
	}

	return &TimeoutScheduler[T]{
		cfg:       cfg,
		repo:      repo,
		handler:   handler,
		batchSize: o.batchSize,
		retry:     o.retry,
		logger:    cfg.logger(),
	}, nil
}

// Run delivers due timeouts and purges expired instances every
// TimeoutCheckInterval until ctx is cancelled. Without timeouts it still
// purges, at DefaultTimeoutCheckInterval. It returns immediately when there is
// nothing to deliver and nothing expires.
func (s *TimeoutScheduler[T]) Run(ctx context.Context) error {
	deliver := s.cfg.EnableTimeouts && s.handler != nil
	if !deliver && !s.cfg.expires() {
		s.logger.Debug("Saga timeouts and expiry disabled")
		return nil
	}

	interval := s.cfg.TimeoutCheckInterval
	if !s.cfg.EnableTimeouts || interval <= 0 {
		interval = DefaultTimeoutCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Saga timeout scheduler started",
		"interval", interval,
		"timeouts", deliver,
		"persistence", s.cfg.Persistence.String())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if deliver {
				if _, err := s.CheckTimeouts(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("Failed to check saga timeouts", "error", err)
				}
			}
			if _, err := s.Purge(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Failed to purge expired sagas", "error", err)
			}
		}
	}
}

// Purge removes instances past their retention
func (s *TimeoutScheduler[T]) Purge(ctx context.Context) (int, error) {
	if !s.cfg.expires() {
		return 0, nil
	}
	return s.repo.PurgeExpired(ctx, s.cfg.now())
}

// CheckTimeouts delivers every due instance to the handler once and returns
// how many were handled and saved
func (s *TimeoutScheduler[T]) CheckTimeouts(ctx context.Context) (int, error) {
	if s.handler == nil {
		return 0, nil
	}
	due, err := s.repo.DueForTimeout(ctx, s.cfg.now(), s.batchSize)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, inst := range due {
		st := inst.SagaState()
		st.ClearTimeout()

		if err := s.handle(ctx, inst); err != nil {
			s.logger.Error("Saga timeout handler failed",
				"correlationId", st.CorrelationID,
				"state", st.CurrentState,
				"error", err)
			continue
		}

		if err := s.repo.Save(ctx, inst); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				s.logger.Warn("Saga changed while handling timeout", "correlationId", st.CorrelationID)
				continue
			}
			return handled, err
		}
		handled++
	}
	return handled, nil
}

func (s *TimeoutScheduler[T]) handle(ctx context.Context, inst T) error {
	if s.retry == nil {
		return s.handler.HandleTimeout(ctx, inst)
	}
	return retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.handler.HandleTimeout(ctx, inst)
	})
}
