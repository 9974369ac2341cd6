package mmatebus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-bus/naming"
	"github.com/glimte/mmate-bus/saga"
)

type sagaRegistration struct {
	instance naming.Type

	// prepare builds the saga configuration and repository
	prepare func(logger *slog.Logger) error
	// start migrates the backend and returns the timeout and purge loop
	start func(ctx context.Context) (func(ctx context.Context) error, error)
	repo  any
}

// AddSaga registers saga instances of type T. handler receives due timeouts
// and may be nil when the saga schedules none; expired instances are purged
// either way. Options select the
// persistence backend; in-memory is the default.
func AddSaga[T saga.Instance](factory saga.Factory[T], handler saga.TimeoutHandler[T], options ...saga.Option) Option {
	return func(b *builder) {
		reg := &sagaRegistration{instance: naming.TypeOf[T]()}

		var (
			cfg  *saga.Configuration
			repo saga.Repository[T]
		)
		reg.prepare = func(logger *slog.Logger) error {
			opts := append([]saga.Option{saga.WithLogger(logger)}, options...)
			var err error
			if cfg, err = saga.NewConfiguration(opts...); err != nil {
				return err
			}
			if repo, err = saga.NewRepository(cfg, factory); err != nil {
				return err
			}
			reg.repo = repo
			return nil
		}

		reg.start = func(ctx context.Context) (func(ctx context.Context) error, error) {
			if err := prepareBackend(ctx, repo); err != nil {
				return nil, fmt.Errorf("prepare saga store for %s: %w", reg.instance, err)
			}
			scheduler, err := saga.NewTimeoutScheduler(cfg, repo, handler)
			if err != nil {
				return nil, err
			}
			return scheduler.Run, nil
		}

		b.sagas = append(b.sagas, reg)
	}
}

// prepareBackend creates tables or indexes for backends that need them
func prepareBackend(ctx context.Context, repo any) error {
	switch r := repo.(type) {
	case interface{ Migrate(context.Context) error }:
		return r.Migrate(ctx)
	case interface{ EnsureIndexes(context.Context) error }:
		return r.EnsureIndexes(ctx)
	}
	return nil
}

// SagaRepository returns the repository of saga type T
func SagaRepository[T saga.Instance](b *Bus) (saga.Repository[T], error) {
	t := naming.TypeOf[T]()
	reg, ok := b.cfg.sagas[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, t)
	}
	return reg.repo.(saga.Repository[T]), nil
}
