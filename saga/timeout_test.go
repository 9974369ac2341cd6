package saga

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/retry"
)

func TestTimeoutScheduler(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, clock *testClock, options ...Option) (*Configuration, *MemoryRepository[*OrderSaga]) {
		t.Helper()
		cfg, err := NewConfiguration(append([]Option{WithClock(clock.Now)}, options...)...)
		require.NoError(t, err)
		return cfg, NewMemoryRepository(cfg, newOrderSaga)
	}

	t.Run("delivers due timeouts once and saves", func(t *testing.T) {
		clock := newTestClock()
		cfg, repo := setup(t, clock)

		s := &OrderSaga{State: State{CorrelationID: uuid.New(), CurrentState: "AwaitingPayment"}}
		s.ScheduleTimeout(clock.now.Add(time.Minute))
		require.NoError(t, repo.Save(ctx, s))

		var seen []string
		handler := TimeoutHandlerFunc[*OrderSaga](func(_ context.Context, inst *OrderSaga) error {
			seen = append(seen, inst.CurrentState)
			inst.TransitionTo("PaymentTimedOut")
			return nil
		})
		sched, err := NewTimeoutScheduler[*OrderSaga](cfg, repo, handler)
		require.NoError(t, err)

		n, err := sched.CheckTimeouts(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "not due yet")

		clock.Advance(2 * time.Minute)
		n, err = sched.CheckTimeouts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"AwaitingPayment"}, seen)

		n, err = sched.CheckTimeouts(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "timeout was cleared")

		loaded, err := repo.Load(ctx, s.CorrelationID)
		require.NoError(t, err)
		assert.Equal(t, "PaymentTimedOut", loaded.CurrentState)
		assert.Nil(t, loaded.TimeoutAt)
		assert.Equal(t, int64(2), loaded.Version)
	})

	t.Run("handler may reschedule", func(t *testing.T) {
		clock := newTestClock()
		cfg, repo := setup(t, clock)

		s := &OrderSaga{State: State{CorrelationID: uuid.New()}}
		s.ScheduleTimeout(clock.now)
		require.NoError(t, repo.Save(ctx, s))

		handler := TimeoutHandlerFunc[*OrderSaga](func(_ context.Context, inst *OrderSaga) error {
			inst.ScheduleTimeout(clock.now.Add(time.Hour))
			return nil
		})
		sched, err := NewTimeoutScheduler[*OrderSaga](cfg, repo, handler)
		require.NoError(t, err)

		n, err := sched.CheckTimeouts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		loaded, err := repo.Load(ctx, s.CorrelationID)
		require.NoError(t, err)
		require.NotNil(t, loaded.TimeoutAt)
		assert.Equal(t, clock.now.Add(time.Hour), *loaded.TimeoutAt)
	})

	t.Run("failed handler leaves the timeout pending", func(t *testing.T) {
		clock := newTestClock()
		cfg, repo := setup(t, clock)

		s := &OrderSaga{State: State{CorrelationID: uuid.New()}}
		s.ScheduleTimeout(clock.now)
		require.NoError(t, repo.Save(ctx, s))

		handler := TimeoutHandlerFunc[*OrderSaga](func(context.Context, *OrderSaga) error {
			return errors.New("downstream unavailable")
		})
		sched, err := NewTimeoutScheduler[*OrderSaga](cfg, repo, handler)
		require.NoError(t, err)

		n, err := sched.CheckTimeouts(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		due, err := repo.DueForTimeout(ctx, clock.now, 10)
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})

	t.Run("retries the handler", func(t *testing.T) {
		clock := newTestClock()
		cfg, repo := setup(t, clock)

		s := &OrderSaga{State: State{CorrelationID: uuid.New()}}
		s.ScheduleTimeout(clock.now)
		require.NoError(t, repo.Save(ctx, s))

		var calls int32
		handler := TimeoutHandlerFunc[*OrderSaga](func(context.Context, *OrderSaga) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		})
		policy, err := retry.Immediate(3)
		require.NoError(t, err)

		sched, err := NewTimeoutScheduler[*OrderSaga](cfg, repo, handler, WithHandlerRetry(policy))
		require.NoError(t, err)

		n, err := sched.CheckTimeouts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("run returns when nothing is due or expires", func(t *testing.T) {
		cfg, repo := setup(t, newTestClock(), WithoutTimeouts(), WithDefaultExpiration(0), WithCompletedExpiration(0))
		sched, err := NewTimeoutScheduler[*OrderSaga](cfg, repo,
			TimeoutHandlerFunc[*OrderSaga](func(context.Context, *OrderSaga) error { return nil }))
		require.NoError(t, err)
		assert.NoError(t, sched.Run(ctx))
	})

	t.Run("run polls at the check interval", func(t *testing.T) {
		cfg, err := NewConfiguration(WithTimeouts(10 * time.Millisecond))
		require.NoError(t, err)
		repo := NewMemoryRepository(cfg, newOrderSaga)

		s := &OrderSaga{State: State{CorrelationID: uuid.New()}}
		s.ScheduleTimeout(time.Now().Add(-time.Second))
		require.NoError(t, repo.Save(ctx, s))

		var fired atomic.Bool
		sched, err := NewTimeoutScheduler[*OrderSaga](cfg, repo,
			TimeoutHandlerFunc[*OrderSaga](func(context.Context, *OrderSaga) error {
				fired.Store(true)
				return nil
			}))
		require.NoError(t, err)

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- sched.Run(runCtx) }()

		assert.Eventually(t, fired.Load, 2*time.Second, 10*time.Millisecond)
		cancel()
		assert.NoError(t, <-done)
	})

	t.Run("without a handler it only purges", func(t *testing.T) {
		clock := newTestClock()
		cfg, repo := setup(t, clock, WithDefaultExpiration(time.Hour))

		stale := &OrderSaga{State: State{CorrelationID: uuid.New()}}
		stale.ScheduleTimeout(clock.now)
		require.NoError(t, repo.Save(ctx, stale))

		sched, err := NewTimeoutScheduler[*OrderSaga](cfg, repo, nil)
		require.NoError(t, err)

		n, err := sched.CheckTimeouts(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		clock.Advance(2 * time.Hour)
		purged, err := sched.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, purged)
		assert.Zero(t, repo.Len())
	})

	t.Run("requires a repository", func(t *testing.T) {
		cfg, _ := setup(t, newTestClock())
		_, err := NewTimeoutScheduler[*OrderSaga](cfg, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}
