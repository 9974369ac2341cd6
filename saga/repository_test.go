package saga

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type OrderSaga struct {
	State
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

func newOrderSaga() *OrderSaga {
	return &OrderSaga{}
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// testRepository runs the behaviour every backend shares
func testRepository(t *testing.T, newRepo func(t *testing.T, clock *testClock) Repository[*OrderSaga]) {
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		clock := newTestClock()
		repo := newRepo(t, clock)

		s := &OrderSaga{State: State{CorrelationID: uuid.New(), CurrentState: "Submitted"}, OrderID: "o-1", Amount: 9.5}
		require.NoError(t, repo.Save(ctx, s))
		assert.Equal(t, int64(1), s.Version)
		assert.Equal(t, clock.now, s.CreatedAt)
		assert.Equal(t, clock.now, s.UpdatedAt)

		loaded, err := repo.Load(ctx, s.CorrelationID)
		require.NoError(t, err)
		assert.Equal(t, "o-1", loaded.OrderID)
		assert.Equal(t, "Submitted", loaded.CurrentState)
		assert.Equal(t, int64(1), loaded.Version)
		assert.NotSame(t, s, loaded)
	})

	t.Run("missing instance", func(t *testing.T) {
		repo := newRepo(t, newTestClock())
		_, err := repo.Load(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		repo := newRepo(t, newTestClock())
		s := &OrderSaga{State: State{CorrelationID: uuid.New()}}
		require.NoError(t, repo.Save(ctx, s))

		first, err := repo.Load(ctx, s.CorrelationID)
		require.NoError(t, err)
		second, err := repo.Load(ctx, s.CorrelationID)
		require.NoError(t, err)

		first.TransitionTo("Paid")
		require.NoError(t, repo.Save(ctx, first))
		assert.Equal(t, int64(2), first.Version)

		second.TransitionTo("Cancelled")
		err = repo.Save(ctx, second)
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		assert.Equal(t, int64(1), second.Version, "failed save leaves the version untouched")

		loaded, err := repo.Load(ctx, s.CorrelationID)
		require.NoError(t, err)
		assert.Equal(t, "Paid", loaded.CurrentState)
	})

	t.Run("duplicate insert conflicts", func(t *testing.T) {
		repo := newRepo(t, newTestClock())
		id := uuid.New()
		require.NoError(t, repo.Save(ctx, &OrderSaga{State: State{CorrelationID: id}}))
		assert.ErrorIs(t, repo.Save(ctx, &OrderSaga{State: State{CorrelationID: id}}), ErrConcurrencyConflict)
	})

	t.Run("invalid instance", func(t *testing.T) {
		repo := newRepo(t, newTestClock())
		assert.ErrorIs(t, repo.Save(ctx, &OrderSaga{}), ErrInvalidInstance)
	})

	t.Run("delete", func(t *testing.T) {
		repo := newRepo(t, newTestClock())
		s := &OrderSaga{State: State{CorrelationID: uuid.New()}}
		require.NoError(t, repo.Save(ctx, s))
		require.NoError(t, repo.Delete(ctx, s.CorrelationID))

		_, err := repo.Load(ctx, s.CorrelationID)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("due for timeout", func(t *testing.T) {
		clock := newTestClock()
		repo := newRepo(t, clock)

		later := &OrderSaga{State: State{CorrelationID: uuid.New()}, OrderID: "later"}
		later.ScheduleTimeout(clock.now.Add(2 * time.Minute))
		sooner := &OrderSaga{State: State{CorrelationID: uuid.New()}, OrderID: "sooner"}
		sooner.ScheduleTimeout(clock.now.Add(time.Minute))
		none := &OrderSaga{State: State{CorrelationID: uuid.New()}, OrderID: "none"}
		done := &OrderSaga{State: State{CorrelationID: uuid.New()}, OrderID: "done"}
		done.ScheduleTimeout(clock.now)
		done.Complete(clock.now)

		for _, s := range []*OrderSaga{later, sooner, none, done} {
			require.NoError(t, repo.Save(ctx, s))
		}

		due, err := repo.DueForTimeout(ctx, clock.now.Add(30*time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = repo.DueForTimeout(ctx, clock.now.Add(5*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "sooner", due[0].OrderID)
		assert.Equal(t, "later", due[1].OrderID)

		due, err = repo.DueForTimeout(ctx, clock.now.Add(5*time.Minute), 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "sooner", due[0].OrderID)
	})
}

func TestMemoryRepository(t *testing.T) {
	testRepository(t, func(t *testing.T, clock *testClock) Repository[*OrderSaga] {
		cfg, err := NewConfiguration(UseInMemory(), WithClock(clock.Now))
		require.NoError(t, err)
		return NewMemoryRepository(cfg, newOrderSaga)
	})

	t.Run("purges expired instances", func(t *testing.T) {
		ctx := context.Background()
		clock := newTestClock()
		cfg, err := NewConfiguration(ShortLived(), WithClock(clock.Now))
		require.NoError(t, err)
		repo := NewMemoryRepository(cfg, newOrderSaga)

		active := &OrderSaga{State: State{CorrelationID: uuid.New()}}
		completed := &OrderSaga{State: State{CorrelationID: uuid.New()}}
		completed.Complete(clock.now)
		require.NoError(t, repo.Save(ctx, active))
		require.NoError(t, repo.Save(ctx, completed))

		n, err := repo.PurgeExpired(ctx, clock.now.Add(time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = repo.PurgeExpired(ctx, clock.now.Add(10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = repo.Load(ctx, completed.CorrelationID)
		assert.ErrorIs(t, err, ErrInstanceNotFound)

		n, err = repo.PurgeExpired(ctx, clock.now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Zero(t, repo.Len())
	})

	t.Run("stored state is isolated from callers", func(t *testing.T) {
		ctx := context.Background()
		cfg, err := NewConfiguration()
		require.NoError(t, err)
		repo := NewMemoryRepository(cfg, newOrderSaga)

		s := &OrderSaga{State: State{CorrelationID: uuid.New()}, OrderID: "o-1"}
		require.NoError(t, repo.Save(ctx, s))
		s.OrderID = "mutated"

		loaded, err := repo.Load(ctx, s.CorrelationID)
		require.NoError(t, err)
		assert.Equal(t, "o-1", loaded.OrderID)
	})
}

func TestStateHelpers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var s State

	s.ScheduleTimeout(now)
	require.NotNil(t, s.TimeoutAt)
	assert.False(t, s.IsCompleted())

	s.Complete(now)
	assert.True(t, s.IsCompleted())
	assert.Nil(t, s.TimeoutAt, "completion cancels the timeout")

	s.UpdatedAt = now
	assert.False(t, s.expired(now.Add(time.Hour), time.Minute, 2*time.Hour))
	assert.True(t, s.expired(now.Add(3*time.Hour), time.Minute, 2*time.Hour))
	assert.False(t, s.expired(now.Add(1000*time.Hour), time.Minute, 0), "zero retention keeps instances")
}
