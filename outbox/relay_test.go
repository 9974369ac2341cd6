package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []string
	failFor   map[string]error
}

func (p *recordingPublisher) Publish(_ context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[msg.MessageID]; err != nil {
		return err
	}
	p.published = append(p.published, msg.MessageID)
	return nil
}

func (p *recordingPublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

type relayFixture struct {
	store *MemoryStore
	pub   *recordingPublisher
	ob    *Outbox
	relay *Relay
	now   time.Time
}

func newRelayFixture(t *testing.T, opts Options) *relayFixture {
	t.Helper()
	f := &relayFixture{
		store: NewMemoryStore(),
		pub:   &recordingPublisher{failFor: map[string]error{}},
		now:   epoch,
	}
	clock := WithClock(func() time.Time { return f.now })

	var err error
	f.ob, err = New(f.store, opts, clock)
	require.NoError(t, err)
	f.relay, err = NewRelay(f.store, f.pub, opts, clock)
	require.NoError(t, err)
	return f
}

func (f *relayFixture) enqueue(t *testing.T, ids ...string) map[string]*Message {
	t.Helper()
	out := make(map[string]*Message, len(ids))
	for _, id := range ids {
		m := &Message{MessageID: id, Exchange: "orders"}
		require.NoError(t, f.ob.Enqueue(context.Background(), m))
		out[id] = m
	}
	return out
}

func TestRelayProcessBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes in insertion order", func(t *testing.T) {
		f := newRelayFixture(t, DefaultOptions())
		msgs := f.enqueue(t, "a", "b", "c")

		n, err := f.relay.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"a", "b", "c"}, f.pub.ids())

		stored, _ := f.store.Get(msgs["b"].ID)
		assert.Equal(t, StatusPublished, stored.Status)
		require.NotNil(t, stored.ProcessedAt)
		assert.Equal(t, epoch, *stored.ProcessedAt)
	})

	t.Run("honours batch size", func(t *testing.T) {
		opts := DefaultOptions()
		opts.BatchSize = 2
		f := newRelayFixture(t, opts)
		f.enqueue(t, "a", "b", "c")

		n, err := f.relay.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = f.relay.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"a", "b", "c"}, f.pub.ids())
	})

	t.Run("schedules a retry with backoff", func(t *testing.T) {
		f := newRelayFixture(t, DefaultOptions())
		msgs := f.enqueue(t, "a", "b")
		f.pub.failFor["a"] = errors.New("broker unavailable")

		n, err := f.relay.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"b"}, f.pub.ids())

		stored, _ := f.store.Get(msgs["a"].ID)
		assert.Equal(t, StatusPending, stored.Status)
		assert.Equal(t, 1, stored.Attempts)
		assert.Equal(t, "broker unavailable", stored.LastError)
		assert.Equal(t, epoch.Add(5*time.Second), stored.NextAttemptAt)

		n, err = f.relay.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "not due yet")

		delete(f.pub.failFor, "a")
		f.now = epoch.Add(5 * time.Second)
		n, err = f.relay.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"b", "a"}, f.pub.ids())
	})

	t.Run("marks messages failed after max retries", func(t *testing.T) {
		opts := DefaultOptions()
		opts.MaxRetries = 2
		opts.RetryBackoff = 0
		f := newRelayFixture(t, opts)
		msgs := f.enqueue(t, "a")
		f.pub.failFor["a"] = errors.New("rejected")

		for i := 0; i < 3; i++ {
			_, err := f.relay.ProcessBatch(ctx)
			require.NoError(t, err)
		}

		stored, _ := f.store.Get(msgs["a"].ID)
		assert.Equal(t, StatusFailed, stored.Status)
		assert.Equal(t, 3, stored.Attempts)

		_, err := f.relay.ProcessBatch(ctx)
		require.NoError(t, err)
		stored, _ = f.store.Get(msgs["a"].ID)
		assert.Equal(t, 3, stored.Attempts, "dead messages are not retried")
	})

	t.Run("ordering holds back later messages", func(t *testing.T) {
		opts := DefaultOptions()
		opts.EnableOrdering = true
		f := newRelayFixture(t, opts)
		f.enqueue(t, "a", "b", "c")
		f.pub.failFor["a"] = errors.New("timeout")

		n, err := f.relay.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, f.pub.ids())

		n, err = f.relay.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "head is backing off")

		delete(f.pub.failFor, "a")
		f.now = epoch.Add(time.Minute)
		n, err = f.relay.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"a", "b", "c"}, f.pub.ids())
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		f := newRelayFixture(t, DefaultOptions())
		f.enqueue(t, "a")

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := f.relay.ProcessBatch(cctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, f.pub.ids())
	})
}

func TestRelayCleanup(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.MaxRetries = 0
	f := newRelayFixture(t, opts)

	msgs := f.enqueue(t, "ok", "bad", "bad-2")
	f.pub.failFor["bad"] = errors.New("rejected")
	f.pub.failFor["bad-2"] = errors.New("rejected")

	_, err := f.relay.ProcessBatch(ctx)
	require.NoError(t, err)

	f.now = epoch.Add(8 * 24 * time.Hour)
	removed, err := f.relay.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := f.store.Get(msgs["ok"].ID)
	assert.False(t, ok, "published message past retention")
	_, ok = f.store.Get(msgs["bad"].ID)
	assert.True(t, ok, "failed retention is longer")

	f.now = epoch.Add(31 * 24 * time.Hour)
	removed, err = f.relay.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Zero(t, f.store.Len())
}

func TestRelayRun(t *testing.T) {
	opts := LowLatency()
	store := NewMemoryStore()
	pub := &recordingPublisher{failFor: map[string]error{}}

	ob, err := New(store, opts)
	require.NoError(t, err)
	relay, err := NewRelay(store, pub, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.NoError(t, ob.Enqueue(context.Background(), &Message{MessageID: "a", Exchange: "orders"}))
	require.Eventually(t, func() bool { return len(pub.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, relay.Run(ctx), ErrRelayRunning)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestNewRelayValidation(t *testing.T) {
	_, err := NewRelay(nil, &recordingPublisher{}, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidOptions)

	opts := DefaultOptions()
	opts.BatchSize = 0
	_, err = NewRelay(NewMemoryStore(), &recordingPublisher{}, opts)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}
