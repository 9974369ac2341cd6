package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("returns copies", func(t *testing.T) {
		s := NewMemoryStore()
		m := &Message{ID: uuid.New(), MessageID: "a", NextAttemptAt: epoch}
		require.NoError(t, s.Add(ctx, m))

		msgs, err := s.Pending(ctx, PendingQuery{Now: epoch})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		msgs[0].Status = StatusPublished

		stored, _ := s.Get(m.ID)
		assert.Equal(t, StatusPending, stored.Status)
	})

	t.Run("ordered query includes messages not yet due", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Add(ctx,
			&Message{ID: uuid.New(), MessageID: "late", NextAttemptAt: epoch.Add(time.Minute)},
			&Message{ID: uuid.New(), MessageID: "due", NextAttemptAt: epoch},
		))

		due, err := s.Pending(ctx, PendingQuery{Now: epoch})
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "due", due[0].MessageID)

		all, err := s.Pending(ctx, PendingQuery{Now: epoch, Ordered: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "late", all[0].MessageID)
	})

	t.Run("unknown ids", func(t *testing.T) {
		s := NewMemoryStore()
		assert.ErrorIs(t, s.MarkPublished(ctx, uuid.New(), epoch), ErrMessageNotFound)
		assert.ErrorIs(t, s.MarkFailed(ctx, uuid.New(), "x", epoch, false), ErrMessageNotFound)
	})
}
