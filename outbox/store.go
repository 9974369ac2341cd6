package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists outbox messages
type Store interface {
	Add(ctx context.Context, msgs ...*Message) error
	Pending(ctx context.Context, q PendingQuery) ([]*Message, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextAttempt time.Time, dead bool) error
	Exists(ctx context.Context, messageID string, since time.Time) (bool, error)
	Cleanup(ctx context.Context, processedBefore, failedBefore time.Time) (int, error)
}

// MemoryStore is a volatile Store for tests and single-process deployments
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]*Message
	seq      int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[uuid.UUID]*Message),
	}
}

// Add stores copies of msgs and assigns their sequence numbers
func (s *MemoryStore) Add(ctx context.Context, msgs ...*Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		s.seq++
		m.Sequence = s.seq
		c := *m
		s.messages[m.ID] = &c
	}
	return nil
}

// Pending returns copies of pending messages
func (s *MemoryStore) Pending(ctx context.Context, q PendingQuery) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.messages {
		if m.Status != StatusPending {
			continue
		}
		if !q.Ordered && m.NextAttemptAt.After(q.Now) {
			continue
		}
		c := *m
		out = append(out, &c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// MarkPublished records a successful publication
func (s *MemoryStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.update(ctx, id, func(m *Message) {
		m.Status = StatusPublished
		m.ProcessedAt = &at
	})
}

// MarkFailed records a failed attempt. Dead messages are not retried and
// nextAttempt becomes their processing time.
func (s *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextAttempt time.Time, dead bool) error {
	return s.update(ctx, id, func(m *Message) {
		m.Attempts++
		m.LastError = lastError
		m.NextAttemptAt = nextAttempt
		if dead {
			m.Status = StatusFailed
			at := nextAttempt
			m.ProcessedAt = &at
		}
	})
}

// Exists reports whether a message with messageID was stored since the given time
func (s *MemoryStore) Exists(ctx context.Context, messageID string, since time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages {
		if m.MessageID == messageID && !m.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// Cleanup removes published messages processed before processedBefore and
// failed messages processed before failedBefore
func (s *MemoryStore) Cleanup(ctx context.Context, processedBefore, failedBefore time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, m := range s.messages {
		if m.ProcessedAt == nil {
			continue
		}
		if (m.Status == StatusPublished && m.ProcessedAt.Before(processedBefore)) ||
			(m.Status == StatusFailed && m.ProcessedAt.Before(failedBefore)) {
			delete(s.messages, id)
			removed++
		}
	}
	return removed, nil
}

// Get returns a copy of the message with the given id
func (s *MemoryStore) Get(id uuid.UUID) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	c := *m
	return &c, true
}

// Len returns the number of stored messages
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *MemoryStore) update(ctx context.Context, id uuid.UUID, fn func(*Message)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	fn(m)
	return nil
}
