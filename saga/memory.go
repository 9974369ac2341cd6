package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRecord struct {
	data  []byte
	state State
}

// MemoryRepository keeps instances in process memory. Instances are stored
// serialized so callers never share state with the repository.
type MemoryRepository[T Instance] struct {
	cfg     *Configuration
	factory Factory[T]

	mu      sync.RWMutex
	records map[uuid.UUID]memoryRecord
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository[T Instance](cfg *Configuration, factory Factory[T]) *MemoryRepository[T] {
	return &MemoryRepository[T]{
		cfg:     cfg,
		factory: factory,
		records: make(map[uuid.UUID]memoryRecord),
	}
}

func (r *MemoryRepository[T]) Save(ctx context.Context, inst T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := validate(inst)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expected, undo := stamp(st, r.cfg.now())
	cur, ok := r.records[st.CorrelationID]
	if (ok && cur.state.Version != expected) || (!ok && expected != 0) {
		undo()
		return conflict(st.CorrelationID, expected)
	}

	data, err := encode(inst)
	if err != nil {
		undo()
		return err
	}
	r.records[st.CorrelationID] = memoryRecord{data: data, state: *st}
	return nil
}

func (r *MemoryRepository[T]) Load(ctx context.Context, id uuid.UUID) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()

	if !ok {
		return zero, notFound(id)
	}
	return decode(r.factory, rec.data)
}

func (r *MemoryRepository[T]) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

func (r *MemoryRepository[T]) DueForTimeout(ctx context.Context, now time.Time, limit int) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	var due []memoryRecord
	for _, rec := range r.records {
		st := rec.state
		if st.TimeoutAt != nil && !st.TimeoutAt.After(now) && !st.IsCompleted() {
			due = append(due, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].state.TimeoutAt.Before(*due[j].state.TimeoutAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]T, 0, len(due))
	for _, rec := range due {
		inst, err := decode(r.factory, rec.data)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *MemoryRepository[T]) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for id, rec := range r.records {
		if rec.state.expired(now, r.cfg.DefaultExpiration, r.cfg.CompletedExpiration) {
			delete(r.records, id)
			purged++
		}
	}
	return purged, nil
}

// Len returns the number of stored instances
func (r *MemoryRepository[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
