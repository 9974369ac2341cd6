package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists saga instances of type T
type Repository[T Instance] interface {
	// Save inserts or updates inst. The stored version must match
	// inst's version, which is incremented on success.
	Save(ctx context.Context, inst T) error
	Load(ctx context.Context, id uuid.UUID) (T, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// DueForTimeout returns active instances whose timeout is at or before now
	DueForTimeout(ctx context.Context, now time.Time, limit int) ([]T, error)
	// PurgeExpired removes instances past their retention and returns how many
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Factory returns a new zero instance to decode into
type Factory[T Instance] func() T

// NewRepository creates the repository selected by cfg
func NewRepository[T Instance](cfg *Configuration, factory Factory[T]) (Repository[T], error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", ErrInvalidConfiguration)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: instance factory is required", ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Persistence {
	case PersistenceRedis:
		return NewRedisRepository(cfg, factory), nil
	case PersistenceSQL:
		return NewSQLRepository(cfg, factory), nil
	case PersistenceMongoDB:
		return NewMongoRepository(cfg, factory), nil
	default:
		return NewMemoryRepository(cfg, factory), nil
	}
}

// stamp advances st for a save at now and returns the version the store must
// hold plus a function restoring st if the save fails
func stamp(st *State, now time.Time) (int64, func()) {
	prev := *st
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	st.Version++
	return prev.Version, func() { *st = prev }
}

func encode(inst Instance) ([]byte, error) {
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("saga: encode instance: %w", err)
	}
	return data, nil
}

func decode[T Instance](factory Factory[T], data []byte) (T, error) {
	inst := factory()
	if err := json.Unmarshal(data, inst); err != nil {
		var zero T
		return zero, fmt.Errorf("saga: decode instance: %w", err)
	}
	return inst, nil
}

func conflict(id uuid.UUID, expected int64) error {
	return fmt.Errorf("%w: instance %s is not at version %d", ErrConcurrencyConflict, id, expected)
}

func notFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
}
