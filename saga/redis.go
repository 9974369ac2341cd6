package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRepository stores each instance in a hash with its version and keeps
// pending timeouts in a sorted set. Redis expires instances through key TTLs.
type RedisRepository[T Instance] struct {
	cfg     *Configuration
	factory Factory[T]
	client  redis.UniversalClient
	prefix  string
}

// NewRedisRepository creates a repository over cfg.Redis
func NewRedisRepository[T Instance](cfg *Configuration, factory Factory[T]) *RedisRepository[T] {
	return &RedisRepository[T]{
		cfg:     cfg,
		factory: factory,
		client:  cfg.Redis,
		prefix:  cfg.RedisKeyPrefix,
	}
}

func (r *RedisRepository[T]) key(id uuid.UUID) string {
	return r.prefix + ":" + id.String()
}

func (r *RedisRepository[T]) timeoutsKey() string {
	return r.prefix + ":timeouts"
}

func (r *RedisRepository[T]) Save(ctx context.Context, inst T) error {
	st, err := validate(inst)
	if err != nil {
		return err
	}

	expected, undo := stamp(st, r.cfg.now())
	data, err := encode(inst)
	if err != nil {
		undo()
		return err
	}

	key := r.key(st.CorrelationID)
	ttl := r.cfg.DefaultExpiration
	if st.IsCompleted() {
		ttl = r.cfg.CompletedExpiration
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "version").Int64()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}
		if (exists && cur != expected) || (!exists && expected != 0) {
			return conflict(st.CorrelationID, expected)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, "data", data, "version", st.Version)
			if ttl > 0 {
				p.PExpire(ctx, key, ttl)
			} else {
				p.Persist(ctx, key)
			}
			if st.TimeoutAt != nil && !st.IsCompleted() {
				p.ZAdd(ctx, r.timeoutsKey(), redis.Z{
					Score:  float64(st.TimeoutAt.UnixMilli()),
					Member: st.CorrelationID.String(),
				})
			} else {
				p.ZRem(ctx, r.timeoutsKey(), st.CorrelationID.String())
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		undo()
		return conflict(st.CorrelationID, expected)
	case errors.Is(err, ErrConcurrencyConflict):
		undo()
		return err
	default:
		undo()
		return fmt.Errorf("saga: redis save %s: %w", st.CorrelationID, err)
	}
}

func (r *RedisRepository[T]) Load(ctx context.Context, id uuid.UUID) (T, error) {
	var zero T
	data, err := r.client.HGet(ctx, r.key(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, notFound(id)
	}
	if err != nil {
		return zero, fmt.Errorf("saga: redis load %s: %w", id, err)
	}
	return decode(r.factory, data)
}

func (r *RedisRepository[T]) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.key(id))
		p.ZRem(ctx, r.timeoutsKey(), id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("saga: redis delete %s: %w", id, err)
	}
	return nil
}

func (r *RedisRepository[T]) DueForTimeout(ctx context.Context, now time.Time, limit int) ([]T, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}

	ids, err := r.client.ZRangeByScore(ctx, r.timeoutsKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("saga: redis due timeouts: %w", err)
	}

	out := make([]T, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			r.client.ZRem(ctx, r.timeoutsKey(), raw)
			continue
		}
		inst, err := r.Load(ctx, id)
		if errors.Is(err, ErrInstanceNotFound) {
			r.client.ZRem(ctx, r.timeoutsKey(), raw)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// PurgeExpired drops timeout entries of instances Redis has already expired.
// Instances themselves expire through their key TTL, so it always reports 0.
func (r *RedisRepository[T]) PurgeExpired(ctx context.Context, _ time.Time) (int, error) {
	ids, err := r.client.ZRange(ctx, r.timeoutsKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("saga: redis purge: %w", err)
	}

	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err == nil {
			n, err := r.client.Exists(ctx, r.key(id)).Result()
			if err != nil {
				return 0, fmt.Errorf("saga: redis purge: %w", err)
			}
			if n > 0 {
				continue
			}
		}
		if err := r.client.ZRem(ctx, r.timeoutsKey(), raw).Err(); err != nil {
			return 0, fmt.Errorf("saga: redis purge: %w", err)
		}
	}
	return 0, nil
}
