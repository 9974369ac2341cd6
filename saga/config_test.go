package saga

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfiguration(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := NewConfiguration()
		require.NoError(t, err)
		assert.Equal(t, PersistenceInMemory, cfg.Persistence)
		assert.Equal(t, DefaultExpiration, cfg.DefaultExpiration)
		assert.Equal(t, DefaultCompletedExpiration, cfg.CompletedExpiration)
		assert.True(t, cfg.EnableTimeouts)
		assert.Equal(t, DefaultTimeoutCheckInterval, cfg.TimeoutCheckInterval)
	})

	t.Run("high availability", func(t *testing.T) {
		cfg, err := NewConfiguration(HighAvailability())
		require.NoError(t, err)
		assert.Equal(t, 7*24*time.Hour, cfg.DefaultExpiration)
		assert.Equal(t, 7*24*time.Hour, cfg.CompletedExpiration)
		assert.True(t, cfg.EnableTimeouts)
		assert.Equal(t, 30*time.Second, cfg.TimeoutCheckInterval)
	})

	t.Run("short lived", func(t *testing.T) {
		cfg, err := NewConfiguration(ShortLived())
		require.NoError(t, err)
		assert.Equal(t, time.Hour, cfg.DefaultExpiration)
		assert.Equal(t, 5*time.Minute, cfg.CompletedExpiration)
		assert.Equal(t, 10*time.Second, cfg.TimeoutCheckInterval)
	})

	t.Run("later options override presets", func(t *testing.T) {
		cfg, err := NewConfiguration(ShortLived(), WithCompletedExpiration(time.Minute), WithoutTimeouts())
		require.NoError(t, err)
		assert.Equal(t, time.Minute, cfg.CompletedExpiration)
		assert.False(t, cfg.EnableTimeouts)
	})

	t.Run("redis with client", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
		defer client.Close()

		cfg, err := NewConfiguration(UseRedis(client, "orders"))
		require.NoError(t, err)
		assert.Equal(t, PersistenceRedis, cfg.Persistence)
		assert.Equal(t, "orders", cfg.RedisKeyPrefix)
	})

	t.Run("backend without handle fails", func(t *testing.T) {
		for _, opt := range []Option{UseRedis(nil, ""), UseSQL(nil, ""), UseMongoDB(nil)} {
			_, err := NewConfiguration(opt)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		_, err := NewConfiguration(WithTimeouts(0))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		_, err = NewConfiguration(WithDefaultExpiration(-time.Second))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func TestNewRepository(t *testing.T) {
	cfg, err := NewConfiguration()
	require.NoError(t, err)

	repo, err := NewRepository(cfg, newOrderSaga)
	require.NoError(t, err)
	assert.IsType(t, &MemoryRepository[*OrderSaga]{}, repo)

	_, err = NewRepository[*OrderSaga](cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewRepository(nil, newOrderSaga)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
