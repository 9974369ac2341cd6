package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transientError struct{}

func (transientError) Error() string { return "transient" }

type validationError struct{}

func (validationError) Error() string { return "validation" }

func TestExponentialPolicy(t *testing.T) {
	t.Run("doubles each attempt until the cap", func(t *testing.T) {
		p, err := Exponential(4, time.Second, 10*time.Second)
		require.NoError(t, err)

		assert.Equal(t, time.Second, p.Delay(1))
		assert.Equal(t, 2*time.Second, p.Delay(2))
		assert.Equal(t, 4*time.Second, p.Delay(3))
		assert.Equal(t, 8*time.Second, p.Delay(4))
	})

	t.Run("fifth attempt is capped at max interval", func(t *testing.T) {
		p, err := Exponential(5, time.Second, 10*time.Second)
		require.NoError(t, err)

		assert.Equal(t, 10*time.Second, p.Delay(5))
	})

	t.Run("attempt is clamped to the retry count", func(t *testing.T) {
		p, err := Exponential(3, time.Second, time.Minute)
		require.NoError(t, err)

		assert.Equal(t, p.Delay(1), p.Delay(0))
		assert.Equal(t, p.Delay(1), p.Delay(-5))
		assert.Equal(t, p.Delay(3), p.Delay(42))
	})

	t.Run("custom base", func(t *testing.T) {
		p, err := Exponential(3, 100*time.Millisecond, time.Minute, WithExponentialBase(3))
		require.NoError(t, err)

		assert.Equal(t, 900*time.Millisecond, p.Delay(3))
	})

	t.Run("base below one is rejected", func(t *testing.T) {
		_, err := Exponential(3, time.Second, time.Minute, WithExponentialBase(0.5))
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestPolicyTypes(t *testing.T) {
	t.Run("immediate never waits", func(t *testing.T) {
		p, err := Immediate(5)
		require.NoError(t, err)
		for i := 1; i <= 5; i++ {
			assert.Zero(t, p.Delay(i))
		}
	})

	t.Run("fixed interval", func(t *testing.T) {
		p, err := Interval(3, 750*time.Millisecond)
		require.NoError(t, err)
		for i := 1; i <= 3; i++ {
			assert.Equal(t, 750*time.Millisecond, p.Delay(i))
		}
	})

	t.Run("fixed interval larger than the default cap keeps its value", func(t *testing.T) {
		p, err := Interval(2, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, p.Delay(1))
	})

	t.Run("custom intervals are used in order", func(t *testing.T) {
		p, err := Intervals([]time.Duration{time.Second, 5 * time.Second, 15 * time.Second})
		require.NoError(t, err)

		assert.Equal(t, 3, p.RetryCount())
		assert.Equal(t, time.Second, p.Delay(1))
		assert.Equal(t, 5*time.Second, p.Delay(2))
		assert.Equal(t, 15*time.Second, p.Delay(3))
	})

	t.Run("custom intervals fall back to the initial interval", func(t *testing.T) {
		p, err := Intervals([]time.Duration{time.Second}, WithRetryCount(3), WithInitialInterval(2*time.Second))
		require.NoError(t, err)

		assert.Equal(t, time.Second, p.Delay(1))
		assert.Equal(t, 2*time.Second, p.Delay(2))
	})

	t.Run("custom intervals require at least one interval", func(t *testing.T) {
		_, err := Intervals(nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("incremental adds the increment", func(t *testing.T) {
		p, err := Incremental(4, time.Second, 500*time.Millisecond)
		require.NoError(t, err)

		assert.Equal(t, time.Second, p.Delay(1))
		assert.Equal(t, 1500*time.Millisecond, p.Delay(2))
		assert.Equal(t, 2500*time.Millisecond, p.Delay(4))
	})

	t.Run("negative retry count is rejected", func(t *testing.T) {
		_, err := Immediate(-1)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestDelayProperties(t *testing.T) {
	build := func(t *testing.T, jitter bool) []*Policy {
		var opts []Option
		if jitter {
			opts = append(opts, WithJitter(50))
		}
		policies := make([]*Policy, 0, 5)
		for _, ctor := range []func() (*Policy, error){
			func() (*Policy, error) { return Immediate(6, opts...) },
			func() (*Policy, error) { return Interval(6, 3*time.Second, opts...) },
			func() (*Policy, error) {
				return Intervals([]time.Duration{time.Second, 20 * time.Second, 40 * time.Second}, opts...)
			},
			func() (*Policy, error) { return Exponential(6, time.Second, 10*time.Second, opts...) },
			func() (*Policy, error) {
				return Incremental(6, time.Second, 3*time.Second, append(opts, WithMaxInterval(8*time.Second))...)
			},
		} {
			p, err := ctor()
			require.NoError(t, err)
			policies = append(policies, p)
		}
		return policies
	}

	t.Run("delay stays within zero and max interval", func(t *testing.T) {
		for _, jitter := range []bool{false, true} {
			for _, p := range build(t, jitter) {
				for attempt := 1; attempt <= p.RetryCount(); attempt++ {
					for i := 0; i < 50; i++ {
						d := p.Delay(attempt)
						assert.GreaterOrEqual(t, d, time.Duration(0), "%s attempt %d", p.Type(), attempt)
						assert.LessOrEqual(t, d, p.MaxInterval(), "%s attempt %d", p.Type(), attempt)
					}
				}
			}
		}
	})

	t.Run("exponential and incremental never shrink without jitter", func(t *testing.T) {
		for _, p := range build(t, false) {
			if p.Type() != TypeExponential && p.Type() != TypeIncremental {
				continue
			}
			for attempt := 1; attempt < p.RetryCount(); attempt++ {
				assert.GreaterOrEqual(t, p.Delay(attempt+1), p.Delay(attempt), "%s attempt %d", p.Type(), attempt)
			}
		}
	})
}

func TestJitter(t *testing.T) {
	t.Run("applies a symmetric adjustment", func(t *testing.T) {
		p, err := Interval(3, time.Second, WithJitter(20))
		require.NoError(t, err)

		p.random = func() float64 { return 0 }
		assert.Equal(t, 900*time.Millisecond, p.Delay(1))

		p.random = func() float64 { return 0.5 }
		assert.Equal(t, time.Second, p.Delay(1))

		p.random = func() float64 { return 0.999999 }
		assert.InDelta(t, float64(1100*time.Millisecond), float64(p.Delay(1)), float64(time.Millisecond))
	})

	t.Run("never exceeds the cap", func(t *testing.T) {
		p, err := Exponential(3, 10*time.Second, 10*time.Second, WithJitter(100))
		require.NoError(t, err)

		p.random = func() float64 { return 0.99 }
		assert.Equal(t, 10*time.Second, p.Delay(1))
	})

	t.Run("produces varying delays", func(t *testing.T) {
		p, err := Interval(3, time.Second, WithJitter(30))
		require.NoError(t, err)

		seen := map[time.Duration]bool{}
		for i := 0; i < 20; i++ {
			seen[p.Delay(1)] = true
		}
		assert.Greater(t, len(seen), 1)
	})

	t.Run("rejects out of range percentages", func(t *testing.T) {
		_, err := Interval(3, time.Second, WithJitter(0))
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = Interval(3, time.Second, WithJitter(150))
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestShouldRetry(t *testing.T) {
	t.Run("retries everything by default", func(t *testing.T) {
		p, err := Immediate(1)
		require.NoError(t, err)

		assert.True(t, p.ShouldRetry(errors.New("anything")))
		assert.False(t, p.ShouldRetry(nil))
	})

	t.Run("handled set is an allow-list", func(t *testing.T) {
		p, err := Immediate(1, Handle[transientError]())
		require.NoError(t, err)

		assert.True(t, p.ShouldRetry(transientError{}))
		assert.True(t, p.ShouldRetry(fmt.Errorf("consume: %w", transientError{})))
		assert.False(t, p.ShouldRetry(validationError{}))
	})

	t.Run("ignored wins over handled", func(t *testing.T) {
		p, err := Immediate(1, Handle[transientError](), Ignore[transientError]())
		require.NoError(t, err)

		assert.False(t, p.ShouldRetry(transientError{}))
	})

	t.Run("ignored without handled", func(t *testing.T) {
		p, err := Immediate(1, IgnoreIs(context.Canceled))
		require.NoError(t, err)

		assert.False(t, p.ShouldRetry(context.Canceled))
		assert.True(t, p.ShouldRetry(transientError{}))
	})

	t.Run("interface types match their implementations", func(t *testing.T) {
		p, err := Immediate(1, Handle[net.Error]())
		require.NoError(t, err)

		assert.True(t, p.ShouldRetry(&net.DNSError{Err: "lookup failed", IsTimeout: true}))
		assert.False(t, p.ShouldRetry(validationError{}))
	})

	t.Run("custom predicates", func(t *testing.T) {
		p, err := Immediate(1, HandleIf(func(err error) bool { return err.Error() == "flaky" }))
		require.NoError(t, err)

		assert.True(t, p.ShouldRetry(errors.New("flaky")))
		assert.False(t, p.ShouldRetry(errors.New("solid")))
	})

	t.Run("nil predicate is rejected", func(t *testing.T) {
		_, err := Immediate(1, HandleIf(nil))
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}
