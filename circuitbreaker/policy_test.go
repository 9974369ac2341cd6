package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string { return "timeout" }

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

func TestNewPolicy(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p, err := NewPolicy()
		require.NoError(t, err)

		assert.Equal(t, DefaultTrackingPeriod, p.TrackingPeriod())
		assert.Equal(t, DefaultTripThreshold, p.TripThreshold())
		assert.Equal(t, DefaultActiveThreshold, p.ActiveThreshold())
		assert.Equal(t, DefaultResetInterval, p.ResetInterval())
		assert.Equal(t, DefaultSuccessThreshold, p.SuccessThreshold())
		assert.Equal(t, DefaultHalfOpenRequests, p.HalfOpenRequests())
		assert.Zero(t, p.FailureRateThreshold())
		assert.Zero(t, p.HalfOpenDuration())
	})

	t.Run("applies options", func(t *testing.T) {
		p, err := NewPolicy(
			WithTrackingPeriod(2*time.Minute),
			WithTripThreshold(15),
			WithActiveThreshold(10),
			WithResetInterval(time.Minute),
			WithFailureRateThreshold(40),
			WithHalfOpenDuration(10*time.Second),
			WithSuccessThreshold(2),
			WithHalfOpenRequests(1),
		)
		require.NoError(t, err)

		assert.Equal(t, 2*time.Minute, p.TrackingPeriod())
		assert.Equal(t, 15, p.TripThreshold())
		assert.Equal(t, 10, p.ActiveThreshold())
		assert.Equal(t, time.Minute, p.ResetInterval())
		assert.Equal(t, 40.0, p.FailureRateThreshold())
		assert.Equal(t, 10*time.Second, p.HalfOpenDuration())
		assert.Equal(t, 2, p.SuccessThreshold())
		assert.Equal(t, 1, p.HalfOpenRequests())
	})

	invalid := map[string]Option{
		"zero tracking period":      WithTrackingPeriod(0),
		"zero trip threshold":       WithTripThreshold(0),
		"zero active threshold":     WithActiveThreshold(0),
		"zero reset interval":       WithResetInterval(0),
		"negative failure rate":     WithFailureRateThreshold(-1),
		"failure rate above 100":    WithFailureRateThreshold(101),
		"negative half-open period": WithHalfOpenDuration(-time.Second),
		"zero success threshold":    WithSuccessThreshold(0),
		"zero half-open requests":   WithHalfOpenRequests(0),
	}
	for name, opt := range invalid {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := NewPolicy(opt)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestShouldCount(t *testing.T) {
	t.Run("counts every error by default", func(t *testing.T) {
		p, err := NewPolicy()
		require.NoError(t, err)

		assert.True(t, p.ShouldCount(errors.New("x")))
		assert.False(t, p.ShouldCount(nil))
	})

	t.Run("handled set restricts counting", func(t *testing.T) {
		p, err := NewPolicy(Handle[timeoutError]())
		require.NoError(t, err)

		assert.True(t, p.ShouldCount(fmt.Errorf("call: %w", timeoutError{})))
		assert.False(t, p.ShouldCount(notFoundError{}))
	})

	t.Run("ignored wins over handled", func(t *testing.T) {
		p, err := NewPolicy(Handle[timeoutError](), Ignore[timeoutError]())
		require.NoError(t, err)

		assert.False(t, p.ShouldCount(timeoutError{}))
	})

	t.Run("sentinel and predicate matchers", func(t *testing.T) {
		p, err := NewPolicy(
			HandleIs(context.DeadlineExceeded),
			HandleIf(func(err error) bool { return err.Error() == "unavailable" }),
			IgnoreIf(nil),
		)
		require.NoError(t, err)

		assert.True(t, p.ShouldCount(context.DeadlineExceeded))
		assert.True(t, p.ShouldCount(errors.New("unavailable")))
		assert.False(t, p.ShouldCount(errors.New("bad request")))
	})
}

func TestShouldTrip(t *testing.T) {
	p, err := NewPolicy(WithTripThreshold(5), WithActiveThreshold(4), WithFailureRateThreshold(50))
	require.NoError(t, err)

	cases := []struct {
		requests, failures int
		want               bool
	}{
		{3, 3, false},
		{4, 1, false},
		{4, 2, true},
		{20, 5, true},
		{20, 4, false},
		{10, 5, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.shouldTrip(tc.requests, tc.failures), "requests=%d failures=%d", tc.requests, tc.failures)
	}
}
