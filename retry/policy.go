package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/glimte/mmate-bus/internal/errclass"
)

// Type selects how delays grow between attempts
type Type int

const (
	TypeImmediate Type = iota
	TypeFixedInterval
	TypeCustomIntervals
	TypeExponential
	TypeIncremental
)

func (t Type) String() string {
	switch t {
	case TypeImmediate:
		return "immediate"
	case TypeFixedInterval:
		return "fixed-interval"
	case TypeCustomIntervals:
		return "custom-intervals"
	case TypeExponential:
		return "exponential"
	case TypeIncremental:
		return "incremental"
	default:
		return "unknown"
	}
}

// Defaults used when an option is not supplied
const (
	DefaultRetryCount      = 3
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultExponentialBase = 2.0
)

// Policy is an immutable retry configuration. It is safe to share between goroutines.
type Policy struct {
	typ               Type
	retryCount        int
	initialInterval   time.Duration
	maxInterval       time.Duration
	exponentialBase   float64
	intervalIncrement time.Duration
	intervals         []time.Duration
	jitter            bool
	jitterPercent     float64
	classifier        errclass.Classifier
	random            func() float64
}

// Type returns the retry type
func (p *Policy) Type() Type { return p.typ }

// RetryCount returns the number of retries after the first attempt
func (p *Policy) RetryCount() int { return p.retryCount }

// InitialInterval returns the first delay
func (p *Policy) InitialInterval() time.Duration { return p.initialInterval }

// MaxInterval returns the delay cap
func (p *Policy) MaxInterval() time.Duration { return p.maxInterval }

// ExponentialBase returns the growth factor for exponential policies
func (p *Policy) ExponentialBase() float64 { return p.exponentialBase }

// IntervalIncrement returns the step for incremental policies
func (p *Policy) IntervalIncrement() time.Duration { return p.intervalIncrement }

// Intervals returns a copy of the custom intervals
func (p *Policy) Intervals() []time.Duration {
	return append([]time.Duration(nil), p.intervals...)
}

// Jitter reports whether jitter is enabled and its percentage
func (p *Policy) Jitter() (bool, float64) { return p.jitter, p.jitterPercent }

// Delay returns the wait before the given attempt (1-based). The attempt is
// clamped to [1, RetryCount] and the result always lies in [0, MaxInterval].
func (p *Policy) Delay(attempt int) time.Duration {
	attempt = p.clamp(attempt)

	var delay float64
	switch p.typ {
	case TypeImmediate:
		return 0
	case TypeFixedInterval:
		delay = float64(p.initialInterval)
	case TypeCustomIntervals:
		if attempt-1 < len(p.intervals) {
			delay = float64(p.intervals[attempt-1])
		} else {
			delay = float64(p.initialInterval)
		}
	case TypeExponential:
		delay = float64(p.initialInterval) * math.Pow(p.exponentialBase, float64(attempt-1))
	case TypeIncremental:
		delay = float64(p.initialInterval) + float64(p.intervalIncrement)*float64(attempt-1)
	}

	ceiling := float64(p.maxInterval)
	if delay > ceiling {
		delay = ceiling
	}

	if p.jitter && delay > 0 {
		spread := delay * p.jitterPercent / 100
		delay += (p.random() - 0.5) * spread
	}

	if delay < 0 {
		delay = 0
	}
	if delay > ceiling {
		delay = ceiling
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether err is retryable under this policy. Ignored
// matches always win; a handled set restricts retries to its members.
func (p *Policy) ShouldRetry(err error) bool {
	return p.classifier.Accepts(err)
}

func (p *Policy) clamp(attempt int) int {
	if attempt < 1 {
		return 1
	}
	if p.retryCount > 0 && attempt > p.retryCount {
		return p.retryCount
	}
	return attempt
}

// New builds a policy from options. Without a type option it is a fixed-interval policy.
func New(options ...Option) (*Policy, error) {
	p := &Policy{
		typ:             TypeFixedInterval,
		retryCount:      DefaultRetryCount,
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
		exponentialBase: DefaultExponentialBase,
		random:          rand.Float64,
	}

	for _, opt := range options {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	p.classifier = p.classifier.Clone()
	return p, nil
}

// Immediate retries without waiting
func Immediate(retryCount int, options ...Option) (*Policy, error) {
	return New(append([]Option{withType(TypeImmediate), WithRetryCount(retryCount)}, options...)...)
}

// Interval waits the same interval before every retry
func Interval(retryCount int, interval time.Duration, options ...Option) (*Policy, error) {
	return New(append([]Option{
		withType(TypeFixedInterval),
		WithRetryCount(retryCount),
		WithInitialInterval(interval),
		WithMaxInterval(maxDuration(interval, DefaultMaxInterval)),
	}, options...)...)
}

// Intervals waits the given intervals in order. The retry count is the number of intervals.
func Intervals(intervals []time.Duration, options ...Option) (*Policy, error) {
	largest := DefaultMaxInterval
	for _, d := range intervals {
		largest = maxDuration(largest, d)
	}

	var first time.Duration
	if len(intervals) > 0 {
		first = intervals[0]
	}

	return New(append([]Option{
		withType(TypeCustomIntervals),
		WithRetryCount(len(intervals)),
		WithInitialInterval(first),
		WithMaxInterval(largest),
		func(p *Policy) error {
			p.intervals = append([]time.Duration(nil), intervals...)
			return nil
		},
	}, options...)...)
}

// Exponential grows the delay by the exponential base on every attempt
func Exponential(retryCount int, initial, max time.Duration, options ...Option) (*Policy, error) {
	return New(append([]Option{
		withType(TypeExponential),
		WithRetryCount(retryCount),
		WithInitialInterval(initial),
		WithMaxInterval(max),
	}, options...)...)
}

// Incremental adds increment to the delay on every attempt
func Incremental(retryCount int, initial, increment time.Duration, options ...Option) (*Policy, error) {
	return New(append([]Option{
		withType(TypeIncremental),
		WithRetryCount(retryCount),
		WithInitialInterval(initial),
		WithIntervalIncrement(increment),
	}, options...)...)
}

func (p *Policy) validate() error {
	switch {
	case p.retryCount < 0:
		return fmt.Errorf("%w: retry count must not be negative", ErrInvalidArgument)
	case p.initialInterval < 0:
		return fmt.Errorf("%w: initial interval must not be negative", ErrInvalidArgument)
	case p.maxInterval < 0:
		return fmt.Errorf("%w: max interval must not be negative", ErrInvalidArgument)
	case p.intervalIncrement < 0:
		return fmt.Errorf("%w: interval increment must not be negative", ErrInvalidArgument)
	case p.typ == TypeExponential && p.exponentialBase < 1:
		return fmt.Errorf("%w: exponential base must be at least 1", ErrInvalidArgument)
	case p.typ == TypeCustomIntervals && len(p.intervals) == 0:
		return fmt.Errorf("%w: at least one interval is required", ErrInvalidArgument)
	}
	for _, d := range p.intervals {
		if d < 0 {
			return fmt.Errorf("%w: intervals must not be negative", ErrInvalidArgument)
		}
	}
	return nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
