package retry

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-bus/internal/errclass"
)

// Option configures a Policy. Options validate their input and fail the build on bad values.
type Option func(*Policy) error

func withType(t Type) Option {
	return func(p *Policy) error {
		p.typ = t
		return nil
	}
}

// WithRetryCount sets the number of retries
func WithRetryCount(n int) Option {
	return func(p *Policy) error {
		if n < 0 {
			return fmt.Errorf("%w: retry count must not be negative, got %d", ErrInvalidArgument, n)
		}
		p.retryCount = n
		return nil
	}
}

// WithInitialInterval sets the first delay
func WithInitialInterval(d time.Duration) Option {
	return func(p *Policy) error {
		p.initialInterval = d
		return nil
	}
}

// WithMaxInterval sets the delay cap
func WithMaxInterval(d time.Duration) Option {
	return func(p *Policy) error {
		p.maxInterval = d
		return nil
	}
}

// WithExponentialBase sets the growth factor of exponential policies
func WithExponentialBase(base float64) Option {
	return func(p *Policy) error {
		p.exponentialBase = base
		return nil
	}
}

// WithIntervalIncrement sets the step of incremental policies
func WithIntervalIncrement(d time.Duration) Option {
	return func(p *Policy) error {
		p.intervalIncrement = d
		return nil
	}
}

// WithJitter randomises each delay by up to ±percent/2 of its value
func WithJitter(percent float64) Option {
	return func(p *Policy) error {
		if percent <= 0 || percent > 100 {
			return fmt.Errorf("%w: jitter percent must be in (0, 100], got %v", ErrInvalidArgument, percent)
		}
		p.jitter = true
		p.jitterPercent = percent
		return nil
	}
}

// Handle restricts retries to errors assignable to E (via errors.As)
func Handle[E error]() Option {
	return HandleIf(errclass.As[E]())
}

// HandleIs restricts retries to errors matching target (via errors.Is)
func HandleIs(target error) Option {
	return HandleIf(errclass.Is(target))
}

// HandleIf restricts retries to errors matching the predicate
func HandleIf(pred func(error) bool) Option {
	return func(p *Policy) error {
		if pred == nil {
			return fmt.Errorf("%w: handled predicate is nil", ErrInvalidArgument)
		}
		p.classifier.Handle(pred)
		return nil
	}
}

// Ignore never retries errors assignable to E, even when they are also handled
func Ignore[E error]() Option {
	return IgnoreIf(errclass.As[E]())
}

// IgnoreIs never retries errors matching target
func IgnoreIs(target error) Option {
	return IgnoreIf(errclass.Is(target))
}

// IgnoreIf never retries errors matching the predicate
func IgnoreIf(pred func(error) bool) Option {
	return func(p *Policy) error {
		if pred == nil {
			return fmt.Errorf("%w: ignored predicate is nil", ErrInvalidArgument)
		}
		p.classifier.Ignore(pred)
		return nil
	}
}
