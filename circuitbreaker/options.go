package circuitbreaker

import (
	"time"

	"github.com/glimte/mmate-bus/internal/errclass"
)

// Option configures a Policy
type Option func(*Policy)

// WithTrackingPeriod sets the sliding window length
func WithTrackingPeriod(d time.Duration) Option {
	return func(p *Policy) {
		p.trackingPeriod = d
	}
}

// WithTripThreshold sets the failure count that opens the circuit
func WithTripThreshold(n int) Option {
	return func(p *Policy) {
		p.tripThreshold = n
	}
}

// WithActiveThreshold sets the minimum window traffic before tripping
func WithActiveThreshold(n int) Option {
	return func(p *Policy) {
		p.activeThreshold = n
	}
}

// WithResetInterval sets how long the circuit stays open
func WithResetInterval(d time.Duration) Option {
	return func(p *Policy) {
		p.resetInterval = d
	}
}

// WithFailureRateThreshold enables the failure-rate trip condition
func WithFailureRateThreshold(percent float64) Option {
	return func(p *Policy) {
		p.failureRateThreshold = percent
	}
}

// WithHalfOpenDuration reopens the circuit when half-open lasts longer than d
func WithHalfOpenDuration(d time.Duration) Option {
	return func(p *Policy) {
		p.halfOpenDuration = d
	}
}

// WithSuccessThreshold sets the consecutive successes needed to close
func WithSuccessThreshold(n int) Option {
	return func(p *Policy) {
		p.successThreshold = n
	}
}

// WithHalfOpenRequests sets the max concurrent probes while half-open
func WithHalfOpenRequests(n int) Option {
	return func(p *Policy) {
		p.halfOpenRequests = n
	}
}

// Handle restricts counted failures to errors assignable to E
func Handle[E error]() Option {
	return HandleIf(errclass.As[E]())
}

// HandleIs restricts counted failures to errors matching target
func HandleIs(target error) Option {
	return HandleIf(errclass.Is(target))
}

// HandleIf restricts counted failures to errors matching pred
func HandleIf(pred func(error) bool) Option {
	return func(p *Policy) {
		if pred != nil {
			p.classifier.Handle(pred)
		}
	}
}

// Ignore never counts errors assignable to E
func Ignore[E error]() Option {
	return IgnoreIf(errclass.As[E]())
}

// IgnoreIs never counts errors matching target
func IgnoreIs(target error) Option {
	return IgnoreIf(errclass.Is(target))
}

// IgnoreIf never counts errors matching pred
func IgnoreIf(pred func(error) bool) Option {
	return func(p *Policy) {
		if pred != nil {
			p.classifier.Ignore(pred)
		}
	}
}

// OnBreak is called when the circuit opens, with the triggering error and the
// time until the next half-open attempt
func OnBreak(fn func(err error, retryIn time.Duration)) Option {
	return func(p *Policy) {
		p.onBreak = fn
	}
}

// OnReset is called when the circuit closes
func OnReset(fn func()) Option {
	return func(p *Policy) {
		p.onReset = fn
	}
}

// OnHalfOpen is called when the circuit starts probing
func OnHalfOpen(fn func()) Option {
	return func(p *Policy) {
		p.onHalfOpen = fn
	}
}
