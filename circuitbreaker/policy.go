package circuitbreaker

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-bus/internal/errclass"
)

// Defaults used when an option is not supplied
const (
	DefaultTrackingPeriod   = time.Minute
	DefaultTripThreshold    = 5
	DefaultActiveThreshold  = 5
	DefaultResetInterval    = 30 * time.Second
	DefaultSuccessThreshold = 3
	DefaultHalfOpenRequests = 3
)

// Policy is the immutable configuration of a circuit. Build it with NewPolicy
// and share it between breakers; runtime counters live in Breaker.
type Policy struct {
	trackingPeriod       time.Duration
	tripThreshold        int
	activeThreshold      int
	resetInterval        time.Duration
	failureRateThreshold float64
	halfOpenDuration     time.Duration
	successThreshold     int
	halfOpenRequests     int

	classifier errclass.Classifier

	onBreak    func(err error, retryIn time.Duration)
	onReset    func()
	onHalfOpen func()
}

// NewPolicy builds a validated policy
func NewPolicy(options ...Option) (*Policy, error) {
	p := &Policy{
		trackingPeriod:   DefaultTrackingPeriod,
		tripThreshold:    DefaultTripThreshold,
		activeThreshold:  DefaultActiveThreshold,
		resetInterval:    DefaultResetInterval,
		successThreshold: DefaultSuccessThreshold,
		halfOpenRequests: DefaultHalfOpenRequests,
	}
	for _, opt := range options {
		opt(p)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.classifier = p.classifier.Clone()
	return p, nil
}

func (p *Policy) validate() error {
	switch {
	case p.trackingPeriod <= 0:
		return fmt.Errorf("%w: tracking period must be positive", ErrInvalidArgument)
	case p.tripThreshold < 1:
		return fmt.Errorf("%w: trip threshold must be at least 1", ErrInvalidArgument)
	case p.activeThreshold < 1:
		return fmt.Errorf("%w: active threshold must be at least 1", ErrInvalidArgument)
	case p.resetInterval <= 0:
		return fmt.Errorf("%w: reset interval must be positive", ErrInvalidArgument)
	case p.failureRateThreshold < 0 || p.failureRateThreshold > 100:
		return fmt.Errorf("%w: failure rate threshold must be in [0, 100]", ErrInvalidArgument)
	case p.halfOpenDuration < 0:
		return fmt.Errorf("%w: half-open duration must not be negative", ErrInvalidArgument)
	case p.successThreshold < 1:
		return fmt.Errorf("%w: success threshold must be at least 1", ErrInvalidArgument)
	case p.halfOpenRequests < 1:
		return fmt.Errorf("%w: half-open requests must be at least 1", ErrInvalidArgument)
	}
	return nil
}

// TrackingPeriod is the length of the sliding window
func (p *Policy) TrackingPeriod() time.Duration { return p.trackingPeriod }

// TripThreshold is the number of counted failures in the window that trips the circuit
func (p *Policy) TripThreshold() int { return p.tripThreshold }

// ActiveThreshold is the minimum number of requests in the window before the circuit may trip
func (p *Policy) ActiveThreshold() int { return p.activeThreshold }

// ResetInterval is how long the circuit stays open before probing
func (p *Policy) ResetInterval() time.Duration { return p.resetInterval }

// FailureRateThreshold is the failure percentage that trips the circuit; zero disables it
func (p *Policy) FailureRateThreshold() float64 { return p.failureRateThreshold }

// HalfOpenDuration bounds the half-open state; zero means unbounded
func (p *Policy) HalfOpenDuration() time.Duration { return p.halfOpenDuration }

// SuccessThreshold is the number of consecutive half-open successes that close the circuit
func (p *Policy) SuccessThreshold() int { return p.successThreshold }

// HalfOpenRequests is the number of concurrent probes admitted while half-open
func (p *Policy) HalfOpenRequests() int { return p.halfOpenRequests }

// ShouldCount reports whether err counts as a failure. Ignored matches win,
// a handled set restricts counting to its members, nil never counts.
func (p *Policy) ShouldCount(err error) bool {
	return p.classifier.Accepts(err)
}

// shouldTrip evaluates both trip conditions; either one is sufficient once the
// window carries enough traffic.
func (p *Policy) shouldTrip(requests, failures int) bool {
	if requests < p.activeThreshold {
		return false
	}
	if failures >= p.tripThreshold {
		return true
	}
	if p.failureRateThreshold > 0 && requests > 0 {
		return float64(failures)*100/float64(requests) >= p.failureRateThreshold
	}
	return false
}
