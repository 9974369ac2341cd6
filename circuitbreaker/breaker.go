package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

type outcome struct {
	at      time.Time
	failure bool
}

// Breaker is the runtime side of a Policy: it owns the sliding window and the
// current state of one logical circuit. All methods are safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	policy    *Policy
	name      string
	now       func() time.Time
	logger    *slog.Logger
	listeners []StateChangeListener

	state        State
	generation   uint64
	window       []outcome
	openedAt     time.Time
	halfOpenedAt time.Time
	inFlight     int
	consecutive  int
	lastFailure  time.Time

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithName sets the circuit name used in errors, logs and metrics
func WithName(name string) BreakerOption {
	return func(b *Breaker) {
		b.name = name
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithLogger sets the logger for state transitions
func WithLogger(logger *slog.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithListener registers a state change listener
func WithListener(l StateChangeListener) BreakerOption {
	return func(b *Breaker) {
		b.listeners = append(b.listeners, l)
	}
}

// New creates a closed breaker. A nil policy uses the defaults.
func New(policy *Policy, options ...BreakerOption) *Breaker {
	if policy == nil {
		policy, _ = NewPolicy()
	}
	b := &Breaker{
		policy: policy,
		name:   "default",
		now:    time.Now,
		logger: slog.Default(),
		state:  StateClosed,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Name returns the circuit name
func (b *Breaker) Name() string { return b.name }

// Policy returns the configuration the breaker runs with
func (b *Breaker) Policy() *Policy { return b.policy }

// Execute runs fn with circuit breaker protection. Rejected calls return an
// *OpenError; fn's own error is returned unchanged.
func (b *Breaker) Execute(ctx context.Context, fn func() error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	done, err := b.Allow()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			done(fmt.Errorf("circuit breaker %s: panic: %v", b.name, r))
			panic(r)
		}
	}()

	err = fn()
	done(err)
	return err
}

// Allow admits one call. The caller must invoke done exactly once with the
// call's result; further invocations are ignored.
func (b *Breaker) Allow() (done func(error), err error) {
	var events []func()

	b.mu.Lock()
	now := b.now()
	b.advance(now, &events)

	switch b.state {
	case StateOpen:
		b.totalRejected++
		requests, failures := b.counts()
		err = &OpenError{
			Name:     b.name,
			State:    StateOpen,
			Failures: failures,
			Requests: requests,
			RetryIn:  b.openedAt.Add(b.policy.resetInterval).Sub(now),
		}
	case StateHalfOpen:
		if b.inFlight >= b.policy.halfOpenRequests {
			b.totalRejected++
			err = &OpenError{Name: b.name, State: StateHalfOpen}
			break
		}
		b.inFlight++
	}

	gen := b.generation
	if err == nil {
		b.totalRequests++
	}
	b.mu.Unlock()
	fire(events)

	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func(result error) {
		once.Do(func() { b.record(gen, result) })
	}, nil
}

// State returns the current state, applying any transition that is due
func (b *Breaker) State() State {
	var events []func()

	b.mu.Lock()
	b.advance(b.now(), &events)
	state := b.state
	b.mu.Unlock()

	fire(events)
	return state
}

// Reset forces the circuit closed and clears the window
func (b *Breaker) Reset() {
	var events []func()

	b.mu.Lock()
	if b.state != StateClosed {
		b.close("manual reset", &events)
	} else {
		b.window = nil
		b.generation++
	}
	b.mu.Unlock()

	fire(events)
}

func (b *Breaker) record(gen uint64, err error) {
	var events []func()

	b.mu.Lock()
	now := b.now()
	failure := err != nil && b.policy.ShouldCount(err)

	switch {
	case err == nil:
		b.totalSuccesses++
	case failure:
		b.totalFailures++
		b.lastFailure = now
	}

	// results of calls admitted before the last transition only feed the totals
	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	switch b.state {
	case StateClosed:
		b.window = append(b.window, outcome{at: now, failure: failure})
		b.prune(now)
		if failure {
			requests, failures := b.counts()
			if b.policy.shouldTrip(requests, failures) {
				b.open(now, err, fmt.Sprintf("trip threshold reached (%d failures in %d requests)", failures, requests), &events)
			}
		}

	case StateHalfOpen:
		b.inFlight--
		switch {
		case failure:
			b.open(now, err, "failure in half-open state", &events)
		default:
			// uncounted errors count as successes
			b.consecutive++
			if b.consecutive >= b.policy.successThreshold {
				b.close(fmt.Sprintf("success threshold reached (%d/%d)", b.consecutive, b.policy.successThreshold), &events)
			}
		}
	}
	b.mu.Unlock()

	fire(events)
}

// advance applies time-based transitions. Caller holds the lock.
func (b *Breaker) advance(now time.Time, events *[]func()) {
	switch b.state {
	case StateOpen:
		if !now.Before(b.openedAt.Add(b.policy.resetInterval)) {
			b.halfOpen(now, events)
		}
	case StateHalfOpen:
		if d := b.policy.halfOpenDuration; d > 0 && !now.Before(b.halfOpenedAt.Add(d)) {
			b.open(now, ErrHalfOpenExpired, "half-open duration elapsed", events)
		}
	case StateClosed:
		b.prune(now)
	}
}

func (b *Breaker) open(now time.Time, cause error, reason string, events *[]func()) {
	from := b.transition(StateOpen, reason, events)
	b.openedAt = now
	b.window = nil

	retryIn := b.policy.resetInterval
	if fn := b.policy.onBreak; fn != nil {
		*events = append(*events, func() { fn(cause, retryIn) })
	}
	if from == StateHalfOpen {
		b.logger.Warn("circuit breaker reopened", "name", b.name, "error", cause, "retryIn", retryIn)
	}
}

func (b *Breaker) halfOpen(now time.Time, events *[]func()) {
	b.transition(StateHalfOpen, "reset interval elapsed", events)
	b.halfOpenedAt = now
	if fn := b.policy.onHalfOpen; fn != nil {
		*events = append(*events, fn)
	}
}

func (b *Breaker) close(reason string, events *[]func()) {
	b.transition(StateClosed, reason, events)
	b.window = nil
	if fn := b.policy.onReset; fn != nil {
		*events = append(*events, fn)
	}
}

func (b *Breaker) transition(to State, reason string, events *[]func()) State {
	from := b.state
	b.state = to
	b.generation++
	b.inFlight = 0
	b.consecutive = 0

	b.logger.Info("circuit breaker state changed",
		"name", b.name, "from", from.String(), "to", to.String(), "reason", reason)

	for _, l := range b.listeners {
		*events = append(*events, func() { l.OnStateChange(from, to, reason) })
	}
	return from
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.policy.trackingPeriod)
	i := 0
	for i < len(b.window) && !b.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) counts() (requests, failures int) {
	for _, o := range b.window {
		if o.failure {
			failures++
		}
	}
	return len(b.window), failures
}

func fire(events []func()) {
	for _, fn := range events {
		fn()
	}
}

// Metrics is a point-in-time snapshot of a breaker
type Metrics struct {
	Name                 string
	State                State
	TotalRequests        int64
	TotalFailures        int64
	TotalSuccesses       int64
	TotalRejected        int64
	WindowRequests       int
	WindowFailures       int
	ConsecutiveSuccesses int
	LastFailureTime      time.Time
	Timestamp            time.Time
}

// Metrics returns the breaker counters
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	requests, failures := b.counts()
	return Metrics{
		Name:                 b.name,
		State:                b.state,
		TotalRequests:        b.totalRequests,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		TotalRejected:        b.totalRejected,
		WindowRequests:       requests,
		WindowFailures:       failures,
		ConsecutiveSuccesses: b.consecutive,
		LastFailureTime:      b.lastFailure,
		Timestamp:            b.now(),
	}
}
