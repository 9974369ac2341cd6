package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidArgument      = errors.New("circuit breaker: invalid argument")
	ErrCircuitOpen          = errors.New("circuit breaker: circuit is open")
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")
	ErrHalfOpenExpired      = errors.New("circuit breaker: half-open duration elapsed")
)

// OpenError is returned when the breaker rejects a call
type OpenError struct {
	Name     string
	State    State
	Failures int
	Requests int
	RetryIn  time.Duration
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: probe limit reached", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open: failures=%d/%d requests, retry in %v",
		e.Name, e.Failures, e.Requests, e.RetryIn.Round(time.Millisecond))
}

func (e *OpenError) Unwrap() []error {
	if e.State == StateHalfOpen {
		return []error{ErrCircuitOpen, ErrCircuitHalfOpenLimit}
	}
	return []error{ErrCircuitOpen}
}
