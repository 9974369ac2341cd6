package saga

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidConfiguration = errors.New("saga: invalid configuration")
	ErrInstanceNotFound     = errors.New("saga: instance not found")
	ErrConcurrencyConflict  = errors.New("saga: concurrency conflict")
	ErrInvalidInstance      = errors.New("saga: invalid instance")
)

// Instance is a persisted saga. Embed State to implement it.
type Instance interface {
	SagaState() *State
}

// State is the bookkeeping every saga instance carries
type State struct {
	CorrelationID uuid.UUID  `json:"correlationId"`
	CurrentState  string     `json:"currentState"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	TimeoutAt     *time.Time `json:"timeoutAt,omitempty"`
}

// SagaState returns s
func (s *State) SagaState() *State {
	return s
}

// TransitionTo moves the saga to state
func (s *State) TransitionTo(state string) {
	s.CurrentState = state
}

// Complete marks the saga finished and cancels any pending timeout
func (s *State) Complete(at time.Time) {
	s.CompletedAt = &at
	s.TimeoutAt = nil
}

// IsCompleted reports whether the saga has finished
func (s *State) IsCompleted() bool {
	return s.CompletedAt != nil
}

// ScheduleTimeout requests a timeout delivery at the given time
func (s *State) ScheduleTimeout(at time.Time) {
	s.TimeoutAt = &at
}

// ClearTimeout cancels a pending timeout
func (s *State) ClearTimeout() {
	s.TimeoutAt = nil
}

// expired reports whether s is past its retention at now
func (s *State) expired(now time.Time, active, completed time.Duration) bool {
	if s.CompletedAt != nil {
		return completed > 0 && s.CompletedAt.Add(completed).Before(now)
	}
	return active > 0 && s.UpdatedAt.Add(active).Before(now)
}

func validate(inst Instance) (*State, error) {
	if inst == nil {
		return nil, errors.Join(ErrInvalidInstance, errors.New("instance is nil"))
	}
	st := inst.SagaState()
	if st == nil {
		return nil, errors.Join(ErrInvalidInstance, errors.New("instance has no state"))
	}
	if st.CorrelationID == uuid.Nil {
		return nil, errors.Join(ErrInvalidInstance, errors.New("correlation id is required"))
	}
	return st, nil
}
