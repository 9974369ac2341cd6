package topology

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidArgument is returned when a required channel, name or type is missing
	ErrInvalidArgument = errors.New("topology: invalid argument")

	// ErrMessageTypeUnknown is returned when a consumer binding carries no message type
	ErrMessageTypeUnknown = errors.New("topology: message type unknown")
)

// TopologyError represents a failed broker topology operation
type TopologyError struct {
	Component string    // exchange, queue, binding
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

func wrapErr(component, name, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}
