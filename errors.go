package mmatebus

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration      = errors.New("mmatebus: invalid configuration")
	ErrInvalidArgument           = errors.New("mmatebus: invalid argument")
	ErrDuplicateConsumer         = errors.New("mmatebus: consumer already registered")
	ErrDuplicateSaga             = errors.New("mmatebus: saga already registered")
	ErrDuplicateRequestClient    = errors.New("mmatebus: request client already registered")
	ErrNotStarted                = errors.New("mmatebus: bus not started")
	ErrAlreadyStarted            = errors.New("mmatebus: bus already started")
	ErrStopped                   = errors.New("mmatebus: bus stopped")
	ErrRequestClientNotFound     = errors.New("mmatebus: no request client registered")
	ErrSagaNotFound              = errors.New("mmatebus: no saga registered")
	ErrRequestTimeout            = errors.New("mmatebus: request timed out")
	ErrNoReplyAddress            = errors.New("mmatebus: message has no reply address")
	ErrTransactionalOutboxNeeded = errors.New("mmatebus: transactional publish needs the SQL outbox")
)

// DecodeError reports a delivery whose body could not be decoded into the
// consumer's message type. It is never retried.
type DecodeError struct {
	Queue       string
	MessageType string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s from %s: %v", e.MessageType, e.Queue, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RemoteError is returned by Request when the responder replied with a fault
type RemoteError struct {
	RequestType string
	Message     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed remotely: %s", e.RequestType, e.Message)
}
