package outbox

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidOptions  = errors.New("outbox: invalid options")
	ErrInvalidMessage  = errors.New("outbox: invalid message")
	ErrMessageNotFound = errors.New("outbox: message not found")
)

// Status is the delivery state of an outbox message
type Status int

const (
	StatusPending Status = iota
	StatusPublished
	StatusFailed // retries exhausted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPublished:
		return "published"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is a message stored alongside business data until it is published
type Message struct {
	ID uuid.UUID
	// MessageID identifies the logical message for deduplication; defaults to ID
	MessageID       string
	MessageType     string
	Exchange        string
	RoutingKey      string
	Payload         []byte
	ContentType     string
	ContentEncoding string
	Headers         map[string]any

	Status        Status
	Attempts      int
	LastError     string
	Sequence      int64
	CreatedAt     time.Time
	NextAttemptAt time.Time
	ProcessedAt   *time.Time
}

func (m *Message) validate() error {
	switch {
	case m == nil:
		return errors.Join(ErrInvalidMessage, errors.New("message is nil"))
	case m.Exchange == "" && m.RoutingKey == "":
		return errors.Join(ErrInvalidMessage, errors.New("exchange or routing key is required"))
	}
	return nil
}

// PendingQuery selects messages awaiting publication
type PendingQuery struct {
	Now   time.Time
	Limit int
	// Ordered returns the oldest pending messages by sequence, due or not, so
	// the caller can hold back messages behind one that is backing off
	Ordered bool
}
