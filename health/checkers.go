package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/circuitbreaker"
	"github.com/glimte/mmate-bus/outbox"
)

// Queue depth thresholds
const (
	ElevatedQueueDepth = 1000
	HighQueueDepth     = 10000
)

// DefaultOutboxBacklog is the pending message count at which the outbox reports degraded
const DefaultOutboxBacklog = 1000

// ErrNotConnected is reported when the broker connection is down
var ErrNotConnected = errors.New("health: not connected")

func begin(name string) (Result, time.Time) {
	start := time.Now()
	return Result{Name: name, Timestamp: start, Details: make(map[string]any)}, start
}

// ConnectionProbe reports whether a broker connection is held
type ConnectionProbe interface {
	IsConnected() bool
}

// ConnectionChecker checks the broker connection
func ConnectionChecker(probe ConnectionProbe) Checker {
	return CheckerFunc("rabbitmq", func(ctx context.Context) Result {
		res, start := begin("rabbitmq")
		defer func() { res.Duration = time.Since(start) }()

		if probe == nil || !probe.IsConnected() {
			res.Status = StatusUnhealthy
			res.Message = "Connection is closed"
			res.Error = ErrNotConnected.Error()
			return res
		}
		res.Status = StatusHealthy
		res.Message = "Connection is healthy"
		return res
	})
}

// AssessQueue classifies a queue by its depth and consumers
func AssessQueue(q amqp.Queue) (Status, string) {
	switch {
	case q.Messages > HighQueueDepth:
		return StatusDegraded, fmt.Sprintf("High message count: %d messages", q.Messages)
	case q.Messages > ElevatedQueueDepth:
		return StatusDegraded, fmt.Sprintf("Elevated message count: %d messages", q.Messages)
	case q.Consumers == 0 && q.Messages > 0:
		return StatusUnhealthy, fmt.Sprintf("No consumers for %d messages", q.Messages)
	default:
		return StatusHealthy, "Queue is healthy"
	}
}

// QueueInspector looks up a queue without declaring it
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

// QueueChecker checks that a queue exists and is being drained
func QueueChecker(inspector QueueInspector, queue string) Checker {
	name := "queue_" + queue
	return CheckerFunc(name, func(ctx context.Context) Result {
		res, start := begin(name)
		defer func() { res.Duration = time.Since(start) }()

		q, err := inspector.InspectQueue(ctx, queue)
		if err != nil {
			res.Status = StatusUnhealthy
			res.Message = fmt.Sprintf("Queue %s not accessible", queue)
			res.Error = err.Error()
			return res
		}

		res.Status, res.Message = AssessQueue(q)
		res.Details["messages"] = q.Messages
		res.Details["consumers"] = q.Consumers
		return res
	})
}

// BreakerChecker reports an open circuit as unhealthy and a half-open one as degraded
func BreakerChecker(b *circuitbreaker.Breaker) Checker {
	name := "circuit_" + b.Name()
	return CheckerFunc(name, func(ctx context.Context) Result {
		res, start := begin(name)
		defer func() { res.Duration = time.Since(start) }()

		m := b.Metrics()
		res.Details["state"] = m.State.String()
		res.Details["window_requests"] = m.WindowRequests
		res.Details["window_failures"] = m.WindowFailures
		res.Details["rejected"] = m.TotalRejected

		switch m.State {
		case circuitbreaker.StateOpen:
			res.Status = StatusUnhealthy
			res.Message = "Circuit is open"
		case circuitbreaker.StateHalfOpen:
			res.Status = StatusDegraded
			res.Message = "Circuit is half-open"
		default:
			res.Status = StatusHealthy
			res.Message = "Circuit is closed"
		}
		return res
	})
}

// OutboxChecker reports the outbox degraded once backlog messages are waiting
func OutboxChecker(store outbox.Store, backlog int) Checker {
	if backlog < 1 {
		backlog = DefaultOutboxBacklog
	}
	return CheckerFunc("outbox", func(ctx context.Context) Result {
		res, start := begin("outbox")
		defer func() { res.Duration = time.Since(start) }()

		pending, err := store.Pending(ctx, outbox.PendingQuery{Now: start, Limit: backlog, Ordered: true})
		if err != nil {
			res.Status = StatusUnhealthy
			res.Message = "Outbox store not accessible"
			res.Error = err.Error()
			return res
		}

		res.Details["pending"] = len(pending)
		if len(pending) >= backlog {
			res.Status = StatusDegraded
			res.Message = fmt.Sprintf("Outbox backlog of at least %d messages", backlog)
			return res
		}
		res.Status = StatusHealthy
		res.Message = "Outbox is draining"
		return res
	})
}
