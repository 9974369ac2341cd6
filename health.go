package mmatebus

import (
	"context"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/health"
)

type connectionProbe struct{ b *Bus }

func (p connectionProbe) IsConnected() bool {
	if !p.b.IsRunning() {
		return false
	}
	p.b.mu.RLock()
	conn := p.b.conn
	p.b.mu.RUnlock()
	return conn != nil && conn.IsConnected()
}

func (b *Bus) healthChecks() *health.Registry {
	r := health.NewRegistry(health.ConnectionChecker(connectionProbe{b}))

	queues := make([]string, 0, len(b.queues))
	for queue := range b.queues {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	for _, queue := range queues {
		r.Register(health.QueueChecker(b, queue))
		if br, ok := b.breakers[queue]; ok {
			r.Register(health.BreakerChecker(br))
		}
	}

	if b.outbox != nil {
		r.Register(health.OutboxChecker(b.outbox.Store(), health.DefaultOutboxBacklog))
	}
	return r
}

// HealthChecks returns the registry behind Health. Further checkers may be
// registered on it; serve it with health.NewHandler.
func (b *Bus) HealthChecks() *health.Registry {
	return b.health
}

// Health checks the broker connection, every consumer queue and its circuit
// breaker, and the outbox backlog.
func (b *Bus) Health(ctx context.Context) health.Report {
	return b.health.Check(ctx)
}

// InspectQueue looks up a queue without declaring it
func (b *Bus) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	if _, err := b.running(); err != nil {
		return amqp.Queue{}, err
	}

	b.mu.RLock()
	pool := b.pool
	b.mu.RUnlock()

	var q amqp.Queue
	err := pool.Execute(ctx, func(ch *amqp.Channel) (err error) {
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	return q, err
}
