// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmatebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/circuitbreaker"
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/naming"
	"github.com/glimte/mmate-bus/outbox"
	"github.com/glimte/mmate-bus/outbox/pgstore"
	"github.com/glimte/mmate-bus/topology"
)

// recoveryTimeout bounds re-declaring topology and consumers after a reconnect
const recoveryTimeout = 30 * time.Second

type busState int

const (
	stateIdle busState = iota
	stateRunning
	stateStopped
)

// Bus connects the configured consumers, request clients, outbox and sagas
// to RabbitMQ
type Bus struct {
	cfg     *Configuration
	logger  *slog.Logger
	builder *topology.Builder
	binder  *topology.AutoBinder

	outbox   *outbox.Outbox
	sqlStore *pgstore.Store
	replies  *pendingReplies

	// lifecycle serialises Start, Stop and reconnect recovery; mu guards
	// state and replyTo so handlers can publish while the bus drains
	lifecycle sync.Mutex
	mu        sync.RWMutex
	state     busState
	conn      *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	queues    map[string]*consumerRegistration
	breakers  map[string]*circuitbreaker.Breaker
	replyTo   string
	declared  sync.Map // naming.Type -> struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	health *health.Registry
}

// New creates a bus for cfg. The outbox, when configured, accepts messages
// before Start; they are relayed once the bus runs.
func New(cfg *Configuration) (*Bus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", ErrInvalidConfiguration)
	}

	builder := cfg.topologyBuilder()
	b := &Bus{
		cfg:      cfg,
		logger:   cfg.logger,
		builder:  builder,
		binder:   topology.NewAutoBinder(builder),
		replies:  newPendingReplies(),
		queues:   make(map[string]*consumerRegistration),
		breakers: make(map[string]*circuitbreaker.Breaker),
	}

	var store outbox.Store
	switch cfg.outbox.Kind {
	case OutboxInMemory:
		store = outbox.NewMemoryStore()
	case OutboxSQL:
		var opts []pgstore.Option
		if cfg.outbox.Table != "" {
			opts = append(opts, pgstore.WithTable(cfg.outbox.Table))
		}
		b.sqlStore = pgstore.New(cfg.outbox.DB, opts...)
		store = b.sqlStore
	}
	if store != nil {
		ob, err := outbox.New(store, cfg.outbox.Options, outbox.WithLogger(cfg.logger))
		if err != nil {
			return nil, err
		}
		b.outbox = ob
	}

	for _, reg := range cfg.consumers {
		queue := reg.queue(cfg.conventions)
		b.queues[queue] = reg
		if reg.breaker != nil {
			b.breakers[queue] = circuitbreaker.New(reg.breaker,
				circuitbreaker.WithName(queue),
				circuitbreaker.WithLogger(cfg.logger))
		}
	}
	b.health = b.healthChecks()

	return b, nil
}

// Configuration returns the configuration the bus was created with
func (b *Bus) Configuration() *Configuration {
	return b.cfg
}

// Outbox returns the outbox, or nil when Publish goes straight to the broker
func (b *Bus) Outbox() *outbox.Outbox {
	return b.outbox
}

// Breaker returns the circuit breaker guarding the consumer on queue
func (b *Bus) Breaker(queue string) (*circuitbreaker.Breaker, bool) {
	br, ok := b.breakers[queue]
	return br, ok
}

// IsRunning reports whether Start succeeded and Stop has not been called
func (b *Bus) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == stateRunning
}

// Start connects to the broker, declares topology, starts consumers and the
// background outbox relay and saga timeout loops. ctx bounds startup only.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()
	switch state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	if err := b.connect(ctx); err != nil {
		b.teardown()
		return err
	}
	if err := b.restore(ctx); err != nil {
		b.teardown()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	if err := b.startBackground(ctx, runCtx); err != nil {
		b.teardown()
		return err
	}

	b.conn.OnStateChange(b.onConnectionState)
	b.mu.Lock()
	b.state = stateRunning
	b.mu.Unlock()
	b.logger.Info("Bus started",
		"host", rabbitmq.SanitizeURL(b.cfg.host.URL),
		"consumers", len(b.queues),
		"outbox", b.cfg.outbox.Kind.String(),
		"sagas", len(b.cfg.sagas))
	return nil
}

func (b *Bus) connect(ctx context.Context) error {
	host := b.cfg.host
	opts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(b.logger)}
	if host.ConnectionName != "" {
		opts = append(opts, rabbitmq.WithConnectionName(host.ConnectionName))
	}
	if host.VirtualHost != "" {
		opts = append(opts, rabbitmq.WithVirtualHost(host.VirtualHost))
	}
	if host.Heartbeat > 0 {
		opts = append(opts, rabbitmq.WithHeartbeat(host.Heartbeat))
	}
	if host.ReconnectPolicy != nil {
		opts = append(opts, rabbitmq.WithReconnectPolicy(host.ReconnectPolicy))
	}

	b.conn = rabbitmq.NewConnectionManager(host.URL, opts...)
	if err := b.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(b.conn,
		rabbitmq.WithMaxSize(host.ChannelPoolSize),
		rabbitmq.WithConfirms(true),
		rabbitmq.WithPoolLogger(b.logger))
	if err != nil {
		return err
	}
	b.pool = pool
	b.publisher = rabbitmq.NewPublisher(pool, rabbitmq.WithConfirmTimeout(host.ConfirmTimeout))
	b.consumer = rabbitmq.NewConsumer(b.conn, b.logger)
	return nil
}

// restore declares topology and subscribes every consumer that is not
// running. It runs on start and after each reconnect.
func (b *Bus) restore(ctx context.Context) error {
	failed := make(map[string]bool)
	if b.cfg.autoBind {
		var err error
		if failed, err = b.declareTopology(ctx); err != nil {
			return err
		}
	}

	if len(b.cfg.requestClients) > 0 {
		if err := b.startReplyQueue(ctx); err != nil {
			return err
		}
	}

	active := make(map[string]bool)
	for _, q := range b.consumer.Queues() {
		active[q] = true
	}
	for queue, reg := range b.queues {
		if active[queue] || failed[queue] {
			continue
		}
		if err := b.subscribe(ctx, queue, reg); err != nil {
			if !b.cfg.topology.ContinueOnError {
				return err
			}
			b.logger.Warn("Consumer not started", "queue", queue, "error", err)
		}
	}
	return nil
}

// declareTopology binds every consumer and request type, each on its own
// pooled channel. It returns the queues whose binding failed when failures
// are tolerated.
func (b *Bus) declareTopology(ctx context.Context) (map[string]bool, error) {
	bindings := make([]topology.ConsumerBinding, 0, len(b.cfg.consumers))
	for _, reg := range b.cfg.consumers {
		bindings = append(bindings, reg.binding())
	}

	infos, err := b.binder.BindConsumers(ctx, b.onPooledChannel, bindings)
	if err != nil {
		return nil, fmt.Errorf("declare topology: %w", err)
	}

	bound := make(map[consumerKey]bool, len(infos))
	for _, info := range infos {
		key := consumerKey{message: info.Message}
		if info.Consumer != nil {
			key.consumer = *info.Consumer
		}
		bound[key] = true
		b.declared.Store(info.Message, struct{}{})
	}
	failed := make(map[string]bool)
	for queue, reg := range b.queues {
		if !bound[reg.key()] {
			failed[queue] = true
		}
	}

	for t := range b.cfg.requestClients {
		err := b.onPooledChannel(ctx, func(ch topology.Channel) error {
			_, err := b.binder.BindMessage(ctx, ch, t)
			return err
		})
		if err != nil {
			if !b.cfg.topology.ContinueOnError {
				return nil, fmt.Errorf("declare topology: %w", err)
			}
			b.logger.Warn("Failed to declare request exchange, continuing", "message", t.String(), "error", err)
			continue
		}
		b.declared.Store(t, struct{}{})
	}
	return failed, nil
}

// onPooledChannel runs fn on a channel borrowed from the pool. A channel closed
// by a broker error is not returned to the pool.
func (b *Bus) onPooledChannel(ctx context.Context, fn func(topology.Channel) error) error {
	return b.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return fn(ch)
	})
}

func (b *Bus) subscribe(ctx context.Context, queue string, reg *consumerRegistration) error {
	breaker := b.breakers[queue]
	sub := rabbitmq.Subscription{
		Queue:       queue,
		ConsumerTag: reg.config.ConsumerTag,
		Prefetch:    reg.prefetch(b.cfg.conventions),
		Concurrency: reg.config.ConcurrencyLimit,
		Requeue:     reg.config.RequeueOnFailure,
	}
	return b.consumer.Subscribe(ctx, sub, func(ctx context.Context, d amqp.Delivery) error {
		return reg.run(ctx, b, breaker, queue, d)
	})
}

// startReplyQueue declares the exclusive queue responses to Request arrive on
func (b *Bus) startReplyQueue(ctx context.Context) error {
	b.mu.RLock()
	current := b.replyTo
	b.mu.RUnlock()
	if current != "" {
		for _, q := range b.consumer.Queues() {
			if q == current {
				return nil
			}
		}
	}

	name := b.cfg.conventions.Formatter().FormatTemporaryQueueName()
	err := b.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := b.builder.DeclareQueue(ctx, ch, topology.QueueDeclaration{
			Name:       name,
			AutoDelete: true,
			Exclusive:  true,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("declare reply queue: %w", err)
	}

	err = b.consumer.Subscribe(ctx, rabbitmq.Subscription{Queue: name, Exclusive: true}, func(_ context.Context, d amqp.Delivery) error {
		if !b.replies.deliver(d) {
			b.logger.Debug("Discarding response without waiting request", "correlationId", d.CorrelationId)
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.replyTo = name
	b.mu.Unlock()
	return nil
}

func (b *Bus) startBackground(ctx, runCtx context.Context) error {
	if b.sqlStore != nil {
		if err := b.sqlStore.Migrate(ctx); err != nil {
			return fmt.Errorf("prepare outbox table: %w", err)
		}
	}
	if b.outbox != nil {
		amqpPublisher := outbox.NewAMQPPublisher(b.publisher)
		relay, err := outbox.NewRelay(b.outbox.Store(), outbox.PublisherFunc(func(ctx context.Context, m *outbox.Message) error {
			if err := b.ensureExchange(ctx, naming.ParseType(m.MessageType), m.Exchange); err != nil {
				return err
			}
			return amqpPublisher.Publish(ctx, m)
		}), b.cfg.outbox.Options, outbox.WithLogger(b.logger))
		if err != nil {
			return err
		}
		b.goRun(runCtx, "outbox relay", relay.Run)
	}

	for _, reg := range b.cfg.sagas {
		run, err := reg.start(ctx)
		if err != nil {
			return err
		}
		if run != nil {
			b.goRun(runCtx, "saga timeouts "+reg.instance.Name, run)
		}
	}
	return nil
}

func (b *Bus) goRun(ctx context.Context, name string, run func(context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("Background loop stopped", "loop", name, "error", err)
		}
	}()
}

func (b *Bus) onConnectionState(state rabbitmq.ConnectionState, _ int, _ error) {
	if state != rabbitmq.StateConnected {
		return
	}
	go func() {
		b.lifecycle.Lock()
		defer b.lifecycle.Unlock()
		if !b.IsRunning() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
		defer cancel()
		if err := b.restore(ctx); err != nil {
			b.logger.Error("Failed to restore consumers after reconnect", "error", err)
			return
		}
		b.logger.Info("Consumers restored after reconnect", "queues", len(b.consumer.Queues()))
	}()
}

// ensureExchange declares the exchange of t once when auto-binding is on
func (b *Bus) ensureExchange(ctx context.Context, t naming.Type, exchange string) error {
	if !b.cfg.autoBind || t.IsZero() || exchange == "" {
		return nil
	}
	if _, ok := b.declared.Load(t); ok {
		return nil
	}

	err := b.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := b.binder.BindMessage(ctx, ch, t)
		return err
	})
	if err != nil {
		return fmt.Errorf("declare exchange for %s: %w", t, err)
	}
	b.declared.Store(t, struct{}{})
	return nil
}

func (b *Bus) running() (*rabbitmq.Publisher, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch b.state {
	case stateIdle:
		return nil, ErrNotStarted
	case stateStopped:
		return nil, ErrStopped
	}
	return b.publisher, nil
}

func (b *Bus) replyQueue() (string, error) {
	if _, err := b.running(); err != nil {
		return "", err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.replyTo == "" {
		return "", ErrNotStarted
	}
	return b.replyTo, nil
}

// Stop stops consumers, waits for in-flight messages and background loops,
// and closes the connection. A stopped bus cannot be restarted; stopping it
// again is a no-op.
func (b *Bus) Stop() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	wasRunning := b.state == stateRunning
	if !wasRunning {
		b.state = stateStopped
	}
	b.mu.Unlock()
	if !wasRunning {
		return nil
	}

	err := b.teardown()

	b.mu.Lock()
	b.state = stateStopped
	b.mu.Unlock()
	b.logger.Info("Bus stopped")
	return err
}

func (b *Bus) teardown() error {
	var errs []error
	if b.consumer != nil {
		errs = append(errs, b.consumer.Close())
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	if b.pool != nil {
		errs = append(errs, b.pool.Close())
	}
	if b.conn != nil {
		errs = append(errs, b.conn.Close())
	}
	return errors.Join(errs...)
}
