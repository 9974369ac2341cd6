package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/retry"
)

// ConnectionState is the lifecycle state reported to listeners
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ConnectionListener is told about connection state changes. attempt is set
// while reconnecting and err when the connection was lost.
type ConnectionListener func(state ConnectionState, attempt int, err error)

// Dialer opens an AMQP connection
type Dialer func(url string, cfg amqp.Config) (*amqp.Connection, error)

// ConnectionManager owns the broker connection and re-dials it when it drops
type ConnectionManager struct {
	url     string
	config  amqp.Config
	dial    Dialer
	backoff *retry.Policy
	logger  *slog.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	closed    bool
	done      chan struct{}
	listeners []ConnectionListener
}

// ConnectionOption configures a ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithConnectionName labels the connection in the broker management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		if name != "" {
			cm.config.Properties.SetClientConnectionName(name)
		}
	}
}

// WithHeartbeat sets the heartbeat interval
func WithHeartbeat(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config.Heartbeat = d
	}
}

// WithVirtualHost overrides the virtual host of the URL
func WithVirtualHost(vhost string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config.Vhost = vhost
	}
}

// WithReconnectPolicy sets the delays between reconnect attempts. A policy
// with a retry count of zero retries forever.
func WithReconnectPolicy(p *retry.Policy) ConnectionOption {
	return func(cm *ConnectionManager) {
		if p != nil {
			cm.backoff = p
		}
	}
}

// WithDialer replaces amqp.DialConfig
func WithDialer(d Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if d != nil {
			cm.dial = d
		}
	}
}

func defaultReconnectPolicy() *retry.Policy {
	p, err := retry.Exponential(0, time.Second, time.Minute, retry.WithJitter(25))
	if err != nil {
		panic(err)
	}
	return p
}

// NewConnectionManager creates a manager for url. Call Connect to dial.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url: url,
		config: amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Properties: amqp.NewConnectionProperties(),
		},
		dial:    amqp.DialConfig,
		backoff: defaultReconnectPolicy(),
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// OnStateChange registers a listener
func (cm *ConnectionManager) OnStateChange(l ConnectionListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, l)
}

// Connect dials the broker once and starts watching the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now(), Attempts: 1}
	}

	cm.attach(conn)
	cm.logger.Info("Connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return nil
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url, cm.config)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	cm.conn = conn
	cm.mu.Unlock()

	cm.notify(StateConnected, 0, nil)
	go cm.watch(closed)
}

func (cm *ConnectionManager) watch(closed <-chan *amqp.Error) {
	select {
	case <-cm.done:
		return
	case amqpErr, ok := <-closed:
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
		}
		cm.mu.Lock()
		cm.conn = nil
		cm.mu.Unlock()

		cm.logger.Warn("RabbitMQ connection lost", "error", err)
		cm.notify(StateDisconnected, 0, err)
		cm.reconnect()
	}
}

func (cm *ConnectionManager) reconnect() {
	limit := cm.backoff.RetryCount()
	for attempt := 1; limit == 0 || attempt <= limit; attempt++ {
		cm.notify(StateReconnecting, attempt, nil)

		select {
		case <-cm.done:
			return
		case <-time.After(cm.backoff.Delay(attempt)):
		}

		conn, err := cm.dial(cm.url, cm.config)
		if err == nil {
			cm.mu.Lock()
			if cm.closed {
				cm.mu.Unlock()
				conn.Close()
				return
			}
			cm.mu.Unlock()

			cm.logger.Info("Reconnected to RabbitMQ", "attempts", attempt)
			cm.attach(conn)
			return
		}
		cm.logger.Error("Reconnect to RabbitMQ failed", "attempt", attempt, "error", err)
	}

	err := &ConnectionError{Op: "reconnect", URL: SanitizeURL(cm.url), Err: ErrMaxRetriesExceeded, Timestamp: time.Now(), Attempts: limit}
	cm.logger.Error("Giving up on RabbitMQ connection", "error", err)
	cm.notify(StateDisconnected, limit, err)
}

// Connection returns the live connection
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	switch {
	case cm.closed:
		return nil, ErrConnectionClosed
	case cm.conn == nil || cm.conn.IsClosed():
		return nil, ErrConnectionNotReady
	}
	return cm.conn, nil
}

// IsConnected reports whether a live connection is held
func (cm *ConnectionManager) IsConnected() bool {
	_, err := cm.Connection()
	return err == nil
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	close(cm.done)
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

func (cm *ConnectionManager) notify(state ConnectionState, attempt int, err error) {
	cm.mu.RLock()
	listeners := append([]ConnectionListener(nil), cm.listeners...)
	cm.mu.RUnlock()

	for _, l := range listeners {
		l(state, attempt, err)
	}
}
