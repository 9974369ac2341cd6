package topology

import (
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ret := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return amqp.Queue{Name: name}, ret.Error(0)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	return m.Called(name, key, exchange, args).Error(0)
}

func (m *mockChannel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	return m.Called(destination, key, source, noWait, args).Error(0)
}

func (m *mockChannel) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	return m.Called(destination, key, source, noWait, args).Error(0)
}

func (m *mockChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	return m.Called(name, ifUnused, noWait).Error(0)
}

func (m *mockChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	ret := m.Called(name, ifUnused, ifEmpty, noWait)
	return ret.Int(0), ret.Error(1)
}

func (m *mockChannel) QueuePurge(name string, noWait bool) (int, error) {
	ret := m.Called(name, noWait)
	return ret.Int(0), ret.Error(1)
}

// newPermissiveChannel accepts every declaration so tests can assert on the recorded calls
func newPermissiveChannel() *mockChannel {
	ch := &mockChannel{}
	any7 := []any{mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything}
	ch.On("ExchangeDeclare", any7...).Return(nil)
	ch.On("QueueDeclare", any7[:6]...).Return(nil)
	ch.On("QueueBind", any7[:5]...).Return(nil)
	ch.On("QueueUnbind", any7[:4]...).Return(nil)
	ch.On("ExchangeBind", any7[:5]...).Return(nil)
	ch.On("ExchangeUnbind", any7[:5]...).Return(nil)
	ch.On("ExchangeDelete", any7[:3]...).Return(nil)
	ch.On("QueueDelete", any7[:4]...).Return(0, nil)
	ch.On("QueuePurge", any7[:2]...).Return(0, nil)
	return ch
}

// brittleChannel behaves like a broker channel: declaring rejectQueue fails
// with PRECONDITION_FAILED and closes the channel, after which every call
// returns amqp.ErrClosed.
type brittleChannel struct {
	rejectQueue string
	closed      bool
}

func (c *brittleChannel) err() error {
	if c.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (c *brittleChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return c.err()
}

func (c *brittleChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if err := c.err(); err != nil {
		return amqp.Queue{}, err
	}
	if name == c.rejectQueue {
		c.closed = true
		return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'x-message-ttl'"}
	}
	return amqp.Queue{Name: name}, nil
}

func (c *brittleChannel) QueueBind(string, string, string, bool, amqp.Table) error { return c.err() }

func (c *brittleChannel) QueueUnbind(string, string, string, amqp.Table) error { return c.err() }

func (c *brittleChannel) ExchangeBind(string, string, string, bool, amqp.Table) error { return c.err() }

func (c *brittleChannel) ExchangeUnbind(string, string, string, bool, amqp.Table) error {
	return c.err()
}

func (c *brittleChannel) ExchangeDelete(string, bool, bool) error { return c.err() }

func (c *brittleChannel) QueueDelete(string, bool, bool, bool) (int, error) { return 0, c.err() }

func (c *brittleChannel) QueuePurge(string, bool) (int, error) { return 0, c.err() }

// callsTo returns the arguments of every recorded call to method
func (m *mockChannel) callsTo(method string) [][]any {
	var out [][]any
	for _, c := range m.Calls {
		if c.Method == method {
			out = append(out, c.Arguments)
		}
	}
	return out
}

// declaredQueueArgs returns the arguments the named queue was declared with
func (m *mockChannel) declaredQueueArgs(name string) (amqp.Table, bool) {
	for _, args := range m.callsTo("QueueDeclare") {
		if args[0] == name {
			table, _ := args[5].(amqp.Table)
			return table, true
		}
	}
	return nil, false
}

// Message and consumer types used across the topology tests
type OrderCreatedEvent struct{}

type OrderCreatedConsumer struct{}

type PaymentFailed struct{}

type PaymentFailedHandler struct{}

type InventoryBroadcast struct{}
