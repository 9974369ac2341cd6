package mmatebus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/outbox"
	"github.com/glimte/mmate-bus/topology"
)

func newBus(t *testing.T, options ...Option) *Bus {
	t.Helper()
	cfg, err := Build(append([]Option{Host(testURL)}, options...)...)
	require.NoError(t, err)
	b, err := New(cfg)
	require.NoError(t, err)
	return b
}

func pending(t *testing.T, b *Bus) []*outbox.Message {
	t.Helper()
	msgs, err := b.Outbox().Store().Pending(context.Background(), outbox.PendingQuery{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	return msgs
}

func TestPublishThroughOutbox(t *testing.T) {
	ctx := context.Background()

	t.Run("stores the message with its resolved address", func(t *testing.T) {
		b := newBus(t, UseInMemoryOutbox(outbox.DefaultOptions()))

		err := Publish(ctx, b, OrderCreated{OrderID: "o-1", Total: 10},
			WithMessageID("order-o-1"),
			WithCorrelationID("checkout-7"),
			WithHeader("tenant", "acme"))
		require.NoError(t, err)

		msgs := pending(t, b)
		require.Len(t, msgs, 1)
		m := msgs[0]
		assert.Equal(t, "order-o-1", m.MessageID)
		assert.Equal(t, "order-created-exchange", m.Exchange)
		assert.Equal(t, "order-created", m.RoutingKey)
		assert.Equal(t, "github.com/glimte/mmate-bus.OrderCreated", m.MessageType)
		assert.Equal(t, "application/json", m.ContentType)
		assert.JSONEq(t, `{"orderId":"o-1","total":10}`, string(m.Payload))
		assert.Equal(t, "checkout-7", m.Headers[headerCorrelationID])
		assert.Equal(t, "acme", m.Headers["tenant"])
	})

	t.Run("endpoint mappings and routing key overrides", func(t *testing.T) {
		b := newBus(t,
			UseInMemoryOutbox(outbox.DefaultOptions()),
			ConfigureEndpoints(func(c *topology.EndpointConvention) {
				require.NoError(t, topology.MapOf[OrderCreated](c, func(info *topology.EndpointInfo) {
					info.ExchangeName = "sales"
				}))
			}))

		require.NoError(t, Publish(ctx, b, OrderCreated{OrderID: "o-2"}, WithRoutingKey("orders.eu")))

		msgs := pending(t, b)
		require.Len(t, msgs, 1)
		assert.Equal(t, "sales", msgs[0].Exchange)
		assert.Equal(t, "orders.eu", msgs[0].RoutingKey)
	})

	t.Run("send addresses a queue through the default exchange", func(t *testing.T) {
		b := newBus(t, UseInMemoryOutbox(outbox.DefaultOptions()))

		require.NoError(t, Send(ctx, b, "billing", OrderCreated{OrderID: "o-3"}))

		msgs := pending(t, b)
		require.Len(t, msgs, 1)
		assert.Equal(t, "", msgs[0].Exchange)
		assert.Equal(t, "billing", msgs[0].RoutingKey)

		assert.ErrorIs(t, Send(ctx, b, "", OrderCreated{}), ErrInvalidConfiguration)
	})

	t.Run("deduplicates by message id", func(t *testing.T) {
		b := newBus(t, UseInMemoryOutbox(outbox.HighReliability()))

		for i := 0; i < 2; i++ {
			require.NoError(t, Publish(ctx, b, OrderCreated{OrderID: "o-4"}, WithMessageID("order-o-4")))
		}
		assert.Len(t, pending(t, b), 1)
	})

	t.Run("transactional publish needs the SQL outbox", func(t *testing.T) {
		b := newBus(t, UseInMemoryOutbox(outbox.DefaultOptions()))
		assert.ErrorIs(t, PublishTx(ctx, b, nil, OrderCreated{}), ErrTransactionalOutboxNeeded)
	})
}

func TestPublishWithoutOutbox(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, AddRequestClient[GetOrder, OrderStatus]())

	assert.Nil(t, b.Outbox())
	assert.ErrorIs(t, Publish(ctx, b, OrderCreated{OrderID: "o-1"}), ErrNotStarted)
	assert.ErrorIs(t, Send(ctx, b, "billing", OrderCreated{OrderID: "o-1"}), ErrNotStarted)

	t.Run("requests need a registered client", func(t *testing.T) {
		_, err := Request[OrderCreated, OrderStatus](ctx, b, OrderCreated{})
		assert.ErrorIs(t, err, ErrRequestClientNotFound)
	})

	t.Run("response type must match the registration", func(t *testing.T) {
		_, err := Request[GetOrder, OrderCreated](ctx, b, GetOrder{OrderID: "o-1"})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("requests need a running bus", func(t *testing.T) {
		_, err := Request[GetOrder, OrderStatus](ctx, b, GetOrder{OrderID: "o-1"})
		assert.ErrorIs(t, err, ErrNotStarted)
	})

	t.Run("stopped bus rejects publishing", func(t *testing.T) {
		require.NoError(t, b.Stop())
		assert.ErrorIs(t, Publish(ctx, b, OrderCreated{}), ErrStopped)
		assert.ErrorIs(t, b.Start(ctx), ErrStopped)
	})
}
