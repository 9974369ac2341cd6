// Package naming derives broker entity names from Go message and consumer types.
//
// Every name produced here is a pure function of the type descriptor and the
// configured options, so the same inputs always yield the same exchange, queue
// and routing-key names. That property is what makes topology declaration
// idempotent across process restarts and between services that share message
// contracts.
//
// The default convention produces kebab-case names:
//
//	type OrderCreatedEvent struct{}
//
//	f := naming.NewFormatter()
//	f.FormatQueueName(naming.TypeOf[OrderCreatedEvent]())    // "order-created-queue"
//	f.FormatExchangeName(naming.TypeOf[OrderCreatedEvent]()) // "order-created-exchange"
//	f.FormatRoutingKey(naming.TypeOf[OrderCreatedEvent]())   // "order-created"
//	f.FormatDeadLetterQueueName("order-created-queue")       // "order-created-queue-dlq"
package naming
