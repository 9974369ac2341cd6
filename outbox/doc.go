// Package outbox implements the transactional outbox: messages are stored in
// the same transaction as business data and a Relay publishes them afterwards.
//
//	ob, _ := outbox.New(store, outbox.HighReliability())
//	ob.Enqueue(ctx, &outbox.Message{Exchange: "order-created-exchange", Payload: body})
//
//	relay, _ := outbox.NewRelay(store, outbox.NewAMQPPublisher(publisher), ob.Options())
//	go relay.Run(ctx)
package outbox
