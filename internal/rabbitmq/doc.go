// Package rabbitmq is the broker plumbing under the bus: a self-healing
// connection, a bounded channel pool, a confirming publisher and a queue
// consumer that acks on success and dead-letters on failure.
package rabbitmq
