// Package rabbitmq adapts RabbitMQ to the outbox and inbox contracts.
//
// Transport publishes outbox envelopes on a confirm-mode channel and waits
// for the broker acknowledgement before reporting success, which is what
// keeps outbox delivery at-least-once. Consumer drains a queue and hands
// each delivery to an inbox processor, translating the processor's
// disposition into broker ack/nack.
package rabbitmq
