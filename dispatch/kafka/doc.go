// Package kafka adapts Kafka to the outbox and inbox contracts using
// segmentio/kafka-go.
//
// Transport writes outbox envelopes synchronously with full acks, so a nil
// return means the cluster durably holds the message. Consumer fetches from
// a reader, hands each message to an inbox processor, and commits the offset
// only after the processor acknowledges it. Kafka has no broker-side
// requeue; a Requeue disposition is retried in place with backoff until the
// inbox attempt budget parks the message.
package kafka
