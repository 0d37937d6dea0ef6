// Package inbox deduplicates inbound message deliveries so at-least-once
// transports yield effectively-once processing.
//
// Each delivery is claimed against a store keyed by the producer-assigned
// message id. First deliveries win the claim and are dispatched to their
// handler; redeliveries of already-processed messages are acknowledged
// without running the handler. A claim holds a lease, so a crashed consumer
// frees its message for reprocessing once the lease lapses.
package inbox
