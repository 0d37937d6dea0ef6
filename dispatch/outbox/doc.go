// Package outbox implements the transactional outbox side of reliable
// message dispatch.
//
// Messages are appended to the store inside the same database transaction as
// the state change that produced them, then a Publisher claims batches with a
// lease and pushes them to a Transport. Delivery is at-least-once: the
// publish happens before the PUBLISHED state is persisted, so consumers must
// deduplicate, typically with the inbox package.
package outbox
