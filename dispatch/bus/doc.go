// Package bus routes commands, queries, and events to registered handlers
// through a fixed behavior chain.
//
// Handlers are registered once at startup in a Registry; the Dispatcher
// composes its behavior chain a single time at construction and is safe for
// concurrent use. The canonical chain is Logging, Performance, Validation,
// Retry, Transaction: validation failures short-circuit before the handler,
// and every retry attempt re-enters the transaction behavior so it runs in a
// fresh unit of work.
//
// Handlers raise integration events with Raise; the transaction behavior
// flushes them to the configured EventSink inside the same database
// transaction, just before commit.
package bus
