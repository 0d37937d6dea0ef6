// Package dispatch provides the shared core for reliable message dispatch:
// the error taxonomy understood by every pipeline stage, request-scoped
// context plumbing (correlation id, logger, tracer), and the App/Launcher
// lifecycle used to supervise background loops.
//
// The building blocks live in subpackages: bus (dispatcher and behavior
// chain), outbox and inbox (transactional messaging stores and loops),
// idempotency (execute-once), plus transport and storage adapters.
package dispatch
