// Package idempotency executes an operation at most once per key.
//
// The gate is a placeholder record: Begin inserts it atomically, and only the
// caller that wins the insert runs the operation. Later requests with the
// same key replay the stored result without executing, and concurrent
// requests either wait for the winner or are rejected as in flight. Records
// expire, so a key can be reused once its TTL lapses, and a placeholder
// abandoned by a crashed process heals the same way.
package idempotency
