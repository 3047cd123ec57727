// Package store provides the SQLite-backed durable local store for ballotsync.
//
// The store is a small namespaced key/value table. Higher layers keep one
// collection per key:
//   - ballotsync/idempotency/v1: idempotency records (internal/idempotency)
//   - ballotsync/mapping/v1: identity mapping snapshot (internal/mapping)
//
// Writes are upserts; a Put followed by a Get of the same key returns the
// bytes just written. Callers that need stronger guarantees verify by
// read-back (see idempotency.Cache.Record).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: a confirmed write survives power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
