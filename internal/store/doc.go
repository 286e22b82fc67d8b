// Package store provides SQLite-backed durable storage for the reporting
// engine: the imported event log, domain definitions, graph nodes and edges,
// materialized proxies, merge policies and standing errors.
//
// # Ordering
//
// Log order is imported_events.seq, never timestamps. Timestamps are audit
// data only. Lease and retry deadlines are stored as unix nanoseconds.
//
// # Idempotency
//
// Appends coalesce on (tenant, source, document, content hash) while the
// earlier entry is unprocessed. Marking processed and committing a target are
// safe to repeat.
//
// # Partial updates
//
// CommitTarget rewrites exactly one key of a proxy's dynamicFields inside a
// transaction. Values are stored as canonical JSON so untouched fields stay
// byte-identical.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait on lock contention, then retry with backoff
//   - foreign_keys=ON
package store
