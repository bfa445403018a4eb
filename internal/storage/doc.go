// Package storage persists the per-group schedule: group id -> next due time.
//
// Two drivers are available:
//   - "file": a single JSON snapshot replaced atomically (write temp, fsync, rename)
//   - "sqlite": a SQLite database with goose-managed schema
//
// Every Put is durable before it returns, so a run that completed and was
// rescheduled is never replayed after a crash.
package storage
