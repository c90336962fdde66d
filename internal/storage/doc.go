// Package storage persists finished-job history and operator audit entries.
//
// Drivers:
//   - file: JSON Lines next to the configured path
//   - sqlite: modernc.org/sqlite with WAL
//   - postgres: pgx connection pool
//
// The Recorder subscribes to the event bus and writes every job.finished
// event, so the dispatcher never blocks on the database.
package storage
