// Package storage is the completion record store.
//
// A completion records that a user answered one interrupt slot on one
// reference-timezone date. Every backend enforces uniqueness on
// (user, date, slot): a duplicate insert returns ErrAlreadyExists and leaves
// the existing record untouched.
//
// Drivers:
//   - "memory": process-local, for tests and dry runs
//   - "file":   JSON Lines journal replayed on open
//   - "sqlite": embedded SQLite (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL via lib/pq
//   - "bolt":   bbolt key/value file
package storage
