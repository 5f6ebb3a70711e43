// Package storage is the delivery journal: an append-only record of every
// dispatch outcome, kept for operators. Notification state itself lives in
// memory; the journal is never read back to rebuild it.
//
// Drivers:
//   - "file":   <prefix>.deliveries.jsonl (JSON Lines)
//   - "sqlite": a single SQLite database file
package storage
