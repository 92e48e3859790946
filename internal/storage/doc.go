// Package storage persists the drop journal: one record per message the
// dispatcher gave up on, so terminal drops can be inspected after the fact.
//
// Backends:
//   - file: JSON Lines, append-only
//   - sqlite: modernc.org/sqlite through sqlx
//   - postgres: lib/pq through sqlx
package storage
