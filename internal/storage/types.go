package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver string
	Path   string
	DSN    string
	// BusyTimeout applies to sqlite only; 0 means the driver default.
	BusyTimeout time.Duration
	// Retention bounds how long SQL backends keep drop records; 0 keeps them forever.
	Retention time.Duration
	// MaxConns caps the postgres pool; 0 means 4.
	MaxConns int
}

// DropRecord is one terminally dropped dispatch task.
type DropRecord struct {
	TaskID     string    `json:"task_id"`
	ChatID     int64     `json:"chat_id"`
	ThreadID   int       `json:"thread_id,omitempty"`
	Op         string    `json:"op"`
	Attempts   int       `json:"attempts"`
	Reason     string    `json:"reason"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	DroppedAt  time.Time `json:"dropped_at"`
}
