package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one dispatch outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"` // command | event | task
	Module    string    `json:"module"`
	ActorID   string    `json:"actor_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Outcome   string    `json:"outcome"` // executed | failed | blocked
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
