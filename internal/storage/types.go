package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the audit store.
//
// Driver values:
//   - "file": JSON Lines file with size-bound rotation
//   - "sqlite": SQLite database file (requires the sqlite build tag)
//
// If Driver is empty or "none", storage is disabled. The audit trail is a
// record, not recovery state: pending requests live only in memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// InteractionEntry records one button interaction outcome.
// Keep it compact and schema-stable.
type InteractionEntry struct {
	At        time.Time `json:"at"`
	DeviceID  string    `json:"device_id"`
	RequestID string    `json:"request_id,omitempty"`
	Outcome   string    `json:"outcome"` // sent, replied, resolved, timed_out, ...
	Responder string    `json:"responder,omitempty"`
	Text      string    `json:"text,omitempty"`
	Test      bool      `json:"test,omitempty"`
	LatencyMS int64     `json:"latency_ms,omitempty"` // time from send to this outcome
}
