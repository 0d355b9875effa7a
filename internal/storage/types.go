package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the delivery audit store.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryEntry is one audited dispatch outcome.
// Keep it compact and schema-stable.
type DeliveryEntry struct {
	At          time.Time `json:"at"`
	Tenant      string    `json:"tenant"`
	Recipient   string    `json:"recipient"`
	Success     bool      `json:"success"`
	Attempts    int       `json:"attempts"`
	Attachments int       `json:"attachments"`
	Detail      string    `json:"detail,omitempty"`
}
