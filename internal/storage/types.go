package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("journal disabled")

// DefaultMaxRecords bounds each journal table when Config.MaxRecords is 0.
const DefaultMaxRecords = 10000

// Config configures the journal.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxRecords  int
}

func (c Config) maxRecords() int {
	if c.MaxRecords > 0 {
		return c.MaxRecords
	}
	return DefaultMaxRecords
}

// StallRecord is one watchdog report of a loop that did not finish a pass
// in time.
type StallRecord struct {
	At        time.Time `json:"at"`
	GroupID   string    `json:"group_id"`
	Group     string    `json:"group"`
	Loop      string    `json:"loop"`
	BlockedMS int64     `json:"blocked_ms"`
	Stack     string    `json:"stack,omitempty"`
}

// EventRecord is a lifecycle event worth keeping across restarts: a handler
// evicted from its loop or a loop that died.
type EventRecord struct {
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	Group   string    `json:"group"`
	Loop    string    `json:"loop"`
	Handler string    `json:"handler,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Query filters reads. Zero values match everything; Limit <= 0 means 50.
type Query struct {
	Loop  string
	Since time.Time
	Limit int
}

func (q Query) limit() int {
	if q.Limit > 0 {
		return q.Limit
	}
	return 50
}

func (q Query) matches(loop string, at time.Time) bool {
	if q.Loop != "" && q.Loop != loop {
		return false
	}
	return q.Since.IsZero() || !at.Before(q.Since)
}
