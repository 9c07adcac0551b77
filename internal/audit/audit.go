// Package audit keeps a bounded in-memory trail of lifecycle actions.
// Revocation is terminal rather than deletion precisely so this trail stays
// meaningful; the log itself holds actions, never secret references.
package audit

import (
	"sync"
	"time"
)

// Entry records one lifecycle action against a key record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	KeyID     string    `json:"key_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// DefaultCapacity bounds the trail when no explicit capacity is given.
const DefaultCapacity = 1000

// Log is a fixed-capacity append-only audit trail. Oldest entries are
// dropped once capacity is reached.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
}

// NewLog creates an audit log holding at most capacity entries.
// A non-positive capacity falls back to DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity}
}

// Record appends an entry, evicting the oldest if the log is full.
func (l *Log) Record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
}

// Recent returns up to limit entries, oldest first. A non-positive limit
// returns the whole trail.
func (l *Log) Recent(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
