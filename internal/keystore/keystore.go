// Package keystore provides storage for key lifecycle records.
//
// A KeyRecord tracks one external credential's opaque secret reference and
// its lifecycle state. The store never holds secret material, only
// references into an external vault.
//
// All mutation goes through Commit, a version-guarded read-modify-write:
// callers supply the record version they last observed and a mutator, and
// the store applies the mutator atomically only if the version still
// matches. Stale writers get ErrConflict instead of blocking, which keeps
// locks from being held across slow external calls (reference generation)
// and makes lost updates impossible.
package keystore

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a key record.
type State string

const (
	// StateActive is the initial state and the state reached again after a
	// completed rotation.
	StateActive State = "active"

	// StateRotating marks a rotation in progress for this record. Only one
	// caller can win the transition into Rotating; a record left in this
	// state after a failed compensation needs operator attention.
	StateRotating State = "rotating"

	// StateRevoked is terminal. The record is retained for audit but its
	// references are inert.
	StateRevoked State = "revoked"
)

// KeyRecord is the unit of management: one external credential's reference
// and lifecycle state.
type KeyRecord struct {
	// ID is assigned at creation and immutable.
	ID string `json:"id"`

	// Descriptive metadata, caller-supplied.
	SystemName  string `json:"system_name"`
	SystemType  string `json:"system_type"`
	Env         string `json:"env"`
	DisplayName string `json:"display_name"`

	// CurrentRef is the opaque reference to the active secret.
	CurrentRef string `json:"current_ref"`

	// PreviousRef is retained during a grace period after rotation;
	// empty otherwise. Present if and only if GraceExpiresAt is set.
	PreviousRef string `json:"previous_ref,omitempty"`

	State State `json:"state"`

	// Version increases by exactly 1 per committed mutation. It is the
	// optimistic concurrency token and doubles as an audit cursor.
	Version int64 `json:"version"`

	RotatedAt      *time.Time `json:"rotated_at,omitempty"`
	GraceExpiresAt *time.Time `json:"grace_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RefValidDuringGrace reports whether ref matches the record's current
// reference, or its previous reference while the grace period is still
// open at the given instant.
func (r KeyRecord) RefValidDuringGrace(ref string, now time.Time) bool {
	if r.State == StateRevoked || ref == "" {
		return false
	}
	if ref == r.CurrentRef {
		return true
	}
	if r.PreviousRef != "" && ref == r.PreviousRef &&
		r.GraceExpiresAt != nil && now.Before(*r.GraceExpiresAt) {
		return true
	}
	return false
}

// Mutator transforms a record inside a commit. It runs under the store's
// per-key guard and must not block on external calls.
type Mutator func(KeyRecord) KeyRecord

// Sentinel errors shared by all store backends.
var (
	ErrNotFound    = errors.New("key record not found")
	ErrConflict    = errors.New("version conflict")
	ErrDuplicateID = errors.New("key record id already exists")
)

// Store is the contract every backend honors.
//
// Commits for a single id are linearizable: the sequence of committed
// versions is totally ordered and each commit observes the immediately
// preceding committed state. No ordering is guaranteed across different
// ids, and commits on unrelated ids must not serialize against each other.
type Store interface {
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (KeyRecord, error)

	// List returns all records in insertion order. The result is a
	// snapshot; callers may retain it without further locking.
	List(ctx context.Context) ([]KeyRecord, error)

	// Insert stores a new record, or returns ErrDuplicateID.
	Insert(ctx context.Context, rec KeyRecord) error

	// Commit atomically applies mutate to the record only if its version
	// equals expectedVersion, assigns version expectedVersion+1, and
	// returns the new record. A stale expectedVersion yields ErrConflict
	// with no side effects.
	Commit(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (KeyRecord, error)

	// Close releases backend resources.
	Close() error
}
