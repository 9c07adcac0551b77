// Package lifecycle implements the key record state machine and the
// service that drives it: creation, two-phase rotation with a
// compensating transition, grace windows, and terminal revocation.
//
// The transition functions in this file are pure: they take a record and
// return the next record, never touching storage or clocks beyond the
// timestamps passed in. All persistence goes through the version-guarded
// commit in the service, so every transition is checked against the exact
// record state it was computed from.
package lifecycle

import (
	"time"

	"github.com/systmms/keylife/internal/keystore"
)

// CreateSpec describes a key record to create. ID is optional; the
// service assigns one when it is empty. Ref is optional; the reference
// generator supplies one when it is empty.
type CreateSpec struct {
	ID          string `json:"id,omitempty"`
	SystemName  string `json:"system_name"`
	SystemType  string `json:"system_type"`
	Env         string `json:"env"`
	DisplayName string `json:"display_name"`
	Ref         string `json:"ref,omitempty"`
}

// Validate checks that all required fields are present.
func (s CreateSpec) Validate() error {
	for _, f := range []struct {
		name, value string
	}{
		{"system_name", s.SystemName},
		{"system_type", s.SystemType},
		{"env", s.Env},
		{"display_name", s.DisplayName},
	} {
		if f.value == "" {
			return &SpecError{Field: f.name, Message: "must not be empty"}
		}
	}
	return nil
}

// newRecord builds the initial Active record for a validated spec.
// Version starts at 1; every later transition lands through a commit
// that bumps it by exactly one.
func newRecord(spec CreateSpec, id, ref string, now time.Time) keystore.KeyRecord {
	return keystore.KeyRecord{
		ID:          id,
		SystemName:  spec.SystemName,
		SystemType:  spec.SystemType,
		Env:         spec.Env,
		DisplayName: spec.DisplayName,
		CurrentRef:  ref,
		State:       keystore.StateActive,
		Version:     1,
		CreatedAt:   now,
	}
}

// beginRotate moves an Active record to Rotating. Only one caller can
// land this transition per version, which is what makes it the
// rotation's mutual exclusion point.
func beginRotate(rec keystore.KeyRecord) (keystore.KeyRecord, error) {
	switch rec.State {
	case keystore.StateActive:
		rec.State = keystore.StateRotating
		return rec, nil
	case keystore.StateRotating:
		return keystore.KeyRecord{}, ErrRotationInProgress
	default:
		return keystore.KeyRecord{}, &InvalidTransitionError{Event: "rotate", From: rec.State}
	}
}

// completeRotate installs the freshly generated reference and returns the
// record to Active. A positive grace keeps the old reference readable in
// previous_ref until now+grace; a zero grace voids it immediately.
func completeRotate(rec keystore.KeyRecord, newRef string, grace time.Duration, now time.Time) (keystore.KeyRecord, error) {
	if rec.State != keystore.StateRotating {
		return keystore.KeyRecord{}, &InvalidTransitionError{Event: "complete rotation of", From: rec.State}
	}

	if grace > 0 {
		rec.PreviousRef = rec.CurrentRef
		expires := now.Add(grace)
		rec.GraceExpiresAt = &expires
	} else {
		rec.PreviousRef = ""
		rec.GraceExpiresAt = nil
	}
	rec.CurrentRef = newRef
	rotated := now
	rec.RotatedAt = &rotated
	rec.State = keystore.StateActive
	return rec, nil
}

// compensateRotate rolls a Rotating record back to Active with its
// references untouched, undoing a begin whose generation step failed.
func compensateRotate(rec keystore.KeyRecord) (keystore.KeyRecord, error) {
	if rec.State != keystore.StateRotating {
		return keystore.KeyRecord{}, &InvalidTransitionError{Event: "compensate rotation of", From: rec.State}
	}
	rec.State = keystore.StateActive
	return rec, nil
}

// revoke moves a record to the terminal Revoked state. References stay on
// the stored record for the audit trail but are never served as usable
// again. Revoking mid-rotation is legal and abandons the rotation.
func revoke(rec keystore.KeyRecord) (keystore.KeyRecord, error) {
	if rec.State == keystore.StateRevoked {
		return keystore.KeyRecord{}, &InvalidTransitionError{Event: "revoke", From: rec.State}
	}
	rec.State = keystore.StateRevoked
	return rec, nil
}
