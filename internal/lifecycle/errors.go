package lifecycle

import (
	"errors"
	"fmt"

	"github.com/systmms/keylife/internal/keystore"
)

// Sentinel errors for lifecycle outcomes. Typed errors below carry
// detail and match their sentinel through errors.Is.
var (
	// ErrRotationInProgress is returned when a rotation is requested for a
	// key that is already Rotating.
	ErrRotationInProgress = errors.New("rotation already in progress")

	// ErrRotationIncomplete is returned when a failed rotation could not be
	// compensated and the record was left in the Rotating state.
	ErrRotationIncomplete = errors.New("rotation incomplete")

	// ErrRotationFailed is returned when a rotation lost every commit
	// attempt to concurrent writers, or the record moved to a state the
	// rotation can no longer complete from.
	ErrRotationFailed = errors.New("rotation failed")

	// ErrGenerationFailed is returned when the reference generator failed
	// or produced an unusable reference.
	ErrGenerationFailed = errors.New("reference generation failed")

	// ErrInvalidSpec is returned when a creation request is missing
	// required fields.
	ErrInvalidSpec = errors.New("invalid key spec")

	// ErrInvalidTransition is returned when an event is not legal from the
	// record's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// InvalidTransitionError reports an event applied to a state that does not
// permit it.
type InvalidTransitionError struct {
	Event string
	From  keystore.State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a key in state %q", e.Event, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// SpecError reports a missing or malformed field in a creation request.
type SpecError struct {
	Field   string
	Message string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid key spec: %s: %s", e.Field, e.Message)
}

func (e *SpecError) Is(target error) bool {
	return target == ErrInvalidSpec
}

// GenerationError reports a failed or rejected reference generation.
type GenerationError struct {
	KeyID string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("failed to generate reference for key %s: %v", e.KeyID, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGenerationFailed
}

// IncompleteError reports a record stranded in Rotating because the
// compensating transition also failed. The caller must surface this
// loudly; the record needs operator attention.
type IncompleteError struct {
	KeyID string
	Cause error
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("rotation of key %s left incomplete: %v", e.KeyID, e.Cause)
}

func (e *IncompleteError) Unwrap() error {
	return e.Cause
}

func (e *IncompleteError) Is(target error) bool {
	return target == ErrRotationIncomplete
}
