package allocation

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed or incomplete input. No store interaction happened.
	ErrValidation = errors.New("allocation: validation failed")
	// ErrLock is returned when the resource is leased by another caller. Retry later.
	ErrLock = errors.New("allocation: resource locked")
	// ErrVersionConflict is returned when the persisted version differs from the expected one.
	ErrVersionConflict = errors.New("allocation: version conflict")
	// ErrNotFound is returned when the referenced entry is absent.
	ErrNotFound = errors.New("allocation: not found")
	// ErrStore is returned for underlying ledger store failures.
	ErrStore = errors.New("allocation: store failure")
	// ErrConditionFailed is returned by ledger stores when a conditional put is rejected.
	ErrConditionFailed = errors.New("ledger: condition failed")
)

// ValidationError describes a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a validation error for a field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "allocation: validation failed: " + e.Reason
	}
	return fmt.Sprintf("allocation: validation failed: %s: %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// LockError reports a lease held by someone else.
type LockError struct {
	Resource string
	Err      error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("allocation: resource locked: %s", e.Resource)
}

// Is matches ErrLock.
func (e *LockError) Is(target error) bool { return target == ErrLock }

func (e *LockError) Unwrap() error { return e.Err }

// VersionConflictError reports an optimistic concurrency mismatch.
type VersionConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("allocation: version conflict: %s expected=%d actual=%d", e.ID, e.Expected, e.Actual)
}

// Is matches ErrVersionConflict.
func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// StoreError wraps a ledger store failure.
type StoreError struct {
	Op  string
	Err error
}

// NewStoreError wraps err unless it already carries a taxonomy kind.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) || errors.Is(err, ErrValidation) || errors.Is(err, ErrLock) ||
		errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("allocation: store failure: %s: %v", e.Op, e.Err)
}

// Is matches ErrStore.
func (e *StoreError) Is(target error) bool { return target == ErrStore }

func (e *StoreError) Unwrap() error { return e.Err }

// NotFoundError builds a not found error for an entry id.
func NotFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
