package store

import (
	"errors"
	"fmt"

	"qms/patient-queue/internal/models"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("queue entry not found")
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrDuplicateToken      = errors.New("duplicate token")
	ErrInvalidState        = errors.New("invalid queue entry state")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrConflict            = errors.New("concurrent update conflict")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type TransitionError struct {
	From models.Status
	To   models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// StateError rejects an action that the entry's current status does not permit.
type StateError struct {
	ID     string
	Status models.Status
	Action string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s entry %s while %s", e.Action, e.ID, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// UpstreamError reports a failed or timed out call to a collaborator.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream unavailable: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() []error { return []error{ErrUpstreamUnavailable, e.Err} }

func Upstream(op string, err error) error {
	return &UpstreamError{Op: op, Err: err}
}
