package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownActionType          = errors.New("unknown action type")
	ErrInvalidStateTransition     = errors.New("invalid state transition")
	ErrConcurrentModification     = errors.New("concurrent modification conflict")
	ErrProfessionalReviewRequired = errors.New("licensed professional review required")
	ErrInvalidParams              = errors.New("invalid action params")
	ErrForbidden                  = errors.New("forbidden")
)

// TransitionError describes a rejected action request status change.
type TransitionError struct {
	ActionID string
	From     ActionStatus
	To       ActionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("action %s: cannot move %s -> %s", e.ActionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// UnknownActionTypeError names the unregistered id.
func UnknownActionTypeError(id string) error {
	return fmt.Errorf("%w: %q", ErrUnknownActionType, id)
}

// ConflictError wraps ErrConcurrentModification with the contested entity.
func ConflictError(kind, id string) error {
	return fmt.Errorf("%w: %s %s changed concurrently; reload and retry", ErrConcurrentModification, kind, id)
}
