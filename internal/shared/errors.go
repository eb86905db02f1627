package shared

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a role, permission, agent, command or incident could not be resolved.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied indicates the principal's role is insufficient.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSubscriptionRequired indicates the principal's plan is insufficient.
	ErrSubscriptionRequired = errors.New("subscription required")
	// ErrLimitExceeded indicates a usage counter is at its plan cap.
	ErrLimitExceeded = errors.New("limit exceeded")
	// ErrInvalidStateTransition indicates a command or incident state machine violation.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrAccountLocked indicates the authentication guard is active.
	ErrAccountLocked = errors.New("account locked")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

// PermissionError carries the minimum requirement that was not met.
type PermissionError struct {
	Action             string
	RequiredPermission string
	MinimumRole        string
}

func (e *PermissionError) Error() string {
	switch {
	case e.MinimumRole != "":
		return fmt.Sprintf("permission denied: %s requires role %s or higher", e.Action, e.MinimumRole)
	case e.RequiredPermission != "":
		return fmt.Sprintf("permission denied: %s requires permission %s", e.Action, e.RequiredPermission)
	default:
		return fmt.Sprintf("permission denied: %s", e.Action)
	}
}

// Unwrap exposes ErrPermissionDenied to errors.Is.
func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

// SubscriptionError carries the minimum plan tier required.
type SubscriptionError struct {
	Feature     string
	MinimumTier string
	CurrentTier string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription required: %s needs the %s plan or higher (current: %s)", e.Feature, e.MinimumTier, e.CurrentTier)
}

// Unwrap exposes ErrSubscriptionRequired to errors.Is.
func (e *SubscriptionError) Unwrap() error { return ErrSubscriptionRequired }

// LimitError reports the usage counter state at rejection time.
type LimitError struct {
	Kind    string
	Current int64
	Max     int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit exceeded: %s at %d of %d", e.Kind, e.Current, e.Max)
}

// Unwrap exposes ErrLimitExceeded to errors.Is.
func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// TransitionError describes a rejected state change.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// Unwrap exposes ErrInvalidStateTransition to errors.Is.
func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// LockedError reports when the lockout expires.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// Unwrap exposes ErrAccountLocked to errors.Is.
func (e *LockedError) Unwrap() error { return ErrAccountLocked }
