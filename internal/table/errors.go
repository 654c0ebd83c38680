package table

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("entity not found")
	ErrRoomNotFound = errors.New("room not found")
)

// ValidationError reports an action whose preconditions were not met.
// No state was changed.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(op, format string, args ...any) error {
	return &ValidationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// PersistenceError reports a failed store write. The optimistic local state
// is kept, so the mirror may diverge until the next change event or refetch.
type PersistenceError struct {
	Op   string
	Kind Kind
	ID   string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("persist %s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("persist %s %s %s: %v", e.Op, e.Kind, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SubscriptionError reports a dropped change stream or presence channel.
// Callers recover by re-subscribing.
type SubscriptionError struct {
	Room string
	Kind Kind
	Err  error
}

func (e *SubscriptionError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("presence channel %s: %v", e.Room, e.Err)
	}
	return fmt.Sprintf("change stream %s/%s: %v", e.Room, e.Kind, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
