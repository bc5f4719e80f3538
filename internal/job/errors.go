package job

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateJob      = errors.New("duplicate job")
	ErrInvalidID         = errors.New("invalid job id")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("job not found")
	// ErrNotReady is returned when a result is requested before completion.
	ErrNotReady = errors.New("result not ready")
)

// TransitionError describes a rejected lifecycle change.
type TransitionError struct {
	Op   string
	ID   string
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s for job %s: %s -> %s", ErrInvalidTransition, e.ID, e.From, e.To)
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
