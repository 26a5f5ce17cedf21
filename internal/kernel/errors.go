package kernel

import (
	"errors"
	"fmt"
)

// Allocation failures. These are the only errors CreateTask returns; everything
// else a caller can get wrong is a precondition violation and panics.
var (
	ErrStackPoolExhausted = errors.New("stack pool exhausted")
	ErrTooManyTasks       = errors.New("task table full")
)

// Precondition violations, carried as the wrapped value of a panic.
var (
	ErrNotInitialized     = errors.New("kernel not initialized")
	ErrAlreadyInitialized = errors.New("kernel already initialized")
	ErrNotStarted         = errors.New("kernel not started")
	ErrAlreadyStarted     = errors.New("kernel already started")
	ErrInvalidPriority    = errors.New("invalid priority")
	ErrStackTooSmall      = errors.New("stack smaller than initial frame")
	ErrNilEntry           = errors.New("nil task entry")
	ErrInHandler          = errors.New("not callable from handler mode")
	ErrLocked             = errors.New("kernel lock already held")
	ErrNotLocked          = errors.New("kernel lock not held")
	ErrUnknownTask        = errors.New("task does not belong to this kernel")
	ErrNoCandidate        = errors.New("no eligible task")
)

func violation(op string, err error) {
	panic(fmt.Errorf("kernel: %s: %w", op, err))
}
