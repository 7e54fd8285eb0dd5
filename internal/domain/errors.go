package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownKind       = errors.New("unknown task kind")
	// ErrUnmappedStatus marks a backend status outside the known vocabulary.
	ErrUnmappedStatus = errors.New("unmapped backend status")
	// ErrValidation rejects a request locally before any backend call.
	ErrValidation = errors.New("validation failed")
	// ErrActiveTasks rejects clear-all while a task in scope is transferring.
	ErrActiveTasks = errors.New("scope has active transfers")
)

// OperationError is a failed backend command for one task. It is always
// recoverable by retrying the command or resuming the task.
type OperationError struct {
	Op     string
	Kind   Kind
	TaskID string
	Err    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s task %s: %v", e.Op, e.Kind, e.TaskID, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
