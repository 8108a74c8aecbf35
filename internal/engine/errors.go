package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. Validation errors surface
// synchronously from Submit, before any task record exists; everything that
// happens after spawn flows through the task's terminal state instead.
var (
	ErrEmptyTargetSet   = errors.New("target resolution yielded no hosts")
	ErrUnknownReference = errors.New("unknown host, group, playbook, or credential reference")
	ErrInvalidVariables = errors.New("invalid variables")
	ErrTaskNotFound     = errors.New("task not found")
	ErrShuttingDown     = errors.New("engine is shutting down")
)

// TaskError wraps errors with task context.
type TaskError struct {
	TaskID string
	Op     string // The operation that failed
	Err    error
}

func (e *TaskError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("task %s: %s: %s", e.TaskID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a synchronous submit-time rejection.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyTargetSet) ||
		errors.Is(err, ErrUnknownReference) ||
		errors.Is(err, ErrInvalidVariables)
}
