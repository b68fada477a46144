package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyPlan          = errors.New("plan has no tasks")
	ErrCycleDetected      = errors.New("dependency cycle detected")
	ErrDanglingDependency = errors.New("dangling dependency")
	ErrInvalidPlan        = errors.New("invalid plan")
	ErrApprovalDenied     = errors.New("approval denied")
)

// ValidationError rejects a plan before anything is persisted.
type ValidationError struct {
	Kind   error
	TaskID string
	Detail string
}

func (e *ValidationError) Error() string {
	switch {
	case e.TaskID != "" && e.Detail != "":
		return fmt.Sprintf("%v: task %s: %s", e.Kind, e.TaskID, e.Detail)
	case e.TaskID != "":
		return fmt.Sprintf("%v: task %s", e.Kind, e.TaskID)
	case e.Detail != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
	}
	return e.Kind.Error()
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// Invalid builds a ValidationError of the given kind.
func Invalid(kind error, taskID, detail string) *ValidationError {
	return &ValidationError{Kind: kind, TaskID: taskID, Detail: detail}
}
