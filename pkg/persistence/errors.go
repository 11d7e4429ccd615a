// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrTemplateNotFound indicates a workflow template was not found by the given identifier.
	ErrTemplateNotFound = errors.New("workflow template not found")

	// ErrInstanceNotFound indicates a workflow instance was not found by the given identifier.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrStepExecutionNotFound indicates a step execution was not found by the given identifier.
	ErrStepExecutionNotFound = errors.New("step execution not found")

	// ErrRequestNotFound indicates an approval request was not found by the given identifier.
	ErrRequestNotFound = errors.New("approval request not found")

	// ErrVersionConflict indicates the row changed since it was read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrLiveExecutionExists indicates the instance already has a live step execution.
	ErrLiveExecutionExists = errors.New("instance already has a live step execution")
)

// EntityError wraps repository errors with the operation and the row they concern.
type EntityError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Update")
	Entity string // Entity kind (e.g., "template", "instance")
	ID     string // Row identifier if applicable
	Err    error  // Underlying error
}

func (e *EntityError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s operation failed for %s: %v", e.Op, e.Entity, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for entity errors.
func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op, entity, id string, err error) *EntityError {
	return &EntityError{
		Op:     op,
		Entity: entity,
		ID:     id,
		Err:    err,
	}
}

// IsNotFound checks if an error indicates any row was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrStepExecutionNotFound) ||
		errors.Is(err, ErrRequestNotFound)
}

// IsVersionConflict checks if an error indicates a lost optimistic update.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrLiveExecutionExists)
}
