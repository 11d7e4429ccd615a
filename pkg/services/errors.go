// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/approvals/pkg/assignment"
	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrValidation = errors.New("validation failed")

	// State machine errors (409 Conflict).
	ErrInvalidState = errors.New("invalid state transition")

	// Authorization Errors (403 Forbidden).
	ErrUnauthorized = errors.New("actor is not allowed to act on this request")

	// Business Logic Conflicts (409 Conflict).
	ErrTemplateInUse = errors.New("template is referenced by workflow instances")

	// ErrStepMissing indicates an instance's template snapshot has no step at a number it must enter.
	ErrStepMissing = errors.New("step missing from template snapshot")

	// ErrUnresolvedAssignment is non-fatal: the instance is flagged for attention instead.
	ErrUnresolvedAssignment = assignment.ErrUnresolved
)

// ValidationError lists every violated field of a payload.
type ValidationError struct {
	Op     string
	Fields []models.FieldError
}

func (e *ValidationError) Error() string {
	messages := make([]string, len(e.Fields))
	for i, field := range e.Fields {
		messages[i] = field.Field + ": " + field.Message
	}

	return fmt.Sprintf("%s: %v: %s", e.Op, ErrValidation, strings.Join(messages, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a validation error, or nil when fields is empty.
func NewValidationError(op string, fields []models.FieldError) error {
	if len(fields) == 0 {
		return nil
	}

	return &ValidationError{Op: op, Fields: fields}
}

// StateError reports an action that is not permitted from the entity's current status.
type StateError struct {
	Op     string
	Entity string
	ID     string
	From   string
	Action string
	Reason string
}

func (e *StateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s %s: %s", e.Op, e.Entity, e.ID, e.Reason)
	}

	return fmt.Sprintf("%s: cannot %s %s %s in status %q", e.Op, e.Action, e.Entity, e.ID, e.From)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// AuthorizationError reports an actor acting on something assigned to someone else.
type AuthorizationError struct {
	Op         string
	ActorID    string
	Entity     string
	ID         string
	Assignment models.Assignment
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: actor %s may not act on %s %s assigned to %s", e.Op, e.ActorID, e.Entity, e.ID, e.Assignment)
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidState checks if an error is a rejected state transition.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsAuthorizationError checks if an error should return HTTP 403.
func IsAuthorizationError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsNotFound checks if an error should return HTTP 404.
func IsNotFound(err error) bool {
	return persistence.IsNotFound(err) || errors.Is(err, models.ErrStepNotInOrder)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrTemplateInUse) ||
		persistence.IsVersionConflict(err) ||
		IsInvalidState(err)
}

// ValidationFields extracts the field list of a validation error.
func ValidationFields(err error) []models.FieldError {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Fields
	}

	return nil
}
