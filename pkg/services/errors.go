package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrForbidden is returned when a tenant addresses another tenant's resource
	ErrForbidden = errors.New("resource belongs to another tenant")

	// ErrBudgetExhausted is returned when a tenant's cumulative spend has
	// reached its budget ceiling
	ErrBudgetExhausted = errors.New("tenant budget exhausted")

	// ErrJobTerminal is returned when updating a job that already reached
	// completed or failed
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrProjectLocked is returned when another engine instance holds the
	// project lock
	ErrProjectLocked = errors.New("project is locked by another engine")

	// ErrNoJobsAvailable is returned by the claim query when no admissible
	// queued job exists
	ErrNoJobsAvailable = errors.New("no queued jobs available")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
