// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/crucible/pkg/graph"
	"github.com/dukex/crucible/pkg/lifecycle"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest  = errors.New("invalid request")
	ErrWorkflowInvalid = errors.New("workflow graph is invalid")
	ErrInvalidStatus   = errors.New("invalid status")

	// Business Logic Conflicts (409 Conflict).
	ErrWorkflowNotActive   = errors.New("workflow is not active")
	ErrWorkflowArchived    = errors.New("workflow is archived")
	ErrWorkflowAttached    = errors.New("experiment already has a workflow attached")
	ErrExperimentTerminal  = errors.New("experiment is in a terminal state")
	ErrNotRetryable        = errors.New("experiment is not in a failed state")
	ErrStepNotInExperiment = errors.New("step does not belong to the experiment")
)

// ValidationError wraps a rejected request. Errors holds the graph
// validator's findings when the request failed on the workflow graph.
type ValidationError struct {
	Op      string
	Message string
	Errors  []graph.ValidationError
	Err     error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) > 0 {
		parts := make([]string, 0, len(e.Errors))
		for _, ve := range e.Errors {
			parts = append(parts, ve.String())
		}

		return fmt.Sprintf("%s: %s: %s", e.Op, e.Err, strings.Join(parts, "; "))
	}

	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ConflictError wraps a request that is well formed but clashes with the
// current state of the resource.
type ConflictError struct {
	Op      string
	Message string
	Err     error
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

func NewValidationError(op, message string, err error) *ValidationError {
	return &ValidationError{Op: op, Message: message, Err: err}
}

func NewConflictError(op, message string, err error) *ConflictError {
	return &ConflictError{Op: op, Message: message, Err: err}
}

// IsValidationError checks if an error should return HTTP 400. Rejected
// (from, to) pairs count as validation errors.
func IsValidationError(err error) bool {
	var ve *ValidationError

	return errors.As(err, &ve) || lifecycle.IsInvalidTransition(err)
}

// IsConflictError checks if an error should return HTTP 409. Unmet
// transition prerequisites count as conflicts.
func IsConflictError(err error) bool {
	var ce *ConflictError

	return errors.As(err, &ce) || lifecycle.IsPrerequisiteError(err)
}

// GraphErrors returns the validator findings carried by err, if any.
func GraphErrors(err error) []graph.ValidationError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Errors
	}

	return nil
}
