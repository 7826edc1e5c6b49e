// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExperimentNotFound indicates an experiment was not found by the given identifier.
	ErrExperimentNotFound = errors.New("experiment not found")

	// ErrStepNotFound indicates an execution step was not found by the given identifier.
	ErrStepNotFound = errors.New("execution step not found")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "WorkflowByID", "SaveWorkflow")
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// ExperimentError wraps experiment-related errors with additional context.
type ExperimentError struct {
	Op           string
	ExperimentID string
	Err          error
}

func (e *ExperimentError) Error() string {
	return fmt.Sprintf("%s operation failed for experiment %s: %v", e.Op, e.ExperimentID, e.Err)
}

func (e *ExperimentError) Unwrap() error {
	return e.Err
}

func (e *ExperimentError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExperimentError creates a new experiment error with context.
func NewExperimentError(op, experimentID string, err error) *ExperimentError {
	return &ExperimentError{
		Op:           op,
		ExperimentID: experimentID,
		Err:          err,
	}
}

// StepError wraps execution step errors with additional context.
type StepError struct {
	Op     string
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s operation failed for step %s: %v", e.Op, e.StepID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func (e *StepError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewStepError(op, stepID string, err error) *StepError {
	return &StepError{
		Op:     op,
		StepID: stepID,
		Err:    err,
	}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsExperimentNotFound checks if an error indicates an experiment was not found.
func IsExperimentNotFound(err error) bool {
	return errors.Is(err, ErrExperimentNotFound)
}

// IsStepNotFound checks if an error indicates an execution step was not found.
func IsStepNotFound(err error) bool {
	return errors.Is(err, ErrStepNotFound)
}
