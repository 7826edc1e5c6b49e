// Package web provides HTTP request and response types for the workflow API.
package web

import (
	"github.com/dukex/crucible/pkg/graph"
	"github.com/dukex/crucible/pkg/models"
)

// CreateWorkflowRequest represents the request body for creating a new workflow.
type CreateWorkflowRequest struct {
	Name              string                 `json:"name"                validate:"required,min=3"`
	Description       string                 `json:"description"`
	Owner             string                 `json:"owner"`
	MaxLoopIterations int                    `json:"max_loop_iterations" validate:"min=0"`
	Nodes             []*models.WorkflowNode `json:"nodes"`
	Edges             []*models.WorkflowEdge `json:"edges"`
}

// ReplaceGraphRequest swaps a workflow's whole node and edge set.
type ReplaceGraphRequest struct {
	Nodes []*models.WorkflowNode `json:"nodes"`
	Edges []*models.WorkflowEdge `json:"edges"`
}

type ValidateWorkflowResponse struct {
	Valid  bool                    `json:"valid"`
	Errors []graph.ValidationError `json:"errors"`
}

type AttachWorkflowRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
}

// ActionRequest is the body of the start, pause, resume, kill and retry actions.
type ActionRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
	Reason  string `json:"reason"`
}

type RetryFromStepRequest struct {
	StepID  string `json:"step_id"  validate:"required"`
	ActorID string `json:"actor_id" validate:"required"`
}

// DeleteWorkflowResponse tells the caller whether the workflow was removed or,
// being still referenced by experiments, archived instead.
type DeleteWorkflowResponse struct {
	ID       string `json:"id"`
	Archived bool   `json:"archived"`
}
