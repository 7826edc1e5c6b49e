// Package models defines the core domain models for graph-driven experiment execution
package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not attachable
	WorkflowStatusActive   WorkflowStatus = "active"   // Validated, attachable to experiments
	WorkflowStatusArchived WorkflowStatus = "archived" // Retired, kept for referencing experiments
)

// DefaultMaxLoopIterations is applied when a workflow is created without an explicit bound.
const DefaultMaxLoopIterations = 3

// Workflow is an authored directed graph of work.
type Workflow struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"                   validate:"required,min=3"`
	Description       string          `json:"description"`
	Status            WorkflowStatus  `json:"status"                 validate:"required,oneof=draft active archived"`
	Version           int             `json:"version"`
	MaxLoopIterations int             `json:"max_loop_iterations"    validate:"min=1"`
	Nodes             []*WorkflowNode `json:"nodes"`
	Edges             []*WorkflowEdge `json:"edges"`
	Owner             string          `json:"owner"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ActivatedAt       *time.Time      `json:"activated_at,omitempty"`
	ArchivedAt        *time.Time      `json:"archived_at,omitempty"`
}

// IsActive reports whether the workflow can be attached to an experiment.
func (w *Workflow) IsActive() bool {
	return w.Status == WorkflowStatusActive
}

// Snapshot copies the graph into an immutable structure owned by a single run.
// Nodes, edges, configs and conditions are deep-copied so later edits to the
// workflow never leak into the snapshot.
func (w *Workflow) Snapshot(at time.Time) *GraphSnapshot {
	snapshot := &GraphSnapshot{
		WorkflowID:        w.ID,
		WorkflowVersion:   w.Version,
		MaxLoopIterations: w.MaxLoopIterations,
		Nodes:             make([]*WorkflowNode, 0, len(w.Nodes)),
		Edges:             make([]*WorkflowEdge, 0, len(w.Edges)),
		SnapshottedAt:     at,
	}

	for _, node := range w.Nodes {
		snapshot.Nodes = append(snapshot.Nodes, node.Clone())
	}

	for _, edge := range w.Edges {
		snapshot.Edges = append(snapshot.Edges, edge.Clone())
	}

	return snapshot
}

// GraphSnapshot is the self-contained copy of a workflow graph embedded in an
// experiment. It is the only source of truth for run-time decisions.
type GraphSnapshot struct {
	WorkflowID        string          `json:"workflow_id"`
	WorkflowVersion   int             `json:"workflow_version"`
	MaxLoopIterations int             `json:"max_loop_iterations"`
	Nodes             []*WorkflowNode `json:"nodes"`
	Edges             []*WorkflowEdge `json:"edges"`
	SnapshottedAt     time.Time       `json:"snapshotted_at"`
}
