package models

import (
	"slices"
	"time"
)

// ExperimentStatus is a state of the experiment lifecycle.
type ExperimentStatus string

const (
	ExperimentStatusDraft             ExperimentStatus = "draft"
	ExperimentStatusSignalDetected    ExperimentStatus = "signal_detected"
	ExperimentStatusScoring           ExperimentStatus = "scoring"
	ExperimentStatusScoringFailed     ExperimentStatus = "scoring_failed"
	ExperimentStatusPlanning          ExperimentStatus = "planning"
	ExperimentStatusPlanningFailed    ExperimentStatus = "planning_failed"
	ExperimentStatusBuilding          ExperimentStatus = "building"
	ExperimentStatusBuildingFailed    ExperimentStatus = "building_failed"
	ExperimentStatusAwaitingApproval  ExperimentStatus = "awaiting_approval"
	ExperimentStatusApproved          ExperimentStatus = "approved"
	ExperimentStatusRejected          ExperimentStatus = "rejected"
	ExperimentStatusExecuting         ExperimentStatus = "executing"
	ExperimentStatusExecutionFailed   ExperimentStatus = "execution_failed"
	ExperimentStatusCollectingMetrics ExperimentStatus = "collecting_metrics"
	ExperimentStatusEvaluating        ExperimentStatus = "evaluating"
	ExperimentStatusIterating         ExperimentStatus = "iterating"
	ExperimentStatusPaused            ExperimentStatus = "paused"
	ExperimentStatusCompleted         ExperimentStatus = "completed"
	ExperimentStatusKilled            ExperimentStatus = "killed"
	ExperimentStatusDiscarded         ExperimentStatus = "discarded"
	ExperimentStatusExpired           ExperimentStatus = "expired"
)

// Experiment is the long-running unit of work a workflow is attached to.
type Experiment struct {
	ID               string                `json:"id"`
	Title            string                `json:"title"                        validate:"required"`
	Status           ExperimentStatus      `json:"status"`
	PausedFromStatus *ExperimentStatus     `json:"paused_from_status,omitempty"`
	WorkflowID       *string               `json:"workflow_id,omitempty"`
	Constraints      ExperimentConstraints `json:"constraints"`
	Data             map[string]any        `json:"data,omitempty"`
	Iteration        int                   `json:"iteration"`
	MaxIterations    int                   `json:"max_iterations"`
	BudgetCap        float64               `json:"budget_cap"`
	BudgetSpent      float64               `json:"budget_spent"`
	Owner            string                `json:"owner"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

// ExperimentConstraints holds run-scoped settings. GraphSnapshot is immutable once set.
type ExperimentConstraints struct {
	GraphSnapshot *GraphSnapshot `json:"graph_snapshot,omitempty"`
	// DeferredBatches holds batches that completed while the experiment was
	// paused; they are continued on resume.
	DeferredBatches []*StepBatch `json:"deferred_batches,omitempty"`
	// HandledBatches lists the most recent batch ids whose completion was
	// applied, so a redelivered completion is not charged twice.
	HandledBatches []string `json:"handled_batches,omitempty"`
	// Interrupted holds members that completed in a batch that failed. Their
	// successors were never resolved and are picked up again on retry.
	Interrupted []string       `json:"interrupted,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// MaxHandledBatches bounds ExperimentConstraints.HandledBatches.
const MaxHandledBatches = 256

// BatchHandled reports whether a completion for batchID was already applied.
func (c *ExperimentConstraints) BatchHandled(batchID string) bool {
	return slices.Contains(c.HandledBatches, batchID)
}

// MarkBatchHandled records batchID, dropping the oldest ids past MaxHandledBatches.
func (c *ExperimentConstraints) MarkBatchHandled(batchID string) {
	if batchID == "" || c.BatchHandled(batchID) {
		return
	}

	c.HandledBatches = append(c.HandledBatches, batchID)
	if over := len(c.HandledBatches) - MaxHandledBatches; over > 0 {
		c.HandledBatches = slices.Clone(c.HandledBatches[over:])
	}
}

// IsTerminal reports whether the experiment can no longer change state.
func (e *Experiment) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// BudgetExhausted reports whether a budget cap is set and has been reached.
func (e *Experiment) BudgetExhausted() bool {
	return e.BudgetCap > 0 && e.BudgetSpent >= e.BudgetCap
}

// ExperimentStateTransition is one append-only audit row.
type ExperimentStateTransition struct {
	ID           string           `json:"id"`
	ExperimentID string           `json:"experiment_id"`
	FromState    ExperimentStatus `json:"from_state"`
	ToState      ExperimentStatus `json:"to_state"`
	Reason       string           `json:"reason"`
	ActorID      string           `json:"actor_id"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// StageStatus is the status of one lifecycle stage record.
type StageStatus string

const (
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// ExperimentStage records one pass through a working state.
type ExperimentStage struct {
	ID           string           `json:"id"`
	ExperimentID string           `json:"experiment_id"`
	Stage        ExperimentStatus `json:"stage"`
	Status       StageStatus      `json:"status"`
	Iteration    int              `json:"iteration"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}
