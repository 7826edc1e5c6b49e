// Package persistence provides the storage abstraction for workflows, experiments and execution steps.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/crucible/pkg/models"
)

type Persistence interface {
	WorkflowRepository
	ExperimentRepository
	StepRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type WorkflowRepository interface {
	Workflows(ctx context.Context) ([]*models.Workflow, error)
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
	// SaveWorkflow upserts the workflow and replaces its node and edge sets atomically.
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	// DeleteWorkflow removes the workflow and cascades to its nodes and edges.
	DeleteWorkflow(ctx context.Context, id string) error
	// CountWorkflowReferences returns how many experiments reference the workflow.
	CountWorkflowReferences(ctx context.Context, workflowID string) (int, error)
}

type ExperimentRepository interface {
	SaveExperiment(ctx context.Context, experiment *models.Experiment) error
	ExperimentByID(ctx context.Context, id string) (*models.Experiment, error)
	// ExperimentsByStatus lists experiments in any of the given statuses; no status lists all.
	ExperimentsByStatus(ctx context.Context, statuses ...models.ExperimentStatus) ([]*models.Experiment, error)
	// WithExperimentLock runs fn holding an exclusive lock on the experiment row.
	// Every write made through tx commits when fn returns nil and is discarded otherwise.
	WithExperimentLock(ctx context.Context, id string, fn func(ctx context.Context, tx ExperimentTx) error) error
	TransitionsByExperiment(ctx context.Context, experimentID string) ([]*models.ExperimentStateTransition, error)
	StagesByExperiment(ctx context.Context, experimentID string) ([]*models.ExperimentStage, error)
	// RunningStages lists stage records of the given kind still marked running.
	RunningStages(ctx context.Context, stage models.ExperimentStatus) ([]*models.ExperimentStage, error)
}

// ExperimentTx is the unit of work held while the experiment row is locked.
type ExperimentTx interface {
	// Experiment returns the experiment as re-read under the lock.
	Experiment() *models.Experiment
	SaveExperiment(ctx context.Context, experiment *models.Experiment) error
	Steps(ctx context.Context) ([]*models.ExecutionStep, error)
	// SaveSteps inserts or fully overwrites the given steps.
	SaveSteps(ctx context.Context, steps ...*models.ExecutionStep) error
	AppendTransition(ctx context.Context, transition *models.ExperimentStateTransition) error
	OpenStage(ctx context.Context, stage *models.ExperimentStage) error
	// CloseStage finishes the running record of the given stage kind, if any.
	CloseStage(ctx context.Context, stage models.ExperimentStatus, status models.StageStatus, at time.Time) error
}

// StepRepository holds the single-row, status-guarded writes made by workers
// and the recovery sweep. Guarded writes report false when the step was not
// in an expected status and nothing changed.
type StepRepository interface {
	StepsByExperiment(ctx context.Context, experimentID string) ([]*models.ExecutionStep, error)
	StepByID(ctx context.Context, id string) (*models.ExecutionStep, error)
	// CompleteStep moves a running step to completed with the runner's result.
	CompleteStep(ctx context.Context, id string, result *models.StepResult, at time.Time) (bool, error)
	// ReleaseStep returns a running step that never started to pending.
	ReleaseStep(ctx context.Context, id string, at time.Time) (bool, error)
	// FailStep moves a step in one of from to failed with message.
	FailStep(ctx context.Context, id, message string, at time.Time, from ...models.StepStatus) (bool, error)
	// StaleRunningSteps lists running steps started before cutoff.
	StaleRunningSteps(ctx context.Context, cutoff time.Time) ([]*models.ExecutionStep, error)
	// StalePendingSteps lists pending steps untouched since cutoff that belong to a
	// building or executing experiment with no running step and no step touched since cutoff.
	StalePendingSteps(ctx context.Context, cutoff time.Time) ([]*models.ExecutionStep, error)
}
