package services

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/dukex/crucible/pkg/graph"
	"github.com/dukex/crucible/pkg/lifecycle"
	"github.com/dukex/crucible/pkg/materialize"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/google/uuid"
)

// Engine drives executing experiments. *engine.Engine implements it.
type Engine interface {
	Start(ctx context.Context, experimentID string) error
	Resume(ctx context.Context, experimentID string) error
	ResumeFrom(ctx context.Context, experimentID string, nodeIDs []string) error
}

type Experiment struct {
	persistence  persistence.Persistence
	machine      *lifecycle.Machine
	engine       Engine
	materializer *materialize.Materializer
	logger       *slog.Logger
	now          func() time.Time
}

func NewExperiment(
	p persistence.Persistence,
	machine *lifecycle.Machine,
	engine Engine,
	materializer *materialize.Materializer,
	logger *slog.Logger,
) *Experiment {
	return &Experiment{
		persistence:  p,
		machine:      machine,
		engine:       engine,
		materializer: materializer,
		logger:       logger.With("module", "experiment_service"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

type CreateExperimentRequest struct {
	Title         string         `json:"title"          validate:"required"`
	Owner         string         `json:"owner"`
	Data          map[string]any `json:"data"`
	MaxIterations int            `json:"max_iterations" validate:"min=0"`
	BudgetCap     float64        `json:"budget_cap"     validate:"min=0"`
	Extra         map[string]any `json:"extra"`
}

// TransitionRequest asks for an explicit state change.
type TransitionRequest struct {
	To       models.ExperimentStatus `json:"to"       validate:"required"`
	Reason   string                  `json:"reason"`
	ActorID  string                  `json:"actor_id" validate:"required"`
	Metadata map[string]any          `json:"metadata"`
}

// FailedStep is one entry of a failure summary.
type FailedStep struct {
	StepID       string          `json:"step_id"`
	NodeID       string          `json:"node_id,omitempty"`
	NodeType     models.NodeType `json:"node_type"`
	Order        int             `json:"order"`
	ErrorMessage string          `json:"error_message"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

type FailureSummary struct {
	ExperimentID string                  `json:"experiment_id"`
	Status       models.ExperimentStatus `json:"status"`
	FailedCount  int                     `json:"failed_count"`
	Steps        []FailedStep            `json:"steps"`
}

func (s *Experiment) Create(ctx context.Context, req CreateExperimentRequest) (*models.Experiment, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, NewValidationError("Create", "experiment title is required", ErrInvalidRequest)
	}

	if req.MaxIterations < 0 || req.BudgetCap < 0 {
		return nil, NewValidationError("Create", "max_iterations and budget_cap cannot be negative", ErrInvalidRequest)
	}

	now := s.now()
	experiment := &models.Experiment{
		ID:            uuid.New().String(),
		Title:         title,
		Status:        models.ExperimentStatusDraft,
		Data:          maps.Clone(req.Data),
		MaxIterations: req.MaxIterations,
		BudgetCap:     req.BudgetCap,
		Owner:         req.Owner,
		Constraints:   models.ExperimentConstraints{Extra: maps.Clone(req.Extra)},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.persistence.SaveExperiment(ctx, experiment); err != nil {
		return nil, fmt.Errorf("failed to create experiment: %w", err)
	}

	s.logger.InfoContext(ctx, "created experiment", "experiment_id", experiment.ID)

	return experiment, nil
}

func (s *Experiment) Get(ctx context.Context, id string) (*models.Experiment, error) {
	return s.persistence.ExperimentByID(ctx, id)
}

func (s *Experiment) List(ctx context.Context, statuses ...models.ExperimentStatus) ([]*models.Experiment, error) {
	return s.persistence.ExperimentsByStatus(ctx, statuses...)
}

func (s *Experiment) Steps(ctx context.Context, id string) ([]*models.ExecutionStep, error) {
	if _, err := s.persistence.ExperimentByID(ctx, id); err != nil {
		return nil, err
	}

	return s.persistence.StepsByExperiment(ctx, id)
}

func (s *Experiment) Transitions(ctx context.Context, id string) ([]*models.ExperimentStateTransition, error) {
	if _, err := s.persistence.ExperimentByID(ctx, id); err != nil {
		return nil, err
	}

	return s.persistence.TransitionsByExperiment(ctx, id)
}

// AttachWorkflow snapshots an active workflow into the experiment and
// materializes its steps in the same unit of work. An experiment takes one
// workflow for its whole life.
func (s *Experiment) AttachWorkflow(ctx context.Context, experimentID, workflowID string) (*models.Experiment, error) {
	workflow, err := s.persistence.WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !workflow.IsActive() {
		return nil, NewConflictError("AttachWorkflow", fmt.Sprintf("workflow %s is %s", workflowID, workflow.Status), ErrWorkflowNotActive)
	}

	var attached *models.Experiment

	err = s.persistence.WithExperimentLock(ctx, experimentID, func(ctx context.Context, tx persistence.ExperimentTx) error {
		experiment := tx.Experiment()

		if experiment.IsTerminal() {
			return NewConflictError("AttachWorkflow", "experiment is "+string(experiment.Status), ErrExperimentTerminal)
		}

		existing, err := tx.Steps(ctx)
		if err != nil {
			return err
		}

		if experiment.Constraints.GraphSnapshot != nil || len(existing) > 0 {
			return NewConflictError("AttachWorkflow", "", ErrWorkflowAttached)
		}

		steps, err := s.materializer.Materialize(ctx, experiment, workflow)
		if err != nil {
			return err
		}

		experiment.UpdatedAt = s.now()

		if err := tx.SaveExperiment(ctx, experiment); err != nil {
			return err
		}

		if len(steps) > 0 {
			if err := tx.SaveSteps(ctx, steps...); err != nil {
				return err
			}
		}

		attached = experiment

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "attached workflow",
		"experiment_id", experimentID,
		"workflow_id", workflowID,
		"workflow_version", workflow.Version,
	)

	return attached, nil
}

// Transition applies an explicit state change. Entering executing starts
// the engine.
func (s *Experiment) Transition(ctx context.Context, id string, req TransitionRequest) (*models.Experiment, error) {
	experiment, err := s.machine.Transition(ctx, id, lifecycle.Request{
		To:       req.To,
		Reason:   req.Reason,
		ActorID:  req.ActorID,
		Metadata: req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if experiment.Status == models.ExperimentStatusExecuting {
		if err := s.engine.Start(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to start execution: %w", err)
		}

		return s.persistence.ExperimentByID(ctx, id)
	}

	return experiment, nil
}

// Start moves the experiment to executing and dispatches its first batch.
func (s *Experiment) Start(ctx context.Context, id, actorID string) (*models.Experiment, error) {
	return s.Transition(ctx, id, TransitionRequest{
		To:      models.ExperimentStatusExecuting,
		Reason:  "execution started",
		ActorID: actorID,
	})
}

func (s *Experiment) Pause(ctx context.Context, id, actorID, reason string) (*models.Experiment, error) {
	return s.machine.Pause(ctx, id, actorID, reason)
}

// Resume returns the experiment to the state it was paused from and, when
// that is executing, continues the work that was held back.
func (s *Experiment) Resume(ctx context.Context, id, actorID, reason string) (*models.Experiment, error) {
	experiment, err := s.machine.Resume(ctx, id, actorID, reason)
	if err != nil {
		return nil, err
	}

	if experiment.Status != models.ExperimentStatusExecuting {
		return experiment, nil
	}

	if err := s.engine.Resume(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to resume execution: %w", err)
	}

	return s.persistence.ExperimentByID(ctx, id)
}

func (s *Experiment) Kill(ctx context.Context, id, actorID, reason string) (*models.Experiment, error) {
	return s.machine.Kill(ctx, id, actorID, reason)
}

// Retry returns a failed experiment to its working state. Retrying
// execution resets the failed steps and resumes from their nodes.
func (s *Experiment) Retry(ctx context.Context, id, actorID string) (*models.Experiment, error) {
	current, err := s.persistence.ExperimentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	target, ok := current.Status.RetryTarget()
	if !ok {
		return nil, NewConflictError("Retry", "experiment is "+string(current.Status), ErrNotRetryable)
	}

	var resumeFrom []string

	experiment, err := s.machine.Transition(ctx, id, lifecycle.Request{
		To:      target,
		Reason:  "retry",
		ActorID: actorID,
		Hook: func(ctx context.Context, tx persistence.ExperimentTx, experiment *models.Experiment) error {
			if target != models.ExperimentStatusExecuting {
				return nil
			}

			steps, err := tx.Steps(ctx)
			if err != nil {
				return err
			}

			now := s.now()

			var reset []*models.ExecutionStep

			for _, step := range steps {
				if step.Status != models.StepStatusFailed {
					continue
				}

				step.ResetForReplay(now)
				reset = append(reset, step)

				if nodeID := step.NodeID(); nodeID != "" {
					resumeFrom = append(resumeFrom, nodeID)
				}
			}

			if len(reset) == 0 {
				return nil
			}

			return tx.SaveSteps(ctx, reset...)
		},
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "retrying experiment", "experiment_id", id, "to", target, "resume_from", resumeFrom)

	if target != models.ExperimentStatusExecuting {
		return experiment, nil
	}

	if err := s.engine.ResumeFrom(ctx, id, resumeFrom); err != nil {
		return nil, fmt.Errorf("failed to resume execution: %w", err)
	}

	return s.persistence.ExperimentByID(ctx, id)
}

// RetryFromStep retries a failed execution from one step. The step and
// everything downstream of its node are reset to pending; for plans without
// a graph every step at or after its order is reset.
func (s *Experiment) RetryFromStep(ctx context.Context, id, stepID, actorID string) (*models.Experiment, error) {
	step, err := s.persistence.StepByID(ctx, stepID)
	if err != nil {
		return nil, err
	}

	if step.ExperimentID != id {
		return nil, NewConflictError("RetryFromStep", fmt.Sprintf("step %s belongs to experiment %s", stepID, step.ExperimentID), ErrStepNotInExperiment)
	}

	var (
		resumeFrom []string
		resetCount int
	)

	_, err = s.machine.Transition(ctx, id, lifecycle.Request{
		To:       models.ExperimentStatusExecuting,
		Reason:   "retry from step " + stepID,
		ActorID:  actorID,
		Metadata: map[string]any{"step_id": stepID},
		Hook: func(ctx context.Context, tx persistence.ExperimentTx, experiment *models.Experiment) error {
			if experiment.Status != models.ExperimentStatusExecutionFailed {
				return NewConflictError("RetryFromStep", "experiment is "+string(experiment.Status), ErrNotRetryable)
			}

			steps, err := tx.Steps(ctx)
			if err != nil {
				return err
			}

			reset := replaySet(experiment, steps, step)
			now := s.now()

			for _, r := range reset {
				r.ResetForReplay(now)
			}

			resetCount = len(reset)

			if nodeID := step.NodeID(); nodeID != "" {
				resumeFrom = []string{nodeID}
			}

			return tx.SaveSteps(ctx, reset...)
		},
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "retrying experiment from step",
		"experiment_id", id,
		"step_id", stepID,
		"reset_steps", resetCount,
	)

	if err := s.engine.ResumeFrom(ctx, id, resumeFrom); err != nil {
		return nil, fmt.Errorf("failed to resume execution: %w", err)
	}

	return s.persistence.ExperimentByID(ctx, id)
}

// replaySet picks the steps a retry from origin resets.
func replaySet(experiment *models.Experiment, steps []*models.ExecutionStep, origin *models.ExecutionStep) []*models.ExecutionStep {
	snapshot := experiment.Constraints.GraphSnapshot
	nodeID := origin.NodeID()

	var reset []*models.ExecutionStep

	if snapshot == nil || nodeID == "" {
		for _, step := range steps {
			if step.Order >= origin.Order {
				reset = append(reset, step)
			}
		}

		return reset
	}

	affected := map[string]bool{nodeID: true}
	for _, id := range graph.FromSnapshot(snapshot).Downstream(nodeID) {
		affected[id] = true
	}

	for _, step := range steps {
		if affected[step.NodeID()] {
			reset = append(reset, step)
		}
	}

	return reset
}

// FailureSummary lists the failed steps of an experiment.
func (s *Experiment) FailureSummary(ctx context.Context, id string) (*FailureSummary, error) {
	experiment, err := s.persistence.ExperimentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	steps, err := s.persistence.StepsByExperiment(ctx, id)
	if err != nil {
		return nil, err
	}

	summary := &FailureSummary{
		ExperimentID: id,
		Status:       experiment.Status,
		Steps:        []FailedStep{},
	}

	for _, step := range steps {
		if step.Status != models.StepStatusFailed {
			continue
		}

		summary.Steps = append(summary.Steps, FailedStep{
			StepID:       step.ID,
			NodeID:       step.NodeID(),
			NodeType:     step.NodeType,
			Order:        step.Order,
			ErrorMessage: step.ErrorMessage,
			CompletedAt:  step.CompletedAt,
		})
	}

	summary.FailedCount = len(summary.Steps)

	return summary, nil
}
