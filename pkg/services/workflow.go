package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dukex/crucible/pkg/graph"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/google/uuid"
)

type Workflow struct {
	persistence persistence.Persistence
	logger      *slog.Logger
	now         func() time.Time
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(persistence persistence.Persistence, logger *slog.Logger) *Workflow {
	return &Workflow{
		persistence: persistence,
		logger:      logger.With("module", "workflow_service"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Create stores a new draft workflow at version 1.
func (w *Workflow) Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	workflow.Name = strings.TrimSpace(workflow.Name)
	if workflow.Name == "" {
		return nil, NewValidationError("Create", "workflow name is required", ErrInvalidRequest)
	}

	if workflow.MaxLoopIterations < 0 {
		return nil, NewValidationError("Create", "max_loop_iterations must be at least 1", ErrInvalidRequest)
	}

	if workflow.MaxLoopIterations == 0 {
		workflow.MaxLoopIterations = models.DefaultMaxLoopIterations
	}

	workflow.ID = uuid.New().String()
	workflow.Status = models.WorkflowStatusDraft
	workflow.Version = 1
	workflow.ActivatedAt = nil
	workflow.ArchivedAt = nil
	assignGraphIDs(workflow.Nodes, workflow.Edges)

	if err := w.persistence.SaveWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "created workflow", "workflow_id", workflow.ID, "nodes", len(workflow.Nodes), "edges", len(workflow.Edges))

	return workflow, nil
}

func (w *Workflow) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return w.persistence.WorkflowByID(ctx, id)
}

// List returns every workflow, optionally filtered by status.
func (w *Workflow) List(ctx context.Context, status *models.WorkflowStatus) ([]*models.Workflow, error) {
	if status != nil && !slices.Contains([]models.WorkflowStatus{
		models.WorkflowStatusDraft,
		models.WorkflowStatusActive,
		models.WorkflowStatusArchived,
	}, *status) {
		return nil, NewValidationError("List", fmt.Sprintf("invalid status '%s'", *status), ErrInvalidStatus)
	}

	workflows, err := w.persistence.Workflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	if status == nil {
		return workflows, nil
	}

	filtered := make([]*models.Workflow, 0, len(workflows))

	for _, workflow := range workflows {
		if workflow.Status == *status {
			filtered = append(filtered, workflow)
		}
	}

	return filtered, nil
}

// ReplaceGraph swaps the node and edge sets in one write. Editing an active
// workflow bumps its version and must keep the graph valid; experiments
// already attached keep their own snapshot.
func (w *Workflow) ReplaceGraph(
	ctx context.Context,
	id string,
	nodes []*models.WorkflowNode,
	edges []*models.WorkflowEdge,
) (*models.Workflow, error) {
	workflow, err := w.persistence.WorkflowByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if workflow.Status == models.WorkflowStatusArchived {
		return nil, NewConflictError("ReplaceGraph", "archived workflows cannot be edited", ErrWorkflowArchived)
	}

	assignGraphIDs(nodes, edges)

	if workflow.IsActive() {
		if errs := graph.Validate(nodes, edges); len(errs) > 0 {
			return nil, &ValidationError{Op: "ReplaceGraph", Errors: errs, Err: ErrWorkflowInvalid}
		}

		workflow.Version++
	}

	workflow.Nodes = nodes
	workflow.Edges = edges

	if err := w.persistence.SaveWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to replace workflow graph: %w", err)
	}

	w.logger.InfoContext(ctx, "replaced workflow graph",
		"workflow_id", workflow.ID,
		"version", workflow.Version,
		"nodes", len(nodes),
		"edges", len(edges),
	)

	return workflow, nil
}

// Validate runs the structural validator over the stored graph.
func (w *Workflow) Validate(ctx context.Context, id string) ([]graph.ValidationError, error) {
	workflow, err := w.persistence.WorkflowByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return graph.ValidateWorkflow(workflow), nil
}

// Activate makes the workflow attachable. A graph with validator findings is
// rejected with a ValidationError listing them.
func (w *Workflow) Activate(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := w.persistence.WorkflowByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch workflow.Status {
	case models.WorkflowStatusActive:
		return workflow, nil
	case models.WorkflowStatusArchived:
		return nil, NewConflictError("Activate", "archived workflows cannot be activated", ErrWorkflowArchived)
	}

	if errs := graph.ValidateWorkflow(workflow); len(errs) > 0 {
		w.logger.InfoContext(ctx, "workflow failed validation", "workflow_id", id, "errors", len(errs))

		return nil, &ValidationError{Op: "Activate", Errors: errs, Err: ErrWorkflowInvalid}
	}

	now := w.now()
	workflow.Status = models.WorkflowStatusActive
	workflow.ActivatedAt = &now

	if err := w.persistence.SaveWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to activate workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "activated workflow", "workflow_id", id, "version", workflow.Version)

	return workflow, nil
}

func (w *Workflow) Archive(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := w.persistence.WorkflowByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if workflow.Status == models.WorkflowStatusArchived {
		return workflow, nil
	}

	now := w.now()
	workflow.Status = models.WorkflowStatusArchived
	workflow.ArchivedAt = &now

	if err := w.persistence.SaveWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to archive workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "archived workflow", "workflow_id", id)

	return workflow, nil
}

// Delete removes a workflow no experiment references. A referenced workflow
// is archived instead, and archived is reported true.
func (w *Workflow) Delete(ctx context.Context, id string) (archived bool, err error) {
	if _, err := w.persistence.WorkflowByID(ctx, id); err != nil {
		return false, err
	}

	references, err := w.persistence.CountWorkflowReferences(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to count workflow references: %w", err)
	}

	if references > 0 {
		w.logger.InfoContext(ctx, "workflow still referenced, archiving instead of deleting",
			"workflow_id", id,
			"references", references,
		)

		if _, err := w.Archive(ctx, id); err != nil {
			return false, err
		}

		return true, nil
	}

	if err := w.persistence.DeleteWorkflow(ctx, id); err != nil {
		return false, fmt.Errorf("failed to delete workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "deleted workflow", "workflow_id", id)

	return false, nil
}

func assignGraphIDs(nodes []*models.WorkflowNode, edges []*models.WorkflowEdge) {
	for _, node := range nodes {
		if node.ID == "" {
			node.ID = uuid.New().String()
		}
	}

	for _, edge := range edges {
		if edge.ID == "" {
			edge.ID = uuid.New().String()
		}
	}
}
