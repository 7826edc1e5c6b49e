// Package materialize freezes an authored workflow into an experiment's
// graph snapshot and execution steps.
package materialize

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/crucible/pkg/graph"
	"github.com/dukex/crucible/pkg/models"
	"github.com/google/uuid"
)

var ErrWorkflowRequired = errors.New("workflow is required")

// Materializer builds snapshots and steps.
type Materializer struct {
	logger *slog.Logger
	now    func() time.Time
}

func New(logger *slog.Logger) *Materializer {
	return &Materializer{
		logger: logger.With("module", "materialize"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Materialize stores a snapshot of workflow in the experiment's constraints
// and returns one pending step per agent or crew node, in authoring order.
func (m *Materializer) Materialize(ctx context.Context, experiment *models.Experiment, workflow *models.Workflow) ([]*models.ExecutionStep, error) {
	if workflow == nil {
		return nil, ErrWorkflowRequired
	}

	now := m.now()
	snapshot := workflow.Snapshot(now)
	g := graph.FromSnapshot(snapshot)

	experiment.Constraints.GraphSnapshot = snapshot
	experiment.WorkflowID = &workflow.ID

	keys := make(map[string]string)
	siblings := make(map[string]int)

	for _, node := range g.Nodes() {
		if !node.Type.IsExecutable() {
			continue
		}

		key := strings.Join(g.Predecessors(node.ID), ",")
		keys[node.ID] = key
		siblings[key]++
	}

	steps := make([]*models.ExecutionStep, 0, len(keys))

	for _, node := range g.Nodes() {
		if !node.Type.IsExecutable() {
			continue
		}

		nodeID := node.ID
		step := &models.ExecutionStep{
			ID:             uuid.New().String(),
			ExperimentID:   experiment.ID,
			WorkflowNodeID: &nodeID,
			NodeType:       node.Type,
			AgentRef:       node.AgentRef,
			CrewRef:        node.CrewRef,
			SkillRef:       node.SkillRef,
			Order:          len(steps),
			ExecutionMode:  models.ExecutionModeSequential,
			Status:         models.StepStatusPending,
			Input:          node.Config,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		key := keys[node.ID]
		if siblings[key] > 1 {
			step.ExecutionMode = models.ExecutionModeParallel

			if key != "" {
				groupID := key
				step.GroupID = &groupID
			}
		}

		steps = append(steps, step)
	}

	m.logger.InfoContext(ctx, "Materialized workflow into experiment",
		"experiment_id", experiment.ID,
		"workflow_id", workflow.ID,
		"workflow_version", workflow.Version,
		"nodes", len(snapshot.Nodes),
		"edges", len(snapshot.Edges),
		"steps", len(steps),
	)

	return steps, nil
}
