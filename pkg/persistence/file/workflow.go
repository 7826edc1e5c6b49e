package file

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
)

const workflowsDir = "workflows"

func (fp *Persistence) Workflows(_ context.Context) ([]*models.Workflow, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	ids, err := fp.listIDs(workflowsDir)
	if err != nil {
		return nil, err
	}

	workflows := make([]*models.Workflow, 0, len(ids))

	for _, id := range ids {
		workflow, err := fp.loadWorkflow(id)
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	sort.SliceStable(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})

	return workflows, nil
}

func (fp *Persistence) WorkflowByID(_ context.Context, id string) (*models.Workflow, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.loadWorkflow(id)
}

func (fp *Persistence) loadWorkflow(id string) (*models.Workflow, error) {
	var workflow models.Workflow

	found, err := fp.readJSON(&workflow, workflowsDir, id+".json")
	if err != nil {
		return nil, persistence.NewWorkflowError("WorkflowByID", id, err)
	}

	if !found {
		return nil, persistence.NewWorkflowError("WorkflowByID", id, persistence.ErrWorkflowNotFound)
	}

	return &workflow, nil
}

// SaveWorkflow writes the whole document, so the graph is replaced atomically.
func (fp *Persistence) SaveWorkflow(_ context.Context, workflow *models.Workflow) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	now := fp.now()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	for _, node := range workflow.Nodes {
		node.WorkflowID = workflow.ID
	}

	for _, edge := range workflow.Edges {
		edge.WorkflowID = workflow.ID
	}

	if err := fp.writeJSON(workflow, workflowsDir, workflow.ID+".json"); err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	return nil
}

func (fp *Persistence) DeleteWorkflow(_ context.Context, id string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	err := os.Remove(fp.filePath(workflowsDir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return persistence.NewWorkflowError("DeleteWorkflow", id, persistence.ErrWorkflowNotFound)
		}

		return persistence.NewWorkflowError("DeleteWorkflow", id, fmt.Errorf("failed to delete workflow: %w", err))
	}

	return nil
}

func (fp *Persistence) CountWorkflowReferences(_ context.Context, workflowID string) (int, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	experiments, err := fp.loadExperiments()
	if err != nil {
		return 0, err
	}

	count := 0

	for _, experiment := range experiments {
		if experiment.WorkflowID != nil && *experiment.WorkflowID == workflowID {
			count++
		}
	}

	return count, nil
}
