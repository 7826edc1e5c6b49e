package services

import (
	"log/slog"
	"testing"

	"github.com/dukex/crucible/pkg/graph"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/dukex/crucible/pkg/persistence/file"
	"github.com/dukex/crucible/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkflowService(t *testing.T) (*Workflow, *file.Persistence) {
	t.Helper()

	p := file.NewPersistence(t.TempDir())

	return NewWorkflow(p, slog.Default()), p
}

func linearGraph() ([]*models.WorkflowNode, []*models.WorkflowEdge) {
	return testutil.NewGraph().
		Start("start").Agent("draft").End("end").
		Chain("start", "draft", "end").
		Build()
}

func createDraft(t *testing.T, service *Workflow) *models.Workflow {
	t.Helper()

	nodes, edges := linearGraph()

	created, err := service.Create(t.Context(), &models.Workflow{Name: "Onboarding email", Nodes: nodes, Edges: edges})
	require.NoError(t, err)

	return created
}

func TestWorkflow_Create(t *testing.T) {
	t.Parallel()

	service, p := newWorkflowService(t)

	nodes, edges := linearGraph()
	nodes[1].ID = ""
	edges[0].ID = ""

	created, err := service.Create(t.Context(), &models.Workflow{
		Name:   "  Onboarding email ",
		Status: models.WorkflowStatusActive,
		Nodes:  nodes,
		Edges:  edges,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Onboarding email", created.Name)
	assert.Equal(t, models.WorkflowStatusDraft, created.Status, "new workflows always start as drafts")
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, models.DefaultMaxLoopIterations, created.MaxLoopIterations)
	assert.NotEmpty(t, created.Nodes[1].ID)
	assert.NotEmpty(t, created.Edges[0].ID)

	stored, err := p.WorkflowByID(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, stored.ID)
	assert.Len(t, stored.Nodes, 3)
}

func TestWorkflow_CreateRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	service, _ := newWorkflowService(t)

	tests := []struct {
		name     string
		workflow *models.Workflow
	}{
		{name: "blank name", workflow: &models.Workflow{Name: "   "}},
		{name: "negative loop bound", workflow: &models.Workflow{Name: "Loops", MaxLoopIterations: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := service.Create(t.Context(), tt.workflow)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestWorkflow_ActivateRunsValidator(t *testing.T) {
	t.Parallel()

	service, _ := newWorkflowService(t)

	broken, err := service.Create(t.Context(), &models.Workflow{Name: "Empty graph"})
	require.NoError(t, err)

	_, err = service.Activate(t.Context(), broken.ID)
	require.ErrorIs(t, err, ErrWorkflowInvalid)
	assert.True(t, IsValidationError(err))

	var codes []graph.ErrorCode
	for _, ve := range GraphErrors(err) {
		codes = append(codes, ve.Code)
	}

	assert.Contains(t, codes, graph.CodeMissingStart)
	assert.Contains(t, codes, graph.CodeMissingEnd)

	stored, err := service.Get(t.Context(), broken.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusDraft, stored.Status)

	valid := createDraft(t, service)

	activated, err := service.Activate(t.Context(), valid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusActive, activated.Status)
	assert.NotNil(t, activated.ActivatedAt)
}

func TestWorkflow_Validate(t *testing.T) {
	t.Parallel()

	service, _ := newWorkflowService(t)
	created := createDraft(t, service)

	errs, err := service.Validate(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Empty(t, errs)

	_, err = service.Validate(t.Context(), "missing")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestWorkflow_ReplaceGraph(t *testing.T) {
	t.Parallel()

	service, _ := newWorkflowService(t)
	created := createDraft(t, service)

	nodes, edges := testutil.NewGraph().
		Start("start").Agent("draft").Crew("review").End("end").
		Chain("start", "draft", "review", "end").
		Build()

	updated, err := service.ReplaceGraph(t.Context(), created.ID, nodes, edges)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Version, "editing a draft keeps its version")
	assert.Len(t, updated.Nodes, 4)

	_, err = service.Activate(t.Context(), created.ID)
	require.NoError(t, err)

	nodes, edges = linearGraph()

	updated, err = service.ReplaceGraph(t.Context(), created.ID, nodes, edges)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version, "editing an active workflow bumps its version")

	orphan, _ := testutil.NewGraph().Start("start").Build()

	_, err = service.ReplaceGraph(t.Context(), created.ID, orphan, nil)
	require.ErrorIs(t, err, ErrWorkflowInvalid)

	stored, err := service.Get(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Len(t, stored.Nodes, 3)
}

func TestWorkflow_ArchivedIsFrozen(t *testing.T) {
	t.Parallel()

	service, _ := newWorkflowService(t)
	created := createDraft(t, service)

	archived, err := service.Archive(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusArchived, archived.Status)
	assert.NotNil(t, archived.ArchivedAt)

	nodes, edges := linearGraph()

	_, err = service.ReplaceGraph(t.Context(), created.ID, nodes, edges)
	require.ErrorIs(t, err, ErrWorkflowArchived)
	assert.True(t, IsConflictError(err))

	_, err = service.Activate(t.Context(), created.ID)
	assert.True(t, IsConflictError(err))
}

func TestWorkflow_List(t *testing.T) {
	t.Parallel()

	service, _ := newWorkflowService(t)

	draft := createDraft(t, service)
	active := createDraft(t, service)

	_, err := service.Activate(t.Context(), active.ID)
	require.NoError(t, err)

	all, err := service.List(t.Context(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	status := models.WorkflowStatusDraft

	drafts, err := service.List(t.Context(), &status)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, draft.ID, drafts[0].ID)

	bogus := models.WorkflowStatus("published")

	_, err = service.List(t.Context(), &bogus)
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestWorkflow_Delete(t *testing.T) {
	t.Parallel()

	service, p := newWorkflowService(t)

	unreferenced := createDraft(t, service)

	archived, err := service.Delete(t.Context(), unreferenced.ID)
	require.NoError(t, err)
	assert.False(t, archived)

	_, err = service.Get(t.Context(), unreferenced.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))

	referenced := createDraft(t, service)
	require.NoError(t, p.SaveExperiment(t.Context(), &models.Experiment{
		ID:         "exp",
		Title:      "Uses the workflow",
		Status:     models.ExperimentStatusDraft,
		WorkflowID: &referenced.ID,
	}))

	archived, err = service.Delete(t.Context(), referenced.ID)
	require.NoError(t, err)
	assert.True(t, archived)

	stored, err := service.Get(t.Context(), referenced.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusArchived, stored.Status)

	_, err = service.Delete(t.Context(), "missing")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestWorkflow_HealthCheck(t *testing.T) {
	t.Parallel()

	service, _ := newWorkflowService(t)

	message, ok := service.HealthCheck(t.Context())
	assert.True(t, ok)
	assert.Equal(t, "Persistence layer is healthy", message)
}
