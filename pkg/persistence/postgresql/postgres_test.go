package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/dukex/crucible/pkg/persistence/postgresql"
	"github.com/dukex/crucible/pkg/testutil"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Children first, parents last
	for _, table := range []string{
		"experiment_stages", "experiment_state_transitions", "execution_steps", "experiments",
		"workflow_edges", "workflow_nodes", "workflows", "schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("crucible_test"),
			postgres.WithUsername("crucible"),
			postgres.WithPassword("crucible"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"workflows", "workflow_nodes", "workflow_edges", "experiments", "execution_steps", "experiment_state_transitions", "experiment_stages"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestNewPersistence_WorkflowGraphRoundTrip(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	workflow := testutil.NewGraph().
		Start("start").Agent("a").Conditional("check").Switch("route", "tier").End("end").
		Edge("start", "a").
		Edge("a", "check").
		Edge("check", "route", testutil.When(testutil.Leaf("score", models.OpGreaterThan, 0.5))).
		Edge("check", "end", testutil.Default()).
		Edge("route", "end", testutil.Case("gold")).
		Edge("route", "a", testutil.Default()).
		Workflow()

	require.NoError(t, p.SaveWorkflow(ctx, workflow))

	loaded, err := p.WorkflowByID(ctx, workflow.ID)
	require.NoError(t, err)

	assert.Equal(t, workflow.Name, loaded.Name)
	assert.Equal(t, models.WorkflowStatusActive, loaded.Status)
	assert.Equal(t, 3, loaded.MaxLoopIterations)
	assert.Len(t, loaded.Nodes, 5)
	assert.Len(t, loaded.Edges, 6)

	edges := make(map[string]*models.WorkflowEdge)
	for _, edge := range loaded.Edges {
		edges[edge.ID] = edge
	}

	conditional := edges["check->route"]
	require.NotNil(t, conditional.Condition)
	assert.Equal(t, "score", conditional.Condition.Field)
	assert.InDelta(t, 0.5, conditional.Condition.Value, 0.0001)
	assert.True(t, edges["check->end"].IsDefault)
	require.NotNil(t, edges["route->end"].CaseValue)
	assert.Equal(t, "gold", *edges["route->end"].CaseValue)

	// Replacing the graph drops edges that are no longer present
	workflow.Edges = workflow.Edges[:2]
	require.NoError(t, p.SaveWorkflow(ctx, workflow))

	loaded, err = p.WorkflowByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Edges, 2)

	_, err = p.WorkflowByID(ctx, uuid.NewString())
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestNewPersistence_DeleteWorkflow(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	workflow := testutil.NewGraph().Start("start").Agent("a").End("end").Chain("start", "a", "end").Workflow()
	require.NoError(t, p.SaveWorkflow(ctx, workflow))

	count, err := p.CountWorkflowReferences(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, p.DeleteWorkflow(ctx, workflow.ID))

	err = p.DeleteWorkflow(ctx, workflow.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func seedExperiment(ctx context.Context, t *testing.T, p *postgresql.Persistence, status models.ExperimentStatus, steps ...*models.ExecutionStep) *models.Experiment {
	t.Helper()

	experiment := &models.Experiment{
		ID:     uuid.NewString(),
		Title:  "Pricing test",
		Status: status,
		Data:   map[string]any{"market": "eu"},
	}
	require.NoError(t, p.SaveExperiment(ctx, experiment))

	err := p.WithExperimentLock(ctx, experiment.ID, func(ctx context.Context, tx persistence.ExperimentTx) error {
		return tx.SaveSteps(ctx, steps...)
	})
	require.NoError(t, err)

	return experiment
}

func newStep(order int, status models.StepStatus) *models.ExecutionStep {
	nodeID := uuid.NewString()

	return &models.ExecutionStep{
		ID:             uuid.NewString(),
		WorkflowNodeID: &nodeID,
		NodeType:       models.NodeTypeAgent,
		Order:          order,
		ExecutionMode:  models.ExecutionModeSequential,
		Status:         status,
		Input:          map[string]any{"prompt": "go"},
	}
}

func TestNewPersistence_ExperimentLockCommitsAndRollsBack(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	experiment := seedExperiment(ctx, t, p, models.ExperimentStatusExecuting, newStep(0, models.StepStatusPending))

	err := p.WithExperimentLock(ctx, experiment.ID, func(ctx context.Context, tx persistence.ExperimentTx) error {
		locked := tx.Experiment()
		locked.Status = models.ExperimentStatusCollectingMetrics

		if err := tx.SaveExperiment(ctx, locked); err != nil {
			return err
		}

		return tx.AppendTransition(ctx, &models.ExperimentStateTransition{
			ID:           uuid.NewString(),
			ExperimentID: locked.ID,
			FromState:    models.ExperimentStatusExecuting,
			ToState:      models.ExperimentStatusCollectingMetrics,
			Reason:       "done",
			ActorID:      "system:engine",
			CreatedAt:    time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	loaded, err := p.ExperimentByID(ctx, experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, loaded.Status)
	assert.Equal(t, "eu", loaded.Data["market"])

	transitions, err := p.TransitionsByExperiment(ctx, experiment.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "system:engine", transitions[0].ActorID)

	err = p.WithExperimentLock(ctx, experiment.ID, func(ctx context.Context, tx persistence.ExperimentTx) error {
		locked := tx.Experiment()
		locked.Status = models.ExperimentStatusKilled

		if err := tx.SaveExperiment(ctx, locked); err != nil {
			return err
		}

		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	loaded, err = p.ExperimentByID(ctx, experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, loaded.Status)
}

func TestNewPersistence_GuardedStepWrites(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	running := newStep(0, models.StepStatusRunning)
	started := time.Now().UTC().Add(-time.Hour)
	running.StartedAt = &started

	experiment := seedExperiment(ctx, t, p, models.ExperimentStatusExecuting, running)

	stale, err := p.StaleRunningSteps(ctx, time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	failed, err := p.FailStep(ctx, running.ID, "timed out", time.Now().UTC(), models.StepStatusRunning)
	require.NoError(t, err)
	assert.True(t, failed)

	completed, err := p.CompleteStep(ctx, running.ID, &models.StepResult{Output: map[string]any{"score": 0.9}}, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, completed, "a failed step must not be completed by a late result")

	steps, err := p.StepsByExperiment(ctx, experiment.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepStatusFailed, steps[0].Status)
	assert.Equal(t, "timed out", steps[0].ErrorMessage)

	_, err = p.CompleteStep(ctx, uuid.NewString(), &models.StepResult{}, time.Now().UTC())
	assert.True(t, persistence.IsStepNotFound(err))
}

func TestNewPersistence_StagesAndStalePending(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	experiment := seedExperiment(ctx, t, p, models.ExperimentStatusBuilding, newStep(0, models.StepStatusPending))

	err := p.WithExperimentLock(ctx, experiment.ID, func(ctx context.Context, tx persistence.ExperimentTx) error {
		return tx.OpenStage(ctx, &models.ExperimentStage{
			ID:           uuid.NewString(),
			ExperimentID: experiment.ID,
			Stage:        models.ExperimentStatusBuilding,
			Status:       models.StageStatusRunning,
			StartedAt:    time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	running, err := p.RunningStages(ctx, models.ExperimentStatusBuilding)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, experiment.ID, running[0].ExperimentID)

	pending, err := p.StalePendingSteps(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, pending, "recently touched steps are not stale")

	pending, err = p.StalePendingSteps(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	err = p.WithExperimentLock(ctx, experiment.ID, func(ctx context.Context, tx persistence.ExperimentTx) error {
		return tx.CloseStage(ctx, models.ExperimentStatusBuilding, models.StageStatusCompleted, time.Now().UTC())
	})
	require.NoError(t, err)

	stages, err := p.StagesByExperiment(ctx, experiment.ID)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, models.StageStatusCompleted, stages[0].Status)
	assert.NotNil(t, stages[0].CompletedAt)
}
