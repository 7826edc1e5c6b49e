//go:build integration

package web_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/dukex/crucible/pkg/engine"
	"github.com/dukex/crucible/pkg/lifecycle"
	"github.com/dukex/crucible/pkg/materialize"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence/postgresql"
	"github.com/dukex/crucible/pkg/recovery"
	"github.com/dukex/crucible/pkg/runner"
	"github.com/dukex/crucible/pkg/services"
	"github.com/dukex/crucible/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupIntegrationDB(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "test_crucible",
				"POSTGRES_USER":     "test_user",
				"POSTGRES_PASSWORD": "test_pass",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://test_user:test_pass@%s:%s/test_crucible?sslmode=disable", host, port.Port())
}

type costRunner struct{}

func (costRunner) Run(_ context.Context, step *models.ExecutionStep) (*models.StepResult, error) {
	return &models.StepResult{Output: map[string]any{"node": step.NodeID()}, CostCredits: 1}, nil
}

func TestExperimentExecution_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dbURL := setupIntegrationDB(t)

	store, err := postgresql.NewPersistence(context.Background(), slog.Default(), dbURL)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close(context.Background()) })

	machine := lifecycle.NewMachine(store, nil, slog.Default())

	registry := runner.NewRegistry()
	registry.Register(models.NodeTypeAgent, costRunner{}, 0)
	registry.Register(models.NodeTypeCrew, costRunner{}, 0)

	dispatcher := engine.NewLocalDispatcher(runner.NewBatchExecutor(store, registry, slog.Default()), slog.Default())
	eng := engine.New(store, machine, dispatcher, slog.Default())
	dispatcher.Bind(eng)

	handlers := web.NewAPIHandlers(
		services.NewWorkflow(store, slog.Default()),
		services.NewExperiment(store, machine, eng, materialize.New(slog.Default()), slog.Default()),
		recovery.NewSweeper(store, machine, eng, slog.Default()),
		validator.New(validator.WithRequiredStructEnabled()),
	)

	app := fiber.New()
	handlers.Routes(app)

	server := &testServer{app: app}

	workflow := server.createWorkflow(t, reviewGraphRequest())

	status, body := server.do(t, http.MethodPost, "/workflows/"+workflow.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	experiment := server.createExperiment(t)

	for _, to := range []models.ExperimentStatus{
		models.ExperimentStatusScoring,
		models.ExperimentStatusPlanning,
		models.ExperimentStatusBuilding,
	} {
		status, body = server.do(t, http.MethodPost, "/experiments/"+experiment.ID+"/transitions", services.TransitionRequest{To: to, ActorID: "user-1"})
		require.Equal(t, http.StatusOK, status, string(body))
	}

	status, body = server.do(t, http.MethodPost, "/experiments/"+experiment.ID+"/workflow", web.AttachWorkflowRequest{WorkflowID: workflow.ID})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = server.do(t, http.MethodPost, "/experiments/"+experiment.ID+"/start", web.ActionRequest{ActorID: "user-1"})
	require.Equal(t, http.StatusOK, status, string(body))

	dispatcher.Wait()

	status, body = server.do(t, http.MethodGet, "/experiments/"+experiment.ID, nil)
	require.Equal(t, http.StatusOK, status)

	var final models.Experiment
	require.NoError(t, json.Unmarshal(body, &final))
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, final.Status)
	assert.InDelta(t, 2.0, final.BudgetSpent, 0.001)

	status, body = server.do(t, http.MethodPost, "/recovery/sweep", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var report recovery.Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Zero(t, report.StaleRunning)
	assert.Zero(t, report.Reconciled)
}
