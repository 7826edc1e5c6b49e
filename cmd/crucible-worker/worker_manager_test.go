package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/crucible/pkg/cmd"
	"github.com/dukex/crucible/pkg/materialize"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/services"
	"github.com/dukex/crucible/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunnerEndpoint(t *testing.T, calls *atomic.Int32) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"output": {"step": %q}, "cost_credits": 0.5}`, r.Header.Get("X-Step-ID"))
	}))
	t.Cleanup(srv.Close)

	return srv.URL
}

func writeConfig(t *testing.T, url string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "crucible.yaml")
	content := fmt.Sprintf(`runners:
  agent: { url: %s, timeout: 1m }
  crew:  { url: %s, timeout: 2m }
engine:
  max_parallel_steps: 2
`, url, url)

	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestWorkerManager_RequiresBus(t *testing.T) {
	rt, err := cmd.NewRuntime(t.Context(), slog.Default(), cmd.Options{
		ServiceName: "crucible-worker-test",
		DatabaseURL: "file://" + t.TempDir(),
		EventBus:    "local",
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	err = NewWorkerManager("worker-test", rt, slog.Default(), 0).Setup(t.Context())
	require.ErrorIs(t, err, ErrBusRequired)
}

func TestWorkerManager_RunsBatchesOverBus(t *testing.T) {
	var calls atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rt, err := cmd.NewRuntime(ctx, slog.Default(), cmd.Options{
		ServiceName: "crucible-worker-test",
		DatabaseURL: "file://" + t.TempDir(),
		EventBus:    "gochannel",
		ConfigPath:  writeConfig(t, newRunnerEndpoint(t, &calls)),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	// The engine side listens for completions on the same in-memory bus.
	require.NoError(t, rt.ServeCompletions())
	require.NoError(t, NewWorkerManager("worker-test", rt, slog.Default(), 0).Setup(ctx))

	workflows := services.NewWorkflow(rt.Persistence, slog.Default())
	experiments := services.NewExperiment(rt.Persistence, rt.Machine, rt.Engine, materialize.New(slog.Default()), slog.Default())

	nodes, edges := testutil.NewGraph().
		Start("start").Agent("draft").Crew("review").End("end").
		Chain("start", "draft", "review", "end").
		Build()

	workflow, err := workflows.Create(ctx, &models.Workflow{Name: "Release notes", Nodes: nodes, Edges: edges})
	require.NoError(t, err)

	_, err = workflows.Activate(ctx, workflow.ID)
	require.NoError(t, err)

	experiment, err := experiments.Create(ctx, services.CreateExperimentRequest{Title: "Release notes tone"})
	require.NoError(t, err)

	for _, to := range []models.ExperimentStatus{
		models.ExperimentStatusScoring,
		models.ExperimentStatusPlanning,
		models.ExperimentStatusBuilding,
	} {
		_, err = experiments.Transition(ctx, experiment.ID, services.TransitionRequest{To: to, ActorID: "user-1"})
		require.NoError(t, err)
	}

	_, err = experiments.AttachWorkflow(ctx, experiment.ID, workflow.ID)
	require.NoError(t, err)

	_, err = experiments.Start(ctx, experiment.ID, "user-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := experiments.Get(ctx, experiment.ID)

		return err == nil && current.Status == models.ExperimentStatusCollectingMetrics
	}, 10*time.Second, 50*time.Millisecond)

	final, err := experiments.Get(ctx, experiment.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, final.BudgetSpent, 0.001)
	assert.Equal(t, int32(2), calls.Load())

	steps, err := experiments.Steps(ctx, experiment.ID)
	require.NoError(t, err)

	for _, step := range steps {
		assert.Equal(t, models.StepStatusCompleted, step.Status, step.NodeID())
		assert.Equal(t, map[string]any{"step": step.ID}, step.Output)
	}
}
