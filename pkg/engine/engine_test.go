package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/crucible/pkg/channels/gochannel"
	"github.com/dukex/crucible/pkg/engine"
	"github.com/dukex/crucible/pkg/eventbus"
	"github.com/dukex/crucible/pkg/events"
	"github.com/dukex/crucible/pkg/lifecycle"
	"github.com/dukex/crucible/pkg/materialize"
	"github.com/dukex/crucible/pkg/mocks"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/dukex/crucible/pkg/persistence/file"
	"github.com/dukex/crucible/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// scriptedRunner completes every step with the output configured for its node
// and fails the nodes listed in failures.
type scriptedRunner struct {
	store    persistence.Persistence
	outputs  map[string]any
	failures map[string]string
	gates    map[string]chan struct{}

	mu   sync.Mutex
	runs []string
}

func (r *scriptedRunner) RunBatch(ctx context.Context, batch *models.StepBatch) (int, error) {
	failed := 0

	for _, id := range batch.StepIDs {
		step, err := r.store.StepByID(ctx, id)
		if err != nil {
			return failed, err
		}

		node := step.MemberKey()

		if gate, ok := r.gates[node]; ok {
			<-gate
		}

		r.mu.Lock()
		r.runs = append(r.runs, node)
		r.mu.Unlock()

		now := time.Now().UTC()

		if message, ok := r.failures[node]; ok {
			if _, err := r.store.FailStep(ctx, id, message, now, models.StepStatusRunning); err != nil {
				return failed, err
			}

			failed++

			continue
		}

		if _, err := r.store.CompleteStep(ctx, id, &models.StepResult{Output: r.outputs[node], CostCredits: 0.1}, now); err != nil {
			return failed, err
		}
	}

	return failed, nil
}

func (r *scriptedRunner) Runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.runs...)
}

type harness struct {
	store      *file.Persistence
	machine    *lifecycle.Machine
	runner     *scriptedRunner
	dispatcher *engine.LocalDispatcher
	engine     *engine.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.Default()
	store := file.NewPersistence(t.TempDir())
	machine := lifecycle.NewMachine(store, nil, logger)
	runner := &scriptedRunner{
		store:    store,
		outputs:  map[string]any{},
		failures: map[string]string{},
		gates:    map[string]chan struct{}{},
	}
	dispatcher := engine.NewLocalDispatcher(runner, logger)
	eng := engine.New(store, machine, dispatcher, logger)
	dispatcher.Bind(eng)

	return &harness{store: store, machine: machine, runner: runner, dispatcher: dispatcher, engine: eng}
}

// seed stores an executing experiment with the workflow's steps materialized.
func (h *harness) seed(t *testing.T, workflow *models.Workflow) *models.Experiment {
	t.Helper()

	ctx := context.Background()
	experiment := &models.Experiment{
		ID:     "exp",
		Title:  "Landing page headline",
		Status: models.ExperimentStatusExecuting,
		Data:   map[string]any{"market": "br"},
	}

	steps, err := materialize.New(slog.Default()).Materialize(ctx, experiment, workflow)
	require.NoError(t, err)

	h.save(t, experiment, steps...)

	return experiment
}

func (h *harness) save(t *testing.T, experiment *models.Experiment, steps ...*models.ExecutionStep) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, h.store.SaveExperiment(ctx, experiment))
	require.NoError(t, h.store.WithExperimentLock(ctx, experiment.ID, func(ctx context.Context, tx persistence.ExperimentTx) error {
		return tx.SaveSteps(ctx, steps...)
	}))
}

func (h *harness) experiment(t *testing.T) *models.Experiment {
	t.Helper()

	experiment, err := h.store.ExperimentByID(context.Background(), "exp")
	require.NoError(t, err)

	return experiment
}

func (h *harness) steps(t *testing.T) map[string]*models.ExecutionStep {
	t.Helper()

	steps, err := h.store.StepsByExperiment(context.Background(), "exp")
	require.NoError(t, err)

	byKey := make(map[string]*models.ExecutionStep, len(steps))
	for _, step := range steps {
		byKey[step.MemberKey()] = step
	}

	return byKey
}

func TestEngine_LinearRunCollectsMetrics(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, testutil.NewGraph().Start("start").Agent("a").End("end").Chain("start", "a", "end").Workflow())

	require.NoError(t, h.engine.Start(context.Background(), "exp"))
	h.dispatcher.Wait()

	experiment := h.experiment(t)
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, experiment.Status)
	assert.InDelta(t, 0.1, experiment.BudgetSpent, 0.0001)
	assert.Equal(t, []string{"a"}, h.runner.Runs())
	assert.Equal(t, models.StepStatusCompleted, h.steps(t)["a"].Status)

	transitions, err := h.store.TransitionsByExperiment(context.Background(), "exp")
	require.NoError(t, err)
	require.NotEmpty(t, transitions)

	last := transitions[len(transitions)-1]
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, last.ToState)
	assert.Equal(t, engine.ActorID, last.ActorID)
}

func TestEngine_ConditionalSkipsUntakenBranch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, testutil.NewGraph().
		Start("start").Agent("a").Conditional("check").Agent("b").Agent("c").End("end").
		Chain("start", "a", "check").
		Edge("check", "b", testutil.When(testutil.Leaf("score", models.OpGreaterThan, 0.7))).
		Edge("check", "c", testutil.Default()).
		Edge("b", "end").Edge("c", "end").
		Workflow())
	h.runner.outputs["a"] = map[string]any{"score": 0.5}

	require.NoError(t, h.engine.Start(context.Background(), "exp"))
	h.dispatcher.Wait()

	steps := h.steps(t)
	assert.Equal(t, []string{"a", "c"}, h.runner.Runs())
	assert.Equal(t, models.StepStatusSkipped, steps["b"].Status)
	assert.Equal(t, models.StepStatusCompleted, steps["c"].Status)
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, h.experiment(t).Status)
}

func TestEngine_JoinRunsAfterBothBranches(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, testutil.NewGraph().
		Start("start").Agent("a").Crew("b").Agent("join").End("end").
		Edge("start", "a").Edge("start", "b").Edge("a", "join").Edge("b", "join").Edge("join", "end").
		Workflow())

	require.NoError(t, h.engine.Start(context.Background(), "exp"))
	h.dispatcher.Wait()

	runs := h.runner.Runs()
	require.Len(t, runs, 3)
	assert.ElementsMatch(t, []string{"a", "b"}, runs[:2])
	assert.Equal(t, "join", runs[2])
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, h.experiment(t).Status)
}

func TestEngine_LoopStopsAtMaxIterations(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, testutil.NewGraph().
		Start("start").Agent("draft").Conditional("check").Agent("publish").End("end").
		Chain("start", "draft", "check").
		Edge("check", "draft", testutil.When(testutil.Leaf("quality", models.OpLessThan, 0.7))).
		Edge("check", "publish", testutil.Default()).
		Edge("publish", "end").
		Workflow(func(w *models.Workflow) { w.MaxLoopIterations = 2 }))
	h.runner.outputs["draft"] = map[string]any{"quality": 0.5}

	require.NoError(t, h.engine.Start(context.Background(), "exp"))
	h.dispatcher.Wait()

	assert.Equal(t, []string{"draft", "draft", "draft", "publish"}, h.runner.Runs())

	steps := h.steps(t)
	assert.Equal(t, 2, steps["draft"].LoopCount)
	assert.Equal(t, models.StepStatusCompleted, steps["publish"].Status)
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, h.experiment(t).Status)
}

func TestEngine_DoWhileLeavesOnBreakCondition(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, testutil.NewGraph().
		Start("start").Agent("body").DoWhile("loop", map[string]any{
		"field": "done", "operator": "==", "value": true,
	}).End("end").
		Chain("start", "body", "loop").
		Edge("loop", "body").
		Edge("loop", "end").
		Workflow())
	h.runner.outputs["body"] = map[string]any{"done": true}

	require.NoError(t, h.engine.Start(context.Background(), "exp"))
	h.dispatcher.Wait()

	assert.Equal(t, []string{"body"}, h.runner.Runs())
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, h.experiment(t).Status)
}

func TestEngine_SwitchRoutesByValue(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, testutil.NewGraph().
		Start("start").Agent("classify").Switch("route", "tier").Agent("gold").Agent("other").End("end").
		Chain("start", "classify", "route").
		Edge("route", "gold", testutil.Case("gold")).
		Edge("route", "other", testutil.Default()).
		Edge("gold", "end").Edge("other", "end").
		Workflow())
	h.runner.outputs["classify"] = map[string]any{"tier": "gold"}

	require.NoError(t, h.engine.Start(context.Background(), "exp"))
	h.dispatcher.Wait()

	assert.Equal(t, []string{"classify", "gold"}, h.runner.Runs())
	assert.Equal(t, models.StepStatusSkipped, h.steps(t)["other"].Status)
}

func TestEngine_FailedStepFailsExperiment(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, testutil.NewGraph().Start("start").Agent("a").Agent("b").End("end").Chain("start", "a", "b", "end").Workflow())
	h.runner.failures["a"] = "model refused"

	require.NoError(t, h.engine.Start(context.Background(), "exp"))
	h.dispatcher.Wait()

	experiment := h.experiment(t)
	assert.Equal(t, models.ExperimentStatusExecutionFailed, experiment.Status)

	steps := h.steps(t)
	assert.Equal(t, models.StepStatusFailed, steps["a"].Status)
	assert.Equal(t, "model refused", steps["a"].ErrorMessage)
	assert.Equal(t, models.StepStatusPending, steps["b"].Status)

	transitions, err := h.store.TransitionsByExperiment(context.Background(), "exp")
	require.NoError(t, err)
	assert.Equal(t, "1 step(s) failed", transitions[len(transitions)-1].Reason)
}

func TestEngine_LegacyPlanRunsInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	group := "research"
	step := func(id string, order int, mode models.ExecutionMode, groupID *string) *models.ExecutionStep {
		return &models.ExecutionStep{
			ID:            id,
			ExperimentID:  "exp",
			NodeType:      models.NodeTypeAgent,
			Order:         order,
			ExecutionMode: mode,
			GroupID:       groupID,
			Status:        models.StepStatusPending,
		}
	}

	h.save(t,
		&models.Experiment{ID: "exp", Title: "Legacy plan", Status: models.ExperimentStatusExecuting},
		step("s0", 0, models.ExecutionModeSequential, nil),
		step("s1", 1, models.ExecutionModeParallel, &group),
		step("s2", 2, models.ExecutionModeParallel, &group),
		step("s3", 3, models.ExecutionModeSequential, nil),
	)

	require.NoError(t, h.engine.Start(context.Background(), "exp"))
	h.dispatcher.Wait()

	runs := h.runner.Runs()
	require.Len(t, runs, 4)
	assert.Equal(t, "s0", runs[0])
	assert.ElementsMatch(t, []string{"s1", "s2"}, runs[1:3])
	assert.Equal(t, "s3", runs[3])
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, h.experiment(t).Status)
}

func TestEngine_StartRequiresExecuting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	experiment := h.seed(t, testutil.NewGraph().Start("start").Agent("a").End("end").Chain("start", "a", "end").Workflow())
	experiment.Status = models.ExperimentStatusBuilding
	require.NoError(t, h.store.SaveExperiment(context.Background(), experiment))

	err := h.engine.Start(context.Background(), "exp")
	require.ErrorIs(t, err, engine.ErrNotExecuting)
	assert.Empty(t, h.runner.Runs())
}

func TestEngine_DispatchFailureFailsSteps(t *testing.T) {
	t.Parallel()

	logger := slog.Default()
	store := file.NewPersistence(t.TempDir())
	machine := lifecycle.NewMachine(store, nil, logger)
	dispatcher := &mocks.MockDispatcher{}
	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(errors.New("broker unavailable"))

	eng := engine.New(store, machine, dispatcher, logger)
	h := &harness{store: store}
	h.seed(t, testutil.NewGraph().Start("start").Agent("a").End("end").Chain("start", "a", "end").Workflow())

	require.NoError(t, eng.Start(context.Background(), "exp"))

	step := h.steps(t)["a"]
	assert.Equal(t, models.StepStatusFailed, step.Status)
	assert.Contains(t, step.ErrorMessage, "dispatch failed: broker unavailable")
	assert.Equal(t, models.ExperimentStatusExecutionFailed, h.experiment(t).Status)
	dispatcher.AssertExpectations(t)
}

func TestEngine_CompletionWhilePausedIsDeferred(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, testutil.NewGraph().Start("start").Agent("a").Agent("b").End("end").Chain("start", "a", "b", "end").Workflow())

	gate := make(chan struct{})
	h.runner.gates["a"] = gate

	require.NoError(t, h.engine.Start(ctx, "exp"))

	_, err := h.machine.Pause(ctx, "exp", "user-1", "reviewing drafts")
	require.NoError(t, err)

	close(gate)
	h.dispatcher.Wait()

	experiment := h.experiment(t)
	assert.Equal(t, models.ExperimentStatusPaused, experiment.Status)
	require.Len(t, experiment.Constraints.DeferredBatches, 1)
	assert.Equal(t, []string{"a"}, experiment.Constraints.DeferredBatches[0].Members)
	assert.Equal(t, models.StepStatusPending, h.steps(t)["b"].Status)

	_, err = h.machine.Resume(ctx, "exp", "user-1", "looks good")
	require.NoError(t, err)
	require.NoError(t, h.engine.Resume(ctx, "exp"))
	h.dispatcher.Wait()

	experiment = h.experiment(t)
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, experiment.Status)
	assert.Empty(t, experiment.Constraints.DeferredBatches)
	assert.Equal(t, []string{"a", "b"}, h.runner.Runs())
}

func TestEngine_ResumeRedispatchesReleasedSteps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, testutil.NewGraph().Start("start").Agent("a").End("end").Chain("start", "a", "end").Workflow())

	steps := h.steps(t)
	now := time.Now().UTC()
	steps["a"].Status = models.StepStatusRunning
	steps["a"].StartedAt = &now
	require.NoError(t, h.store.WithExperimentLock(ctx, "exp", func(ctx context.Context, tx persistence.ExperimentTx) error {
		return tx.SaveSteps(ctx, steps["a"])
	}))

	_, err := h.machine.Pause(ctx, "exp", "user-1", "hold")
	require.NoError(t, err)

	released, err := h.store.ReleaseStep(ctx, steps["a"].ID, now)
	require.NoError(t, err)
	require.True(t, released)
	require.NoError(t, h.engine.HandleBatchCompleted(ctx, "exp", "batch-1", []string{"a"}))

	_, err = h.machine.Resume(ctx, "exp", "user-1", "go")
	require.NoError(t, err)
	require.NoError(t, h.engine.Resume(ctx, "exp"))
	h.dispatcher.Wait()

	assert.Equal(t, []string{"a"}, h.runner.Runs())
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, h.experiment(t).Status)
}

func TestEngine_Reconcile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status models.StepStatus
		want   models.ExperimentStatus
	}{
		{"quiescent run moves on", models.StepStatusCompleted, models.ExperimentStatusCollectingMetrics},
		{"failed step fails the run", models.StepStatusFailed, models.ExperimentStatusExecutionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			h := newHarness(t)
			h.seed(t, testutil.NewGraph().Start("start").Agent("a").End("end").Chain("start", "a", "end").Workflow())

			step := h.steps(t)["a"]
			step.Status = tt.status
			require.NoError(t, h.store.WithExperimentLock(ctx, "exp", func(ctx context.Context, tx persistence.ExperimentTx) error {
				return tx.SaveSteps(ctx, step)
			}))

			require.NoError(t, h.engine.Reconcile(ctx, "exp"))
			assert.Equal(t, tt.want, h.experiment(t).Status)
			assert.Empty(t, h.runner.Runs())
		})
	}
}

func TestEngine_IgnoresCompletionForFinishedExperiment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	experiment := h.seed(t, testutil.NewGraph().Start("start").Agent("a").End("end").Chain("start", "a", "end").Workflow())
	experiment.Status = models.ExperimentStatusKilled
	require.NoError(t, h.store.SaveExperiment(ctx, experiment))

	require.NoError(t, h.engine.HandleBatchCompleted(ctx, "exp", "batch-1", []string{"a"}))
	assert.Equal(t, models.ExperimentStatusKilled, h.experiment(t).Status)
}

func TestEngine_RetryContinuesPastCompletedSiblings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, testutil.NewGraph().
		Start("start").Agent("a").Agent("b").Agent("c").End("end").
		Edge("start", "a").
		Edge("start", "b").
		Edge("a", "end").
		Chain("b", "c", "end").
		Workflow())
	h.runner.failures["a"] = "timeout"

	require.NoError(t, h.engine.Start(ctx, "exp"))
	h.dispatcher.Wait()

	experiment := h.experiment(t)
	require.Equal(t, models.ExperimentStatusExecutionFailed, experiment.Status)
	assert.Equal(t, []string{"b"}, experiment.Constraints.Interrupted)
	assert.Equal(t, models.StepStatusPending, h.steps(t)["c"].Status)

	delete(h.runner.failures, "a")

	_, err := h.machine.Transition(ctx, "exp", lifecycle.Request{
		To:      models.ExperimentStatusExecuting,
		Reason:  "retry",
		ActorID: "user-1",
		Hook: func(ctx context.Context, tx persistence.ExperimentTx, _ *models.Experiment) error {
			steps, err := tx.Steps(ctx)
			if err != nil {
				return err
			}

			for _, step := range steps {
				if step.MemberKey() == "a" {
					step.ResetForReplay(time.Now().UTC())

					return tx.SaveSteps(ctx, step)
				}
			}

			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.ResumeFrom(ctx, "exp", []string{"a"}))
	h.dispatcher.Wait()

	experiment = h.experiment(t)
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, experiment.Status)
	assert.Empty(t, experiment.Constraints.Interrupted)
	assert.Equal(t, []string{"a", "b", "a", "c"}, h.runner.Runs())

	for _, node := range []string{"a", "b", "c"} {
		assert.Equal(t, models.StepStatusCompleted, h.steps(t)[node].Status, node)
	}
}

func TestEngine_ReconcileContinuesPastCompletedSiblings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, testutil.NewGraph().
		Start("start").Agent("b").Agent("c").End("end").
		Chain("start", "b", "c", "end").
		Workflow())

	steps := h.steps(t)
	steps["b"].Status = models.StepStatusCompleted
	require.NoError(t, h.store.WithExperimentLock(ctx, "exp", func(ctx context.Context, tx persistence.ExperimentTx) error {
		tx.Experiment().Constraints.Interrupted = []string{"b"}

		if err := tx.SaveExperiment(ctx, tx.Experiment()); err != nil {
			return err
		}

		return tx.SaveSteps(ctx, steps["b"])
	}))

	require.NoError(t, h.engine.Reconcile(ctx, "exp"))
	h.dispatcher.Wait()

	assert.Equal(t, []string{"c"}, h.runner.Runs())
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, h.experiment(t).Status)
}

func TestEngine_DuplicateCompletionIsIgnored(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, testutil.NewGraph().Start("start").Agent("a").Agent("b").End("end").Chain("start", "a", "b", "end").Workflow())

	gate := make(chan struct{})
	h.runner.gates["b"] = gate

	require.NoError(t, h.engine.Start(ctx, "exp"))

	require.Eventually(t, func() bool {
		return h.steps(t)["b"].Status == models.StepStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	experiment := h.experiment(t)
	require.Len(t, experiment.Constraints.HandledBatches, 1)
	assert.InDelta(t, 0.1, experiment.BudgetSpent, 0.0001)

	first := experiment.Constraints.HandledBatches[0]
	require.NoError(t, h.engine.HandleBatchCompleted(ctx, "exp", first, []string{"a"}))

	experiment = h.experiment(t)
	assert.InDelta(t, 0.1, experiment.BudgetSpent, 0.0001, "a redelivered completion is not charged again")
	assert.Len(t, experiment.Constraints.HandledBatches, 1)

	close(gate)
	h.dispatcher.Wait()

	experiment = h.experiment(t)
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, experiment.Status)
	assert.InDelta(t, 0.2, experiment.BudgetSpent, 0.0001)
	assert.Equal(t, []string{"a", "b"}, h.runner.Runs())
}

func TestEngine_DuplicateCompletionWhilePausedIsDeferredOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, testutil.NewGraph().Start("start").Agent("a").End("end").Chain("start", "a", "end").Workflow())

	_, err := h.machine.Pause(ctx, "exp", "user-1", "hold")
	require.NoError(t, err)

	require.NoError(t, h.engine.HandleBatchCompleted(ctx, "exp", "batch-1", []string{"a"}))
	require.NoError(t, h.engine.HandleBatchCompleted(ctx, "exp", "batch-1", []string{"a"}))
	require.Len(t, h.experiment(t).Constraints.DeferredBatches, 1)

	_, err = h.machine.Resume(ctx, "exp", "user-1", "go")
	require.NoError(t, err)
	require.NoError(t, h.engine.Resume(ctx, "exp"))
	h.dispatcher.Wait()

	experiment := h.experiment(t)
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, experiment.Status)
	assert.Contains(t, experiment.Constraints.HandledBatches, "batch-1")
	assert.Equal(t, []string{"a"}, h.runner.Runs())

	require.NoError(t, h.engine.HandleBatchCompleted(ctx, "exp", "batch-1", []string{"a"}))
	assert.Equal(t, models.ExperimentStatusCollectingMetrics, h.experiment(t).Status)
}

func TestBusDispatcher_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.Default()
	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, logger)
	defer func() { _ = bus.Close() }()

	handler := &recordingHandler{done: make(chan struct{}, 1)}
	require.NoError(t, engine.HandleCompletions(bus, handler, logger))

	dispatched := make(chan *events.StepBatchDispatched, 1)
	require.NoError(t, bus.Handle(events.StepBatchDispatchedEvent, func(ctx context.Context, event any) error {
		dispatched <- event.(*events.StepBatchDispatched)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	batch := &models.StepBatch{ID: "batch-1", ExperimentID: "exp", Members: []string{"a"}, StepIDs: []string{"step-a"}}
	require.NoError(t, engine.NewBusDispatcher(bus).Dispatch(ctx, batch))

	select {
	case event := <-dispatched:
		assert.Equal(t, batch, event.Batch)

		require.NoError(t, bus.Publish(ctx, "exp", events.StepBatchCompleted{
			BaseEvent: events.NewBaseEvent(events.StepBatchCompletedEvent, "exp"),
			Batch:     event.Batch,
		}))
	case <-time.After(5 * time.Second):
		t.Fatal("batch was not dispatched")
	}

	select {
	case <-handler.done:
		assert.Equal(t, []string{"a"}, handler.members)
	case <-time.After(5 * time.Second):
		t.Fatal("completion was not handled")
	}
}

type recordingHandler struct {
	members []string
	done    chan struct{}
}

func (h *recordingHandler) HandleBatchCompleted(_ context.Context, experimentID, _ string, members []string) error {
	if experimentID == "exp" {
		h.members = members
		h.done <- struct{}{}
	}

	return nil
}
