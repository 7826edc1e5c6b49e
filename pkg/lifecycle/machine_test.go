package lifecycle_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/crucible/pkg/events"
	"github.com/dukex/crucible/pkg/lifecycle"
	"github.com/dukex/crucible/pkg/mocks"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/dukex/crucible/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *file.Persistence
	bus     *mocks.MockEventBus
	machine *lifecycle.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	return &fixture{
		store:   store,
		bus:     bus,
		machine: lifecycle.NewMachine(store, bus, slog.Default()),
	}
}

func (f *fixture) seed(t *testing.T, experiment *models.Experiment, steps ...*models.ExecutionStep) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.store.SaveExperiment(ctx, experiment))

	if len(steps) == 0 {
		return
	}

	require.NoError(t, f.store.WithExperimentLock(ctx, experiment.ID, func(ctx context.Context, tx persistence.ExperimentTx) error {
		return tx.SaveSteps(ctx, steps...)
	}))
}

func pendingStep(id string) *models.ExecutionStep {
	return &models.ExecutionStep{
		ID:            id,
		NodeType:      models.NodeTypeAgent,
		ExecutionMode: models.ExecutionModeSequential,
		Status:        models.StepStatusPending,
	}
}

func TestMachine_TransitionWritesStateStageAndAudit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, &models.Experiment{ID: "exp", Title: "Checkout copy", Status: models.ExperimentStatusPlanning})

	experiment, err := f.machine.Transition(ctx, "exp", lifecycle.Request{
		To:       models.ExperimentStatusBuilding,
		Reason:   "plan approved",
		ActorID:  "user-1",
		Metadata: map[string]any{"plan": "v2"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusBuilding, experiment.Status)
	assert.NotNil(t, experiment.StartedAt)

	transitions, err := f.store.TransitionsByExperiment(ctx, "exp")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, models.ExperimentStatusPlanning, transitions[0].FromState)
	assert.Equal(t, models.ExperimentStatusBuilding, transitions[0].ToState)
	assert.Equal(t, "plan approved", transitions[0].Reason)
	assert.Equal(t, "v2", transitions[0].Metadata["plan"])

	stages, err := f.store.RunningStages(ctx, models.ExperimentStatusBuilding)
	require.NoError(t, err)
	assert.Len(t, stages, 1)

	f.bus.AssertCalled(t, "Publish", mock.Anything, "exp", mock.MatchedBy(func(event events.ExperimentTransitioned) bool {
		return event.FromState == models.ExperimentStatusPlanning &&
			event.ToState == models.ExperimentStatusBuilding &&
			event.ActorID == "user-1" &&
			event.ExperimentID == "exp"
	}))
}

func TestMachine_RejectsInvalidPair(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, &models.Experiment{ID: "exp", Title: "Checkout copy", Status: models.ExperimentStatusDraft})

	_, err := f.machine.Transition(ctx, "exp", lifecycle.Request{To: models.ExperimentStatusExecuting})
	require.Error(t, err)
	assert.True(t, lifecycle.IsInvalidTransition(err))

	var transitionErr *lifecycle.TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, models.ExperimentStatusDraft, transitionErr.From)

	experiment, err := f.store.ExperimentByID(ctx, "exp")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusDraft, experiment.Status)

	transitions, err := f.store.TransitionsByExperiment(ctx, "exp")
	require.NoError(t, err)
	assert.Empty(t, transitions)
	f.bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestMachine_Prerequisites(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		experiment *models.Experiment
		steps      []*models.ExecutionStep
		to         models.ExperimentStatus
	}{
		{
			name:       "executing without steps",
			experiment: &models.Experiment{Status: models.ExperimentStatusBuilding},
			to:         models.ExperimentStatusExecuting,
		},
		{
			name:       "approval without steps",
			experiment: &models.Experiment{Status: models.ExperimentStatusBuilding},
			to:         models.ExperimentStatusAwaitingApproval,
		},
		{
			name:       "executing over budget",
			experiment: &models.Experiment{Status: models.ExperimentStatusApproved, BudgetCap: 10, BudgetSpent: 10},
			steps:      []*models.ExecutionStep{pendingStep("s1")},
			to:         models.ExperimentStatusExecuting,
		},
		{
			name:       "iterating past the limit",
			experiment: &models.Experiment{Status: models.ExperimentStatusEvaluating, Iteration: 2, MaxIterations: 2},
			to:         models.ExperimentStatusIterating,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tt.experiment.ID = "exp"
			tt.experiment.Title = "Pricing page"
			from := tt.experiment.Status
			f.seed(t, tt.experiment, tt.steps...)

			_, err := f.machine.Transition(context.Background(), "exp", lifecycle.Request{To: tt.to})
			require.Error(t, err)
			assert.True(t, lifecycle.IsPrerequisiteError(err))

			experiment, err := f.store.ExperimentByID(context.Background(), "exp")
			require.NoError(t, err)
			assert.Equal(t, from, experiment.Status)
		})
	}
}

func TestMachine_PauseResumeKeepsStageOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, &models.Experiment{ID: "exp", Title: "Checkout copy", Status: models.ExperimentStatusBuilding}, pendingStep("s1"))

	_, err := f.machine.Transition(ctx, "exp", lifecycle.Request{To: models.ExperimentStatusExecuting})
	require.NoError(t, err)

	paused, err := f.machine.Pause(ctx, "exp", "user-1", "waiting on legal")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusPaused, paused.Status)
	require.NotNil(t, paused.PausedFromStatus)
	assert.Equal(t, models.ExperimentStatusExecuting, *paused.PausedFromStatus)

	_, err = f.machine.Transition(ctx, "exp", lifecycle.Request{To: models.ExperimentStatusCollectingMetrics})
	assert.True(t, lifecycle.IsInvalidTransition(err), "paused experiments only resume to their origin")

	running, err := f.store.RunningStages(ctx, models.ExperimentStatusExecuting)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	resumed, err := f.machine.Resume(ctx, "exp", "user-1", "cleared")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusExecuting, resumed.Status)
	assert.Nil(t, resumed.PausedFromStatus)

	stages, err := f.store.StagesByExperiment(ctx, "exp")
	require.NoError(t, err)

	executing := 0
	for _, stage := range stages {
		if stage.Stage == models.ExperimentStatusExecuting {
			executing++
		}
	}

	assert.Equal(t, 1, executing, "resume does not open a second stage")
}

func TestMachine_ResumeRequiresPause(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, &models.Experiment{ID: "exp", Title: "Checkout copy", Status: models.ExperimentStatusPlanning})

	_, err := f.machine.Resume(context.Background(), "exp", "user-1", "")
	assert.True(t, lifecycle.IsInvalidTransition(err))
}

func TestMachine_KillFromPausedClosesStage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, &models.Experiment{ID: "exp", Title: "Checkout copy", Status: models.ExperimentStatusPlanning})

	_, err := f.machine.Transition(ctx, "exp", lifecycle.Request{To: models.ExperimentStatusBuilding})
	require.NoError(t, err)
	_, err = f.machine.Pause(ctx, "exp", "user-1", "")
	require.NoError(t, err)

	killed, err := f.machine.Kill(ctx, "exp", "user-1", "abandoned")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusKilled, killed.Status)
	assert.NotNil(t, killed.CompletedAt)

	stages, err := f.store.StagesByExperiment(ctx, "exp")
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, models.StageStatusSkipped, stages[0].Status)

	_, err = f.machine.Kill(ctx, "exp", "user-1", "again")
	assert.True(t, lifecycle.IsInvalidTransition(err), "terminal states have no exits")
}

func TestMachine_FailureClosesStageAsFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, &models.Experiment{ID: "exp", Title: "Checkout copy", Status: models.ExperimentStatusApproved}, pendingStep("s1"))

	_, err := f.machine.Transition(ctx, "exp", lifecycle.Request{To: models.ExperimentStatusExecuting})
	require.NoError(t, err)
	_, err = f.machine.Transition(ctx, "exp", lifecycle.Request{To: models.ExperimentStatusExecutionFailed, Reason: "1 step(s) failed"})
	require.NoError(t, err)

	stages, err := f.store.StagesByExperiment(ctx, "exp")
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, models.StageStatusFailed, stages[0].Status)
	assert.NotNil(t, stages[0].CompletedAt)
}

func TestMachine_IteratingIncrementsIteration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, &models.Experiment{ID: "exp", Title: "Checkout copy", Status: models.ExperimentStatusEvaluating, MaxIterations: 3})

	experiment, err := f.machine.Transition(ctx, "exp", lifecycle.Request{To: models.ExperimentStatusIterating})
	require.NoError(t, err)
	assert.Equal(t, 1, experiment.Iteration)

	stages, err := f.store.RunningStages(ctx, models.ExperimentStatusIterating)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, 1, stages[0].Iteration)
}

func TestMachine_HookErrorRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, &models.Experiment{ID: "exp", Title: "Checkout copy", Status: models.ExperimentStatusPlanning})

	hookErr := errors.New("reset failed")

	_, err := f.machine.Transition(ctx, "exp", lifecycle.Request{
		To: models.ExperimentStatusBuilding,
		Hook: func(context.Context, persistence.ExperimentTx, *models.Experiment) error {
			return hookErr
		},
	})
	require.ErrorIs(t, err, hookErr)

	experiment, err := f.store.ExperimentByID(ctx, "exp")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusPlanning, experiment.Status)
}

func TestMachine_PublishFailureDoesNotUndoTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := file.NewPersistence(t.TempDir())
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	machine := lifecycle.NewMachine(store, bus, slog.Default(), lifecycle.WithClock(func() time.Time { return now }))

	require.NoError(t, store.SaveExperiment(ctx, &models.Experiment{ID: "exp", Title: "Checkout copy", Status: models.ExperimentStatusDraft}))

	experiment, err := machine.Transition(ctx, "exp", lifecycle.Request{To: models.ExperimentStatusDiscarded})
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusDiscarded, experiment.Status)
	require.NotNil(t, experiment.CompletedAt)
	assert.Equal(t, now, *experiment.CompletedAt)
	bus.AssertExpectations(t)
}

func TestMachine_NilPublisher(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := file.NewPersistence(t.TempDir())
	machine := lifecycle.NewMachine(store, nil, slog.Default())

	require.NoError(t, store.SaveExperiment(ctx, &models.Experiment{ID: "exp", Title: "Checkout copy", Status: models.ExperimentStatusDraft}))

	_, err := machine.Transition(ctx, "exp", lifecycle.Request{To: models.ExperimentStatusScoring})
	require.NoError(t, err)

	_, err = machine.Transition(ctx, "missing", lifecycle.Request{To: models.ExperimentStatusScoring})
	assert.True(t, persistence.IsExperimentNotFound(err))
}
