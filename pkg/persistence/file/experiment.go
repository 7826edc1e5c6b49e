package file

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
)

const (
	experimentsDir  = "experiments"
	stepsFile       = "steps.json"
	transitionsFile = "transitions.json"
	stagesFile      = "stages.json"
)

func (fp *Persistence) SaveExperiment(_ context.Context, experiment *models.Experiment) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.storeExperiment(experiment)
}

func (fp *Persistence) storeExperiment(experiment *models.Experiment) error {
	now := fp.now()
	if experiment.CreatedAt.IsZero() {
		experiment.CreatedAt = now
	}

	experiment.UpdatedAt = now

	if err := fp.writeJSON(experiment, experimentsDir, experiment.ID+".json"); err != nil {
		return persistence.NewExperimentError("SaveExperiment", experiment.ID, err)
	}

	return nil
}

func (fp *Persistence) ExperimentByID(_ context.Context, id string) (*models.Experiment, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.loadExperiment(id)
}

func (fp *Persistence) loadExperiment(id string) (*models.Experiment, error) {
	var experiment models.Experiment

	found, err := fp.readJSON(&experiment, experimentsDir, id+".json")
	if err != nil {
		return nil, persistence.NewExperimentError("ExperimentByID", id, err)
	}

	if !found {
		return nil, persistence.NewExperimentError("ExperimentByID", id, persistence.ErrExperimentNotFound)
	}

	return &experiment, nil
}

func (fp *Persistence) loadExperiments() ([]*models.Experiment, error) {
	ids, err := fp.listIDs(experimentsDir)
	if err != nil {
		return nil, err
	}

	experiments := make([]*models.Experiment, 0, len(ids))

	for _, id := range ids {
		experiment, err := fp.loadExperiment(id)
		if err != nil {
			return nil, err
		}

		experiments = append(experiments, experiment)
	}

	sort.SliceStable(experiments, func(i, j int) bool {
		return experiments[i].CreatedAt.Before(experiments[j].CreatedAt)
	})

	return experiments, nil
}

func (fp *Persistence) ExperimentsByStatus(_ context.Context, statuses ...models.ExperimentStatus) ([]*models.Experiment, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	experiments, err := fp.loadExperiments()
	if err != nil {
		return nil, err
	}

	if len(statuses) == 0 {
		return experiments, nil
	}

	filtered := make([]*models.Experiment, 0, len(experiments))

	for _, experiment := range experiments {
		if slices.Contains(statuses, experiment.Status) {
			filtered = append(filtered, experiment)
		}
	}

	return filtered, nil
}

// WithExperimentLock holds the persistence mutex for the duration of fn.
// fn must only use tx; calling other Persistence methods would deadlock.
func (fp *Persistence) WithExperimentLock(ctx context.Context, id string, fn func(ctx context.Context, tx persistence.ExperimentTx) error) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	experiment, err := fp.loadExperiment(id)
	if err != nil {
		return err
	}

	tx := &fileTx{fp: fp, experiment: experiment}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	return tx.commit()
}

func (fp *Persistence) TransitionsByExperiment(_ context.Context, experimentID string) ([]*models.ExperimentStateTransition, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	var transitions []*models.ExperimentStateTransition
	if _, err := fp.readJSON(&transitions, experimentsDir, experimentID, transitionsFile); err != nil {
		return nil, persistence.NewExperimentError("TransitionsByExperiment", experimentID, err)
	}

	return transitions, nil
}

func (fp *Persistence) StagesByExperiment(_ context.Context, experimentID string) ([]*models.ExperimentStage, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.loadStages(experimentID)
}

func (fp *Persistence) loadStages(experimentID string) ([]*models.ExperimentStage, error) {
	var stages []*models.ExperimentStage
	if _, err := fp.readJSON(&stages, experimentsDir, experimentID, stagesFile); err != nil {
		return nil, persistence.NewExperimentError("StagesByExperiment", experimentID, err)
	}

	return stages, nil
}

func (fp *Persistence) RunningStages(_ context.Context, stage models.ExperimentStatus) ([]*models.ExperimentStage, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	ids, err := fp.listIDs(experimentsDir)
	if err != nil {
		return nil, err
	}

	var running []*models.ExperimentStage

	for _, id := range ids {
		stages, err := fp.loadStages(id)
		if err != nil {
			return nil, err
		}

		for _, s := range stages {
			if s.Stage == stage && s.Status == models.StageStatusRunning {
				running = append(running, s)
			}
		}
	}

	return running, nil
}

// fileTx buffers writes until commit.
type fileTx struct {
	fp          *Persistence
	experiment  *models.Experiment
	dirty       bool
	steps       []*models.ExecutionStep
	stepsLoaded bool
	stepsDirty  bool
	transitions []*models.ExperimentStateTransition
	stages      []*models.ExperimentStage
	stagesDirty bool
	stagesRead  bool
}

func (tx *fileTx) Experiment() *models.Experiment {
	return tx.experiment
}

func (tx *fileTx) SaveExperiment(_ context.Context, experiment *models.Experiment) error {
	tx.experiment = experiment
	tx.dirty = true

	return nil
}

func (tx *fileTx) Steps(_ context.Context) ([]*models.ExecutionStep, error) {
	if err := tx.loadSteps(); err != nil {
		return nil, err
	}

	return tx.steps, nil
}

func (tx *fileTx) loadSteps() error {
	if tx.stepsLoaded {
		return nil
	}

	steps, err := tx.fp.loadSteps(tx.experiment.ID)
	if err != nil {
		return err
	}

	tx.steps = steps
	tx.stepsLoaded = true

	return nil
}

func (tx *fileTx) SaveSteps(_ context.Context, steps ...*models.ExecutionStep) error {
	if err := tx.loadSteps(); err != nil {
		return err
	}

	now := tx.fp.now()

	for _, step := range steps {
		step.ExperimentID = tx.experiment.ID
		if step.CreatedAt.IsZero() {
			step.CreatedAt = now
		}

		step.UpdatedAt = now

		idx := slices.IndexFunc(tx.steps, func(s *models.ExecutionStep) bool { return s.ID == step.ID })
		if idx >= 0 {
			tx.steps[idx] = step
		} else {
			tx.steps = append(tx.steps, step)
		}
	}

	tx.stepsDirty = true

	return nil
}

func (tx *fileTx) AppendTransition(_ context.Context, transition *models.ExperimentStateTransition) error {
	tx.transitions = append(tx.transitions, transition)

	return nil
}

func (tx *fileTx) loadStages() error {
	if tx.stagesRead {
		return nil
	}

	stages, err := tx.fp.loadStages(tx.experiment.ID)
	if err != nil {
		return err
	}

	tx.stages = stages
	tx.stagesRead = true

	return nil
}

func (tx *fileTx) OpenStage(_ context.Context, stage *models.ExperimentStage) error {
	if err := tx.loadStages(); err != nil {
		return err
	}

	tx.stages = append(tx.stages, stage)
	tx.stagesDirty = true

	return nil
}

func (tx *fileTx) CloseStage(_ context.Context, stage models.ExperimentStatus, status models.StageStatus, at time.Time) error {
	if err := tx.loadStages(); err != nil {
		return err
	}

	for _, s := range tx.stages {
		if s.Stage == stage && s.Status == models.StageStatusRunning {
			s.Status = status
			completed := at
			s.CompletedAt = &completed
			tx.stagesDirty = true
		}
	}

	return nil
}

func (tx *fileTx) commit() error {
	fp := tx.fp
	id := tx.experiment.ID

	if tx.dirty {
		if err := fp.storeExperiment(tx.experiment); err != nil {
			return err
		}
	}

	if tx.stepsDirty {
		if err := fp.storeSteps(id, tx.steps); err != nil {
			return err
		}
	}

	if len(tx.transitions) > 0 {
		var existing []*models.ExperimentStateTransition
		if _, err := fp.readJSON(&existing, experimentsDir, id, transitionsFile); err != nil {
			return persistence.NewExperimentError("AppendTransition", id, err)
		}

		if err := fp.writeJSON(append(existing, tx.transitions...), experimentsDir, id, transitionsFile); err != nil {
			return persistence.NewExperimentError("AppendTransition", id, err)
		}
	}

	if tx.stagesDirty {
		if err := fp.writeJSON(tx.stages, experimentsDir, id, stagesFile); err != nil {
			return persistence.NewExperimentError("SaveStages", id, err)
		}
	}

	return nil
}
