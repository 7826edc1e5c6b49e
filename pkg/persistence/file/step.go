package file

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
)

func (fp *Persistence) loadSteps(experimentID string) ([]*models.ExecutionStep, error) {
	var steps []*models.ExecutionStep
	if _, err := fp.readJSON(&steps, experimentsDir, experimentID, stepsFile); err != nil {
		return nil, persistence.NewExperimentError("StepsByExperiment", experimentID, err)
	}

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})

	return steps, nil
}

func (fp *Persistence) storeSteps(experimentID string, steps []*models.ExecutionStep) error {
	if err := fp.writeJSON(steps, experimentsDir, experimentID, stepsFile); err != nil {
		return persistence.NewExperimentError("SaveSteps", experimentID, err)
	}

	return nil
}

func (fp *Persistence) StepsByExperiment(_ context.Context, experimentID string) ([]*models.ExecutionStep, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.loadSteps(experimentID)
}

func (fp *Persistence) StepByID(_ context.Context, id string) (*models.ExecutionStep, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	_, step, _, err := fp.findStep(id)

	return step, err
}

// findStep scans every experiment for the step. It returns the owning
// experiment's step list so callers can write it back.
func (fp *Persistence) findStep(id string) (string, *models.ExecutionStep, []*models.ExecutionStep, error) {
	ids, err := fp.listIDs(experimentsDir)
	if err != nil {
		return "", nil, nil, err
	}

	for _, experimentID := range ids {
		steps, err := fp.loadSteps(experimentID)
		if err != nil {
			return "", nil, nil, err
		}

		for _, step := range steps {
			if step.ID == id {
				return experimentID, step, steps, nil
			}
		}
	}

	return "", nil, nil, persistence.NewStepError("StepByID", id, persistence.ErrStepNotFound)
}

// updateStep applies mutate when the step is in one of from and writes it back.
func (fp *Persistence) updateStep(id string, from []models.StepStatus, mutate func(*models.ExecutionStep)) (bool, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	experimentID, step, steps, err := fp.findStep(id)
	if err != nil {
		return false, err
	}

	if !slices.Contains(from, step.Status) {
		return false, nil
	}

	mutate(step)
	step.UpdatedAt = fp.now()

	return true, fp.storeSteps(experimentID, steps)
}

func (fp *Persistence) CompleteStep(_ context.Context, id string, result *models.StepResult, at time.Time) (bool, error) {
	return fp.updateStep(id, []models.StepStatus{models.StepStatusRunning}, func(step *models.ExecutionStep) {
		step.Status = models.StepStatusCompleted
		step.Output = result.Output
		step.Cost = result.CostCredits
		step.DurationMs = result.DurationMs
		step.ErrorMessage = ""
		step.CompletedAt = &at
	})
}

func (fp *Persistence) ReleaseStep(_ context.Context, id string, _ time.Time) (bool, error) {
	return fp.updateStep(id, []models.StepStatus{models.StepStatusRunning}, func(step *models.ExecutionStep) {
		step.Status = models.StepStatusPending
		step.StartedAt = nil
	})
}

func (fp *Persistence) FailStep(_ context.Context, id, message string, at time.Time, from ...models.StepStatus) (bool, error) {
	return fp.updateStep(id, from, func(step *models.ExecutionStep) {
		step.Status = models.StepStatusFailed
		step.ErrorMessage = message
		step.CompletedAt = &at
	})
}

func (fp *Persistence) StaleRunningSteps(_ context.Context, cutoff time.Time) ([]*models.ExecutionStep, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.collectSteps(func(_ *models.Experiment, steps []*models.ExecutionStep) []*models.ExecutionStep {
		var stale []*models.ExecutionStep

		for _, step := range steps {
			if step.Status == models.StepStatusRunning && step.StartedAt != nil && step.StartedAt.Before(cutoff) {
				stale = append(stale, step)
			}
		}

		return stale
	})
}

func (fp *Persistence) StalePendingSteps(_ context.Context, cutoff time.Time) ([]*models.ExecutionStep, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.collectSteps(func(experiment *models.Experiment, steps []*models.ExecutionStep) []*models.ExecutionStep {
		if experiment.Status != models.ExperimentStatusBuilding && experiment.Status != models.ExperimentStatusExecuting {
			return nil
		}

		for _, step := range steps {
			if step.Status == models.StepStatusRunning || !step.UpdatedAt.Before(cutoff) {
				return nil
			}
		}

		var stale []*models.ExecutionStep

		for _, step := range steps {
			if step.Status == models.StepStatusPending {
				stale = append(stale, step)
			}
		}

		return stale
	})
}

func (fp *Persistence) collectSteps(pick func(*models.Experiment, []*models.ExecutionStep) []*models.ExecutionStep) ([]*models.ExecutionStep, error) {
	experiments, err := fp.loadExperiments()
	if err != nil {
		return nil, err
	}

	var out []*models.ExecutionStep

	for _, experiment := range experiments {
		steps, err := fp.loadSteps(experiment.ID)
		if err != nil {
			return nil, err
		}

		out = append(out, pick(experiment, steps)...)
	}

	return out, nil
}
