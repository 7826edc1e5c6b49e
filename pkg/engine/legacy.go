package engine

import "github.com/dukex/crucible/pkg/models"

// legacyBatch picks the next batch of a plan without a graph snapshot: the
// lowest-order pending step, joined by every pending step of its group when
// it runs in parallel. Nothing is picked while any step is running.
func legacyBatch(steps []*models.ExecutionStep) []*models.ExecutionStep {
	var first *models.ExecutionStep

	for _, step := range steps {
		switch step.Status {
		case models.StepStatusRunning:
			return nil
		case models.StepStatusPending:
			if first == nil || step.Order < first.Order {
				first = step
			}
		}
	}

	if first == nil {
		return nil
	}

	if first.ExecutionMode != models.ExecutionModeParallel || first.GroupID == nil {
		return []*models.ExecutionStep{first}
	}

	batch := []*models.ExecutionStep{}

	for _, step := range steps {
		if step.Status == models.StepStatusPending && step.GroupID != nil && *step.GroupID == *first.GroupID {
			batch = append(batch, step)
		}
	}

	return batch
}
