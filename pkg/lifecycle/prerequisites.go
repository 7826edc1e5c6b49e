package lifecycle

import (
	"context"
	"fmt"

	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
)

// checkPrerequisites enforces the domain rules of the target state.
func checkPrerequisites(ctx context.Context, tx persistence.ExperimentTx, experiment *models.Experiment, to models.ExperimentStatus) error {
	switch to {
	case models.ExperimentStatusExecuting, models.ExperimentStatusAwaitingApproval:
		steps, err := tx.Steps(ctx)
		if err != nil {
			return fmt.Errorf("load steps: %w", err)
		}

		if len(steps) == 0 {
			return &PrerequisiteError{To: to, Reason: "experiment has no execution steps"}
		}
	}

	switch to {
	case models.ExperimentStatusExecuting, models.ExperimentStatusIterating:
		if experiment.BudgetExhausted() {
			return &PrerequisiteError{
				To:     to,
				Reason: fmt.Sprintf("budget exhausted (%.2f of %.2f spent)", experiment.BudgetSpent, experiment.BudgetCap),
			}
		}
	}

	if to == models.ExperimentStatusIterating && experiment.MaxIterations > 0 && experiment.Iteration >= experiment.MaxIterations {
		return &PrerequisiteError{
			To:     to,
			Reason: fmt.Sprintf("iteration limit %d reached", experiment.MaxIterations),
		}
	}

	return nil
}
