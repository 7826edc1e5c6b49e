package runner

import (
	"context"
	"log/slog"

	"github.com/dukex/crucible/pkg/eventbus"
	"github.com/dukex/crucible/pkg/events"
	"github.com/dukex/crucible/pkg/models"
)

// BatchRunner is satisfied by BatchExecutor.
type BatchRunner interface {
	RunBatch(ctx context.Context, batch *models.StepBatch) (int, error)
}

// Worker consumes dispatched batches from the event bus, runs them and
// publishes their completion.
type Worker struct {
	id     string
	runner BatchRunner
	bus    eventbus.EventBus
	logger *slog.Logger
}

func NewWorker(id string, runner BatchRunner, bus eventbus.EventBus, logger *slog.Logger) *Worker {
	return &Worker{
		id:     id,
		runner: runner,
		bus:    bus,
		logger: logger.With("module", "worker", "worker_id", id),
	}
}

// Register installs the batch handler. The caller subscribes the bus.
func (w *Worker) Register() error {
	return w.bus.Handle(events.StepBatchDispatchedEvent, w.handleBatchDispatched)
}

func (w *Worker) handleBatchDispatched(ctx context.Context, event any) error {
	dispatched, ok := event.(*events.StepBatchDispatched)
	if !ok || dispatched.Batch == nil {
		w.logger.ErrorContext(ctx, "Invalid event type for StepBatchDispatched")

		return nil
	}

	batch := dispatched.Batch
	logger := w.logger.With("experiment_id", batch.ExperimentID, "batch_id", batch.ID)
	logger.InfoContext(ctx, "Processing step batch", "steps", len(batch.StepIDs))

	failed, err := w.runner.RunBatch(ctx, batch)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to run step batch", "error", err)

		return err
	}

	completed := events.StepBatchCompleted{
		BaseEvent: events.NewBaseEvent(events.StepBatchCompletedEvent, batch.ExperimentID),
		Batch:     batch,
		Failed:    failed,
	}
	completed.WorkerID = w.id

	if err := w.bus.Publish(ctx, batch.ExperimentID, completed); err != nil {
		logger.ErrorContext(ctx, "Failed to publish batch completion", "error", err)

		return err
	}

	return nil
}
