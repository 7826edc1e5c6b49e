package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/crucible/pkg/eventbus"
	"github.com/dukex/crucible/pkg/events"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
)

var ErrNoCompletionHandler = errors.New("dispatcher has no completion handler")

// BatchRunner executes every step of a batch and records each result. It
// returns the number of members that failed.
type BatchRunner interface {
	RunBatch(ctx context.Context, batch *models.StepBatch) (int, error)
}

// LocalDispatcher runs batches in-process and reports completion straight
// back to the engine.
type LocalDispatcher struct {
	runner  BatchRunner
	handler CompletionHandler
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewLocalDispatcher(runner BatchRunner, logger *slog.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		runner: runner,
		logger: logger.With("module", "local_dispatcher"),
	}
}

// Bind sets the handler completions are reported to. It must be called
// before the first Dispatch.
func (d *LocalDispatcher) Bind(handler CompletionHandler) {
	d.handler = handler
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, batch *models.StepBatch) error {
	if d.handler == nil {
		return ErrNoCompletionHandler
	}

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ctx := context.WithoutCancel(ctx)

		if _, err := d.runner.RunBatch(ctx, batch); err != nil {
			d.logger.ErrorContext(ctx, "batch run failed", "batch_id", batch.ID, "experiment_id", batch.ExperimentID, "error", err)
		}

		if err := d.handler.HandleBatchCompleted(ctx, batch.ExperimentID, batch.ID, batch.Members); err != nil {
			d.logger.ErrorContext(ctx, "batch completion failed", "batch_id", batch.ID, "experiment_id", batch.ExperimentID, "error", err)
		}
	}()

	return nil
}

// Wait blocks until every dispatched batch, and every batch those dispatched
// in turn, has been handled.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

// BusDispatcher publishes batches for workers subscribed to the event bus.
type BusDispatcher struct {
	publisher eventbus.EventPublisher
}

func NewBusDispatcher(publisher eventbus.EventPublisher) *BusDispatcher {
	return &BusDispatcher{publisher: publisher}
}

func (d *BusDispatcher) Dispatch(ctx context.Context, batch *models.StepBatch) error {
	event := events.StepBatchDispatched{
		BaseEvent: events.NewBaseEvent(events.StepBatchDispatchedEvent, batch.ExperimentID),
		Batch:     batch,
	}

	if err := d.publisher.Publish(ctx, batch.ExperimentID, event); err != nil {
		return fmt.Errorf("publish batch %s: %w", batch.ID, err)
	}

	return nil
}

// HandleCompletions routes step_batch.completed events from workers to handler.
func HandleCompletions(subscriber eventbus.EventSubscriber, handler CompletionHandler, logger *slog.Logger) error {
	return subscriber.Handle(events.StepBatchCompletedEvent, func(ctx context.Context, event any) error {
		completed, ok := event.(*events.StepBatchCompleted)
		if !ok || completed.Batch == nil {
			logger.WarnContext(ctx, "dropping malformed batch completion")

			return nil
		}

		err := handler.HandleBatchCompleted(ctx, completed.ExperimentID, completed.Batch.ID, completed.Batch.Members)
		if persistence.IsExperimentNotFound(err) {
			logger.WarnContext(ctx, "batch completion for unknown experiment", "experiment_id", completed.ExperimentID)

			return nil
		}

		return err
	})
}
