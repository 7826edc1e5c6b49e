package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dukex/crucible/pkg/metrics"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/otelhelper"
	"github.com/dukex/crucible/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxParallel = 8

// BatchExecutor runs the members of a batch concurrently and records each
// result with a write guarded on the step still being running.
type BatchExecutor struct {
	persistence persistence.Persistence
	registry    *Registry
	maxParallel int
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*BatchExecutor)

func WithMaxParallel(n int) Option {
	return func(e *BatchExecutor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *BatchExecutor) { e.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *BatchExecutor) { e.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(e *BatchExecutor) { e.now = now }
}

func NewBatchExecutor(p persistence.Persistence, registry *Registry, logger *slog.Logger, opts ...Option) *BatchExecutor {
	e := &BatchExecutor{
		persistence: p,
		registry:    registry,
		maxParallel: DefaultMaxParallel,
		tracer:      otelhelper.Noop(),
		logger:      logger.With("module", "batch_executor"),
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// RunBatch runs every step of the batch and returns how many failed. A
// failing step never cancels its siblings. Nothing runs unless the
// experiment is still executing: a paused experiment gets its steps handed
// back as pending, any other state fails them.
func (e *BatchExecutor) RunBatch(ctx context.Context, batch *models.StepBatch) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "runner.run_batch",
		attribute.String(otelhelper.ExperimentIDKey, batch.ExperimentID),
		attribute.String(otelhelper.BatchIDKey, batch.ID),
		attribute.Int(otelhelper.BatchSizeKey, len(batch.StepIDs)),
	)
	defer span.End()

	logger := e.logger.With("experiment_id", batch.ExperimentID, "batch_id", batch.ID)

	experiment, err := e.persistence.ExperimentByID(ctx, batch.ExperimentID)
	if err != nil {
		otelhelper.SetError(span, err)

		return 0, fmt.Errorf("load experiment: %w", err)
	}

	if experiment.Status != models.ExperimentStatusExecuting {
		return e.standDown(ctx, logger, experiment.Status, batch)
	}

	var (
		failed atomic.Int64
		group  errgroup.Group
	)

	group.SetLimit(e.maxParallel)

	for _, id := range batch.StepIDs {
		group.Go(func() error {
			if !e.runStep(ctx, logger, id) {
				failed.Add(1)
			}

			return nil
		})
	}

	_ = group.Wait()

	logger.InfoContext(ctx, "batch finished", "steps", len(batch.StepIDs), "failed", failed.Load())

	return int(failed.Load()), nil
}

func (e *BatchExecutor) standDown(ctx context.Context, logger *slog.Logger, status models.ExperimentStatus, batch *models.StepBatch) (int, error) {
	logger.InfoContext(ctx, "experiment no longer executing, not running batch", "status", status)

	failed := 0

	for _, id := range batch.StepIDs {
		var err error

		if status == models.ExperimentStatusPaused {
			_, err = e.persistence.ReleaseStep(ctx, id, e.now())
		} else {
			var ok bool

			ok, err = e.persistence.FailStep(ctx, id, fmt.Sprintf("experiment is %s; step not started", status), e.now(), models.StepStatusRunning)
			if ok {
				failed++
			}
		}

		if err != nil {
			return failed, fmt.Errorf("stand down step %s: %w", id, err)
		}
	}

	return failed, nil
}

// runStep reports whether the step did not fail.
func (e *BatchExecutor) runStep(ctx context.Context, logger *slog.Logger, id string) bool {
	logger = logger.With("step_id", id)

	step, err := e.persistence.StepByID(ctx, id)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load step", "error", err)

		return false
	}

	if step.Status != models.StepStatusRunning {
		logger.InfoContext(ctx, "step is no longer running, skipping", "status", step.Status)

		return step.Status != models.StepStatusFailed
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "runner.run_step",
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.NodeIDKey, step.NodeID()),
		attribute.String(otelhelper.NodeTypeKey, string(step.NodeType)),
	)
	defer span.End()

	runner, timeout, err := e.registry.Runner(step.NodeType)
	if err != nil {
		otelhelper.SetError(span, err)

		return e.fail(ctx, logger, step, err.Error(), 0)
	}

	started := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := runner.Run(runCtx, step)
	cancel()

	elapsed := time.Since(started)

	if err != nil {
		otelhelper.SetError(span, err)

		message := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			message = fmt.Sprintf("step exceeded its %s ceiling: %s", timeout, message)
		}

		return e.fail(ctx, logger, step, message, elapsed)
	}

	if result == nil {
		result = &models.StepResult{}
	}

	if result.DurationMs == 0 {
		result.DurationMs = elapsed.Milliseconds()
	}

	ok, err := e.persistence.CompleteStep(ctx, step.ID, result, e.now())
	if err != nil {
		logger.ErrorContext(ctx, "failed to record step result", "error", err)

		return false
	}

	if !ok {
		logger.WarnContext(ctx, "step left running before its result was recorded, dropping result")
	}

	e.metrics.ObserveStep(string(step.NodeType), string(models.StepStatusCompleted), elapsed)
	logger.InfoContext(ctx, "step completed", "duration_ms", result.DurationMs, "cost_credits", result.CostCredits)

	return true
}

func (e *BatchExecutor) fail(ctx context.Context, logger *slog.Logger, step *models.ExecutionStep, message string, elapsed time.Duration) bool {
	logger.WarnContext(ctx, "step failed", "error", message)

	e.metrics.ObserveStep(string(step.NodeType), string(models.StepStatusFailed), elapsed)

	if _, err := e.persistence.FailStep(ctx, step.ID, message, e.now(), models.StepStatusRunning); err != nil {
		logger.ErrorContext(ctx, "failed to record step failure", "error", err)
	}

	return false
}
