// Package engine drives an experiment's graph snapshot to completion.
//
// Each entry point locks the experiment, resolves which steps are runnable,
// marks them running and commits. The batch is dispatched only after the
// commit, and its completion re-enters the engine through
// HandleBatchCompleted. When nothing is runnable and no step is pending or
// running the experiment moves on to metrics collection. Any failed member of
// a batch moves it to execution_failed instead.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/crucible/pkg/graph"
	"github.com/dukex/crucible/pkg/lifecycle"
	"github.com/dukex/crucible/pkg/metrics"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/otelhelper"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ActorID is recorded on transitions the engine makes.
const ActorID = "system:engine"

var ErrNotExecuting = errors.New("experiment is not executing")

// Dispatcher hands a batch of running steps to whatever executes them.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch *models.StepBatch) error
}

// CompletionHandler is re-invoked once every member of a batch is terminal.
type CompletionHandler interface {
	HandleBatchCompleted(ctx context.Context, experimentID, batchID string, members []string) error
}

type Engine struct {
	persistence persistence.Persistence
	machine     *lifecycle.Machine
	dispatcher  Dispatcher
	handlers    map[models.NodeType]NodeHandler
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Engine)

// WithNodeHandler overrides routing for human_task, dynamic_fork or any
// other node type without built-in semantics.
func WithNodeHandler(nodeType models.NodeType, handler NodeHandler) Option {
	return func(e *Engine) { e.handlers[nodeType] = handler }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(p persistence.Persistence, machine *lifecycle.Machine, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Engine {
	logger = logger.With("module", "engine")

	e := &Engine{
		persistence: p,
		machine:     machine,
		dispatcher:  dispatcher,
		handlers: map[models.NodeType]NodeHandler{
			models.NodeTypeHumanTask:   PassThrough(logger),
			models.NodeTypeDynamicFork: PassThrough(logger),
		},
		tracer: otelhelper.Noop(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// outcome is what one locked pass decided.
type outcome struct {
	batch      *models.StepBatch
	transition *models.ExperimentStateTransition
}

// Start dispatches the first batch of an experiment that just entered executing.
func (e *Engine) Start(ctx context.Context, experimentID string) error {
	ctx, span := e.span(ctx, "engine.start", experimentID)
	defer span.End()

	return e.run(ctx, span, experimentID, func(ctx context.Context, tx persistence.ExperimentTx, experiment *models.Experiment, steps []*models.ExecutionStep) (*outcome, error) {
		if experiment.Status != models.ExperimentStatusExecuting {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotExecuting, experiment.ID, experiment.Status)
		}

		var candidates []string
		if snapshot := experiment.Constraints.GraphSnapshot; snapshot != nil {
			if start := graph.FromSnapshot(snapshot).Start(); start != nil {
				candidates = []string{start.ID}
			}
		}

		if len(experiment.Constraints.Interrupted) > 0 {
			experiment.Constraints.Interrupted = nil
			experiment.UpdatedAt = e.now()

			if err := tx.SaveExperiment(ctx, experiment); err != nil {
				return nil, err
			}
		}

		return e.advance(ctx, tx, experiment, steps, candidates, nil)
	})
}

// HandleBatchCompleted continues the run after a batch finished. It is a
// no-op unless the experiment is executing; completions that arrive while
// the experiment is paused are kept and continued on resume.
func (e *Engine) HandleBatchCompleted(ctx context.Context, experimentID, batchID string, members []string) error {
	ctx, span := e.span(ctx, "engine.batch_completed", experimentID, attribute.String(otelhelper.BatchIDKey, batchID))
	defer span.End()

	logger := e.logger.With("experiment_id", experimentID, "batch_id", batchID)

	return e.run(ctx, span, experimentID, func(ctx context.Context, tx persistence.ExperimentTx, experiment *models.Experiment, steps []*models.ExecutionStep) (*outcome, error) {
		if e.seen(experiment, batchID) {
			logger.InfoContext(ctx, "ignoring duplicate batch completion", "status", experiment.Status)

			return nil, nil
		}

		switch experiment.Status {
		case models.ExperimentStatusExecuting:
		case models.ExperimentStatusPaused:
			experiment.Constraints.DeferredBatches = append(experiment.Constraints.DeferredBatches, &models.StepBatch{
				ID:           batchID,
				ExperimentID: experimentID,
				Members:      members,
			})
			experiment.UpdatedAt = e.now()
			logger.InfoContext(ctx, "experiment paused, deferring batch completion")

			return nil, tx.SaveExperiment(ctx, experiment)
		default:
			logger.InfoContext(ctx, "ignoring batch completion", "status", experiment.Status)

			return nil, nil
		}

		failed, running := memberStatus(steps, members)
		if running > 0 {
			logger.InfoContext(ctx, "batch members still running", "running", running)

			return nil, nil
		}

		e.metrics.RecordBatch(failed)
		experiment.Constraints.MarkBatchHandled(batchID)

		if err := e.settle(ctx, tx, experiment, steps, members, failed > 0); err != nil {
			return nil, err
		}

		if failed > 0 {
			return e.fail(ctx, tx, failed)
		}

		return e.advance(ctx, tx, experiment, steps, nil, e.continuation(experiment, steps, members))
	})
}

// Resume continues an experiment that returned to executing from a pause.
// Deferred completions are continued, and members a worker handed back
// without running are dispatched again.
func (e *Engine) Resume(ctx context.Context, experimentID string) error {
	ctx, span := e.span(ctx, "engine.resume", experimentID)
	defer span.End()

	return e.run(ctx, span, experimentID, func(ctx context.Context, tx persistence.ExperimentTx, experiment *models.Experiment, steps []*models.ExecutionStep) (*outcome, error) {
		if experiment.Status != models.ExperimentStatusExecuting {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotExecuting, experiment.ID, experiment.Status)
		}

		deferred := experiment.Constraints.DeferredBatches
		experiment.Constraints.DeferredBatches = nil

		var members []string

		for _, batch := range deferred {
			if experiment.Constraints.BatchHandled(batch.ID) {
				continue
			}

			experiment.Constraints.MarkBatchHandled(batch.ID)
			members = append(members, batch.Members...)
		}

		failed, _ := memberStatus(steps, members)

		if len(deferred) > 0 {
			if err := e.settle(ctx, tx, experiment, steps, members, failed > 0); err != nil {
				return nil, err
			}
		}

		if failed > 0 {
			return e.fail(ctx, tx, failed)
		}

		return e.advance(ctx, tx, experiment, steps, nil, e.continuation(experiment, steps, members))
	})
}

// ResumeFrom resolves from explicit nodes, as retry paths do, together with
// the successors of members that completed in the batch that failed. Without
// nodes it falls back to Reconcile.
func (e *Engine) ResumeFrom(ctx context.Context, experimentID string, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return e.Reconcile(ctx, experimentID)
	}

	ctx, span := e.span(ctx, "engine.resume_from", experimentID)
	defer span.End()

	return e.run(ctx, span, experimentID, func(ctx context.Context, tx persistence.ExperimentTx, experiment *models.Experiment, steps []*models.ExecutionStep) (*outcome, error) {
		if experiment.Status != models.ExperimentStatusExecuting {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotExecuting, experiment.ID, experiment.Status)
		}

		continued, err := e.takeInterrupted(ctx, tx, experiment, steps)
		if err != nil {
			return nil, err
		}

		return e.advance(ctx, tx, experiment, steps, nodeIDs, continued)
	})
}

// Reconcile re-evaluates an executing experiment without a completion to
// continue from: failed steps fail the run and a quiescent run moves on.
// Legacy plans also get their next batch dispatched.
func (e *Engine) Reconcile(ctx context.Context, experimentID string) error {
	ctx, span := e.span(ctx, "engine.reconcile", experimentID)
	defer span.End()

	return e.run(ctx, span, experimentID, func(ctx context.Context, tx persistence.ExperimentTx, experiment *models.Experiment, steps []*models.ExecutionStep) (*outcome, error) {
		if experiment.Status != models.ExperimentStatusExecuting {
			e.logger.InfoContext(ctx, "nothing to reconcile", "experiment_id", experimentID, "status", experiment.Status)

			return nil, nil
		}

		failed := 0
		for _, step := range steps {
			if step.Status == models.StepStatusFailed {
				failed++
			}
		}

		if failed > 0 {
			return e.fail(ctx, tx, failed)
		}

		continued, err := e.takeInterrupted(ctx, tx, experiment, steps)
		if err != nil {
			return nil, err
		}

		return e.advance(ctx, tx, experiment, steps, nil, continued)
	})
}

type locked func(ctx context.Context, tx persistence.ExperimentTx, experiment *models.Experiment, steps []*models.ExecutionStep) (*outcome, error)

// run executes fn under the experiment lock, then announces the transition
// and dispatches the batch it produced.
func (e *Engine) run(ctx context.Context, span trace.Span, experimentID string, fn locked) error {
	var result *outcome

	err := e.persistence.WithExperimentLock(ctx, experimentID, func(ctx context.Context, tx persistence.ExperimentTx) error {
		steps, err := tx.Steps(ctx)
		if err != nil {
			return fmt.Errorf("load steps: %w", err)
		}

		result, err = fn(ctx, tx, tx.Experiment(), steps)

		return err
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	if result == nil {
		return nil
	}

	e.machine.Announce(ctx, result.transition)

	if result.batch != nil {
		return e.dispatch(ctx, result.batch)
	}

	return nil
}

// advance resolves explicit and continued candidates and either builds the
// next batch or, when the run is quiescent, moves the experiment to metrics
// collection. Only continued candidates pass through the join gate.
func (e *Engine) advance(
	ctx context.Context,
	tx persistence.ExperimentTx,
	experiment *models.Experiment,
	steps []*models.ExecutionStep,
	explicit []string,
	continued []string,
) (*outcome, error) {
	logger := e.logger.With("experiment_id", experiment.ID)
	now := e.now()

	var next []*models.ExecutionStep

	if snapshot := experiment.Constraints.GraphSnapshot; snapshot != nil {
		resolver := NewResolver(snapshot, steps, experiment.Data, e.handlers, logger, now)
		resolution := resolver.ResolveFrom(ctx, explicit, continued)

		changed := slices.Concat(resolution.Reset, resolution.Skipped)
		if len(changed) > 0 {
			if err := tx.SaveSteps(ctx, changed...); err != nil {
				return nil, fmt.Errorf("save resolved steps: %w", err)
			}
		}

		next = resolution.Executable
	} else {
		next = legacyBatch(steps)
	}

	if len(next) > 0 {
		batch, err := e.markRunning(ctx, tx, experiment.ID, next, now)
		if err != nil {
			return nil, err
		}

		return &outcome{batch: batch}, nil
	}

	if inFlight := countInFlight(steps); inFlight > 0 {
		logger.WarnContext(ctx, "nothing runnable while steps remain in flight", "in_flight", inFlight)

		return nil, nil
	}

	transition, err := e.machine.Apply(ctx, tx, lifecycle.Request{
		To:      models.ExperimentStatusCollectingMetrics,
		Reason:  "all reachable steps finished",
		ActorID: ActorID,
	})
	if err != nil {
		return nil, err
	}

	return &outcome{transition: transition}, nil
}

func (e *Engine) fail(ctx context.Context, tx persistence.ExperimentTx, failed int) (*outcome, error) {
	transition, err := e.machine.Apply(ctx, tx, lifecycle.Request{
		To:       models.ExperimentStatusExecutionFailed,
		Reason:   fmt.Sprintf("%d step(s) failed", failed),
		ActorID:  ActorID,
		Metadata: map[string]any{"failed_steps": failed},
	})
	if err != nil {
		return nil, err
	}

	return &outcome{transition: transition}, nil
}

func (e *Engine) markRunning(ctx context.Context, tx persistence.ExperimentTx, experimentID string, next []*models.ExecutionStep, now time.Time) (*models.StepBatch, error) {
	batch := &models.StepBatch{
		ID:           uuid.NewString(),
		ExperimentID: experimentID,
		Members:      make([]string, 0, len(next)),
		StepIDs:      make([]string, 0, len(next)),
	}

	for _, step := range next {
		started := now
		step.Status = models.StepStatusRunning
		step.StartedAt = &started
		step.CompletedAt = nil
		step.UpdatedAt = now

		batch.Members = append(batch.Members, step.MemberKey())
		batch.StepIDs = append(batch.StepIDs, step.ID)

		e.metrics.RecordDispatch(string(step.NodeType), 1)
	}

	if err := tx.SaveSteps(ctx, next...); err != nil {
		return nil, fmt.Errorf("mark steps running: %w", err)
	}

	return batch, nil
}

// dispatch hands the committed batch over. When the dispatcher refuses it
// the members are failed and the completion path runs, so the experiment
// lands in execution_failed instead of hanging.
func (e *Engine) dispatch(ctx context.Context, batch *models.StepBatch) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.dispatch",
		attribute.String(otelhelper.ExperimentIDKey, batch.ExperimentID),
		attribute.String(otelhelper.BatchIDKey, batch.ID),
		attribute.Int(otelhelper.BatchSizeKey, len(batch.StepIDs)),
	)
	defer span.End()

	e.logger.InfoContext(ctx, "dispatching batch",
		"experiment_id", batch.ExperimentID,
		"batch_id", batch.ID,
		"members", batch.Members,
	)

	err := e.dispatcher.Dispatch(ctx, batch)
	if err == nil {
		return nil
	}

	otelhelper.SetError(span, err)
	e.logger.ErrorContext(ctx, "dispatch failed", "experiment_id", batch.ExperimentID, "batch_id", batch.ID, "error", err)

	message := "dispatch failed: " + err.Error()
	for _, id := range batch.StepIDs {
		if _, failErr := e.persistence.FailStep(ctx, id, message, e.now(), models.StepStatusRunning); failErr != nil {
			return errors.Join(err, failErr)
		}
	}

	return e.HandleBatchCompleted(ctx, batch.ExperimentID, batch.ID, batch.Members)
}

// continuation returns the nodes that follow the completed members. Members
// still pending, handed back by a paused worker, are candidates themselves.
func (e *Engine) continuation(experiment *models.Experiment, steps []*models.ExecutionStep, members []string) []string {
	snapshot := experiment.Constraints.GraphSnapshot
	if snapshot == nil || len(members) == 0 {
		return nil
	}

	byKey := indexByMember(steps)

	var done, again []string

	for _, member := range members {
		step, ok := byKey[member]
		if ok && step.Status == models.StepStatusPending {
			again = append(again, member)

			continue
		}

		done = append(done, member)
	}

	resolver := NewResolver(snapshot, steps, experiment.Data, e.handlers, e.logger, e.now())

	return append(again, resolver.Continuation(done)...)
}

// seen reports whether a completion for batchID was applied or deferred already.
func (e *Engine) seen(experiment *models.Experiment, batchID string) bool {
	if experiment.Constraints.BatchHandled(batchID) {
		return true
	}

	return slices.ContainsFunc(experiment.Constraints.DeferredBatches, func(batch *models.StepBatch) bool {
		return batch.ID == batchID
	})
}

// settle charges the finished members and, for a failed batch, remembers the
// members that completed so a retry can continue past them. The experiment
// is saved once with both changes.
func (e *Engine) settle(
	ctx context.Context,
	tx persistence.ExperimentTx,
	experiment *models.Experiment,
	steps []*models.ExecutionStep,
	members []string,
	failed bool,
) error {
	byKey := indexByMember(steps)

	for _, member := range members {
		step, ok := byKey[member]
		if !ok {
			continue
		}

		switch step.Status {
		case models.StepStatusCompleted:
			experiment.BudgetSpent += step.Cost

			if failed && !slices.Contains(experiment.Constraints.Interrupted, member) {
				experiment.Constraints.Interrupted = append(experiment.Constraints.Interrupted, member)
			}
		case models.StepStatusFailed:
			experiment.BudgetSpent += step.Cost
		}
	}

	experiment.UpdatedAt = e.now()

	if experiment.BudgetExhausted() {
		e.logger.WarnContext(ctx, "experiment budget exhausted",
			"experiment_id", experiment.ID,
			"budget_spent", experiment.BudgetSpent,
			"budget_cap", experiment.BudgetCap,
		)
	}

	if err := tx.SaveExperiment(ctx, experiment); err != nil {
		return fmt.Errorf("settle batch: %w", err)
	}

	return nil
}

// takeInterrupted clears the interrupted members and returns the nodes that
// follow them.
func (e *Engine) takeInterrupted(ctx context.Context, tx persistence.ExperimentTx, experiment *models.Experiment, steps []*models.ExecutionStep) ([]string, error) {
	interrupted := experiment.Constraints.Interrupted
	if len(interrupted) == 0 {
		return nil, nil
	}

	experiment.Constraints.Interrupted = nil
	experiment.UpdatedAt = e.now()

	if err := tx.SaveExperiment(ctx, experiment); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "continuing past interrupted members", "experiment_id", experiment.ID, "members", interrupted)

	return e.continuation(experiment, steps, interrupted), nil
}

func (e *Engine) span(ctx context.Context, name, experimentID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(otelhelper.ExperimentIDKey, experimentID))

	return otelhelper.StartSpan(ctx, e.tracer, name, attrs...)
}

func indexByMember(steps []*models.ExecutionStep) map[string]*models.ExecutionStep {
	byKey := make(map[string]*models.ExecutionStep, len(steps))
	for _, step := range steps {
		byKey[step.MemberKey()] = step
	}

	return byKey
}

// memberStatus counts failed and running members. Unknown members are ignored.
func memberStatus(steps []*models.ExecutionStep, members []string) (failed, running int) {
	byKey := indexByMember(steps)

	for _, member := range members {
		step, ok := byKey[member]
		if !ok {
			continue
		}

		switch {
		case step.Status == models.StepStatusFailed:
			failed++
		case step.Status == models.StepStatusRunning:
			running++
		}
	}

	return failed, running
}

func countInFlight(steps []*models.ExecutionStep) int {
	n := 0

	for _, step := range steps {
		if step.Status == models.StepStatusPending || step.Status == models.StepStatusRunning {
			n++
		}
	}

	return n
}
