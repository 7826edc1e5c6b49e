// Package recovery terminalizes work whose completion was lost.
//
// A sweep runs four passes in order:
//
//	(a) running steps started before the cutoff are failed
//	(b) pending steps of a stalled building or executing experiment are failed
//	(c) building stages whose steps are all terminal are resolved
//	(d) executing experiments with nothing in flight are reconciled by the engine
//
// Each pass is idempotent, so re-running a sweep is always safe.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/crucible/pkg/lifecycle"
	"github.com/dukex/crucible/pkg/metrics"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/otelhelper"
	"github.com/dukex/crucible/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	ActorID        = "system:recovery"
	DefaultTimeout = 10 * time.Minute
)

var (
	ErrSweepInProgress = errors.New("another recovery sweep holds the lock")
	errStageMoved      = errors.New("building stage changed during sweep")
)

// Reconciler re-evaluates an executing experiment. The engine implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, experimentID string) error
}

// Report counts what one sweep changed.
type Report struct {
	StaleRunning     int       `json:"stale_running"`
	StalePending     int       `json:"stale_pending"`
	SkippedSteps     int       `json:"skipped_steps"`
	BuildingResolved int       `json:"building_resolved"`
	Reconciled       int       `json:"reconciled"`
	Errors           int       `json:"errors"`
	Cutoff           time.Time `json:"cutoff"`
}

func (r *Report) Counts() map[string]int {
	return map[string]int{
		"stale_running":     r.StaleRunning,
		"stale_pending":     r.StalePending,
		"skipped":           r.SkippedSteps,
		"building_resolved": r.BuildingResolved,
		"reconciled":        r.Reconciled,
	}
}

type Sweeper struct {
	persistence persistence.Persistence
	machine     *lifecycle.Machine
	reconciler  Reconciler
	locker      Locker
	timeout     time.Duration
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Sweeper)

func WithTimeout(timeout time.Duration) Option {
	return func(s *Sweeper) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithLocker(locker Locker) Option {
	return func(s *Sweeper) { s.locker = locker }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Sweeper) { s.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(p persistence.Persistence, machine *lifecycle.Machine, reconciler Reconciler, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		persistence: p,
		machine:     machine,
		reconciler:  reconciler,
		locker:      &LocalLocker{},
		timeout:     DefaultTimeout,
		tracer:      otelhelper.Noop(),
		logger:      logger.With("module", "recovery"),
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Sweeper) Timeout() time.Duration {
	return s.timeout
}

// Sweep runs every pass once. It returns ErrSweepInProgress when another
// sweep holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "recovery.sweep")
	defer span.End()

	token, ok, err := s.locker.TryLock(ctx, s.timeout)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if !ok {
		s.logger.InfoContext(ctx, "sweep already running elsewhere, skipping")

		return nil, ErrSweepInProgress
	}

	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), token); err != nil {
			s.logger.WarnContext(ctx, "failed to release sweep lock", "error", err)
		}
	}()

	now := s.now()
	report := &Report{Cutoff: now.Add(-s.timeout)}

	s.logger.InfoContext(ctx, "recovery sweep started", "cutoff", report.Cutoff, "timeout", s.timeout)

	passes := []struct {
		name string
		run  func(context.Context, *Report, time.Time) error
	}{
		{"stale_running", s.failStaleRunning},
		{"stale_pending", s.failStalePending},
		{"building", s.resolveBuilding},
		{"reconcile", s.reconcileExecuting},
	}

	for _, pass := range passes {
		if err := pass.run(ctx, report, now); err != nil {
			otelhelper.SetError(span, err)

			return report, fmt.Errorf("recovery pass %s: %w", pass.name, err)
		}
	}

	span.SetAttributes(
		attribute.Int("crucible.recovery.stale_running", report.StaleRunning),
		attribute.Int("crucible.recovery.stale_pending", report.StalePending),
		attribute.Int("crucible.recovery.reconciled", report.Reconciled),
	)
	s.metrics.RecordSweep(report.Counts())

	s.logger.InfoContext(ctx, "recovery sweep finished",
		"stale_running", report.StaleRunning,
		"stale_pending", report.StalePending,
		"skipped_steps", report.SkippedSteps,
		"building_resolved", report.BuildingResolved,
		"reconciled", report.Reconciled,
		"errors", report.Errors,
	)

	return report, nil
}

func (s *Sweeper) failStaleRunning(ctx context.Context, report *Report, now time.Time) error {
	steps, err := s.persistence.StaleRunningSteps(ctx, report.Cutoff)
	if err != nil {
		return err
	}

	message := fmt.Sprintf("step still running after the %s recovery timeout; forced to failed", s.timeout)

	for _, step := range steps {
		ok, err := s.persistence.FailStep(ctx, step.ID, message, now, models.StepStatusRunning)
		if err != nil {
			return err
		}

		if ok {
			report.StaleRunning++
			s.logger.WarnContext(ctx, "forced stale running step to failed",
				"experiment_id", step.ExperimentID,
				"step_id", step.ID,
				"started_at", step.StartedAt,
			)
		}
	}

	return nil
}

func (s *Sweeper) failStalePending(ctx context.Context, report *Report, now time.Time) error {
	steps, err := s.persistence.StalePendingSteps(ctx, report.Cutoff)
	if err != nil {
		return err
	}

	message := fmt.Sprintf("step made no progress within the %s recovery timeout; forced to failed", s.timeout)

	for _, step := range steps {
		ok, err := s.persistence.FailStep(ctx, step.ID, message, now, models.StepStatusPending)
		if err != nil {
			return err
		}

		if ok {
			report.StalePending++
			s.logger.WarnContext(ctx, "forced stale pending step to failed",
				"experiment_id", step.ExperimentID,
				"step_id", step.ID,
				"updated_at", step.UpdatedAt,
			)
		}
	}

	return nil
}

// resolveBuilding closes building stages whose steps are all terminal, or
// whose pending steps saw no progress since the cutoff. Leftover pending
// steps are skipped and the experiment moves to building_failed when any
// step failed, awaiting_approval otherwise.
func (s *Sweeper) resolveBuilding(ctx context.Context, report *Report, now time.Time) error {
	stages, err := s.persistence.RunningStages(ctx, models.ExperimentStatusBuilding)
	if err != nil {
		return err
	}

	for _, stage := range stages {
		logger := s.logger.With("experiment_id", stage.ExperimentID)

		steps, err := s.persistence.StepsByExperiment(ctx, stage.ExperimentID)
		if err != nil {
			return err
		}

		target, ok := buildingOutcome(steps, report.Cutoff)
		if !ok {
			continue
		}

		skipped := 0

		_, err = s.machine.Transition(ctx, stage.ExperimentID, lifecycle.Request{
			To:      target,
			Reason:  "recovery: building stage finished without a completion",
			ActorID: ActorID,
			Hook: func(ctx context.Context, tx persistence.ExperimentTx, experiment *models.Experiment) error {
				if experiment.Status != models.ExperimentStatusBuilding {
					return errStageMoved
				}

				current, err := tx.Steps(ctx)
				if err != nil {
					return err
				}

				if again, ok := buildingOutcome(current, report.Cutoff); !ok || again != target {
					return errStageMoved
				}

				var leftovers []*models.ExecutionStep

				for _, step := range current {
					if step.Status == models.StepStatusPending {
						step.Status = models.StepStatusSkipped
						step.ErrorMessage = "skipped by recovery: building stage resolved"
						step.CompletedAt = &now
						step.UpdatedAt = now
						leftovers = append(leftovers, step)
					}
				}

				skipped = len(leftovers)

				if len(leftovers) == 0 {
					return nil
				}

				return tx.SaveSteps(ctx, leftovers...)
			},
		})

		switch {
		case err == nil:
			report.BuildingResolved++
			report.SkippedSteps += skipped
			logger.InfoContext(ctx, "resolved building stage", "to", target, "skipped_steps", skipped)
		case errors.Is(err, errStageMoved), lifecycle.IsInvalidTransition(err), persistence.IsExperimentNotFound(err):
			logger.InfoContext(ctx, "building stage moved on, leaving it", "reason", err.Error())
		default:
			report.Errors++
			logger.ErrorContext(ctx, "failed to resolve building stage", "error", err)
		}
	}

	return nil
}

// buildingOutcome picks the state a stalled building stage resolves to. It
// reports false while the stage may still progress.
func buildingOutcome(steps []*models.ExecutionStep, cutoff time.Time) (models.ExperimentStatus, bool) {
	if len(steps) == 0 {
		return "", false
	}

	failed := false

	for _, step := range steps {
		switch step.Status {
		case models.StepStatusRunning:
			return "", false
		case models.StepStatusPending:
			if !step.UpdatedAt.Before(cutoff) {
				return "", false
			}
		case models.StepStatusFailed:
			failed = true
		}
	}

	if failed {
		return models.ExperimentStatusBuildingFailed, true
	}

	return models.ExperimentStatusAwaitingApproval, true
}

// reconcileExecuting hands executing experiments with nothing running back to
// the engine when nothing is pending, a step failed, or a failed batch left
// completed members whose successors were never resolved.
func (s *Sweeper) reconcileExecuting(ctx context.Context, report *Report, _ time.Time) error {
	experiments, err := s.persistence.ExperimentsByStatus(ctx, models.ExperimentStatusExecuting)
	if err != nil {
		return err
	}

	for _, experiment := range experiments {
		steps, err := s.persistence.StepsByExperiment(ctx, experiment.ID)
		if err != nil {
			return err
		}

		if !needsReconcile(experiment, steps) {
			continue
		}

		if err := s.reconciler.Reconcile(ctx, experiment.ID); err != nil {
			report.Errors++
			s.logger.ErrorContext(ctx, "failed to reconcile experiment", "experiment_id", experiment.ID, "error", err)

			continue
		}

		report.Reconciled++
		s.logger.InfoContext(ctx, "reconciled executing experiment", "experiment_id", experiment.ID)
	}

	return nil
}

// needsReconcile also holds when members of a failed batch still wait for
// their successors to be resolved, even though those successors are pending.
func needsReconcile(experiment *models.Experiment, steps []*models.ExecutionStep) bool {
	if len(steps) == 0 {
		return false
	}

	pending, failed := false, false

	for _, step := range steps {
		switch step.Status {
		case models.StepStatusRunning:
			return false
		case models.StepStatusPending:
			pending = true
		case models.StepStatusFailed:
			failed = true
		}
	}

	return !pending || failed || len(experiment.Constraints.Interrupted) > 0
}
