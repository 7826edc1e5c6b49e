// Package lifecycle moves experiments through their state machine.
//
// Every transition runs under the experiment row lock: the current state is
// re-read, the (from, to) pair is checked against the transition table, the
// target's prerequisites are checked, and the state, timestamps, stage
// records and audit row are written in one unit of work. The transition event
// is published only after that unit commits.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dukex/crucible/pkg/eventbus"
	"github.com/dukex/crucible/pkg/events"
	"github.com/dukex/crucible/pkg/metrics"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/otelhelper"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Hook runs inside the transition's unit of work, after validation and before
// the new state is written. Returning an error aborts the transition.
type Hook func(ctx context.Context, tx persistence.ExperimentTx, experiment *models.Experiment) error

// Request describes one transition.
type Request struct {
	To       models.ExperimentStatus
	Reason   string
	ActorID  string
	Metadata map[string]any
	// Resume makes the target the state the experiment was paused from. To is ignored.
	Resume bool
	Hook   Hook
}

type Machine struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Machine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(machine *Machine) { machine.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) { machine.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(machine *Machine) { machine.now = now }
}

// NewMachine builds a state machine. publisher may be nil, in which case no
// transition events are published.
func NewMachine(p persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger, opts ...Option) *Machine {
	m := &Machine{
		persistence: p,
		publisher:   publisher,
		tracer:      otelhelper.Noop(),
		logger:      logger.With("module", "lifecycle"),
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Transition moves the experiment and returns its new state.
func (m *Machine) Transition(ctx context.Context, experimentID string, req Request) (*models.Experiment, error) {
	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "lifecycle.transition",
		attribute.String(otelhelper.ExperimentIDKey, experimentID),
		attribute.String(otelhelper.ToStateKey, string(req.To)),
	)
	defer span.End()

	var (
		record     *models.ExperimentStateTransition
		experiment *models.Experiment
	)

	err := m.persistence.WithExperimentLock(ctx, experimentID, func(ctx context.Context, tx persistence.ExperimentTx) error {
		var err error

		record, err = m.Apply(ctx, tx, req)
		experiment = tx.Experiment()

		return err
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	m.Announce(ctx, record)

	return experiment, nil
}

// Apply performs a transition inside a unit of work the caller already holds.
// The caller must Announce the returned record once the unit commits.
func (m *Machine) Apply(ctx context.Context, tx persistence.ExperimentTx, req Request) (*models.ExperimentStateTransition, error) {
	experiment := tx.Experiment()
	from := experiment.Status
	to := req.To

	if req.Resume {
		if from != models.ExperimentStatusPaused {
			return nil, &TransitionError{From: from, To: "resume"}
		}

		if experiment.PausedFromStatus == nil {
			return nil, &PrerequisiteError{To: from, Reason: "paused experiment has no state to resume to"}
		}

		to = *experiment.PausedFromStatus
	}

	if !from.CanTransition(to, experiment.PausedFromStatus) {
		return nil, &TransitionError{From: from, To: to}
	}

	if err := checkPrerequisites(ctx, tx, experiment, to); err != nil {
		return nil, err
	}

	if req.Hook != nil {
		if err := req.Hook(ctx, tx, experiment); err != nil {
			return nil, err
		}
	}

	now := m.now()
	pausedFrom := experiment.PausedFromStatus

	switch {
	case to == models.ExperimentStatusPaused:
		origin := from
		experiment.PausedFromStatus = &origin
	case from == models.ExperimentStatusPaused:
		experiment.PausedFromStatus = nil
	}

	if to == models.ExperimentStatusIterating && from != models.ExperimentStatusPaused {
		experiment.Iteration++
	}

	if to.IsWorkingState() && experiment.StartedAt == nil {
		experiment.StartedAt = &now
	}

	if to.IsTerminal() {
		experiment.CompletedAt = &now
	}

	experiment.Status = to
	experiment.UpdatedAt = now

	if err := tx.SaveExperiment(ctx, experiment); err != nil {
		return nil, fmt.Errorf("save experiment: %w", err)
	}

	if err := m.recordStages(ctx, tx, experiment, from, to, pausedFrom, now); err != nil {
		return nil, err
	}

	record := &models.ExperimentStateTransition{
		ID:           uuid.NewString(),
		ExperimentID: experiment.ID,
		FromState:    from,
		ToState:      to,
		Reason:       req.Reason,
		ActorID:      req.ActorID,
		Metadata:     maps.Clone(req.Metadata),
		CreatedAt:    now,
	}

	if err := tx.AppendTransition(ctx, record); err != nil {
		return nil, fmt.Errorf("append transition: %w", err)
	}

	return record, nil
}

// recordStages keeps one running stage record per working state. Pausing and
// resuming leave the stage open.
func (m *Machine) recordStages(
	ctx context.Context,
	tx persistence.ExperimentTx,
	experiment *models.Experiment,
	from, to models.ExperimentStatus,
	pausedFrom *models.ExperimentStatus,
	now time.Time,
) error {
	if to == models.ExperimentStatusPaused {
		return nil
	}

	if from == models.ExperimentStatusPaused {
		if to != models.ExperimentStatusKilled || pausedFrom == nil {
			return nil
		}

		return tx.CloseStage(ctx, *pausedFrom, models.StageExitStatus(to), now)
	}

	if from.IsWorkingState() {
		if err := tx.CloseStage(ctx, from, models.StageExitStatus(to), now); err != nil {
			return fmt.Errorf("close %s stage: %w", from, err)
		}
	}

	if !to.IsWorkingState() {
		return nil
	}

	err := tx.OpenStage(ctx, &models.ExperimentStage{
		ID:           uuid.NewString(),
		ExperimentID: experiment.ID,
		Stage:        to,
		Status:       models.StageStatusRunning,
		Iteration:    experiment.Iteration,
		StartedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("open %s stage: %w", to, err)
	}

	return nil
}

// Announce logs, counts and publishes a committed transition. Publishing is
// best effort: the transition already happened.
func (m *Machine) Announce(ctx context.Context, record *models.ExperimentStateTransition) {
	if record == nil {
		return
	}

	m.logger.InfoContext(ctx, "experiment transitioned",
		"experiment_id", record.ExperimentID,
		"from", record.FromState,
		"to", record.ToState,
		"reason", record.Reason,
		"actor_id", record.ActorID,
	)

	m.metrics.RecordTransition(string(record.FromState), string(record.ToState))

	if m.publisher == nil {
		return
	}

	event := events.ExperimentTransitioned{
		BaseEvent: events.NewBaseEvent(events.ExperimentTransitionedEvent, record.ExperimentID),
		FromState: record.FromState,
		ToState:   record.ToState,
		Reason:    record.Reason,
		ActorID:   record.ActorID,
	}
	maps.Copy(event.Metadata, record.Metadata)

	if err := m.publisher.Publish(ctx, record.ExperimentID, event); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish transition event",
			"experiment_id", record.ExperimentID,
			"to", record.ToState,
			"error", err,
		)
	}
}

func (m *Machine) Pause(ctx context.Context, experimentID, actorID, reason string) (*models.Experiment, error) {
	return m.Transition(ctx, experimentID, Request{To: models.ExperimentStatusPaused, ActorID: actorID, Reason: reason})
}

func (m *Machine) Resume(ctx context.Context, experimentID, actorID, reason string) (*models.Experiment, error) {
	return m.Transition(ctx, experimentID, Request{Resume: true, ActorID: actorID, Reason: reason})
}

func (m *Machine) Kill(ctx context.Context, experimentID, actorID, reason string) (*models.Experiment, error) {
	return m.Transition(ctx, experimentID, Request{To: models.ExperimentStatusKilled, ActorID: actorID, Reason: reason})
}
