package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/lib/pq"
)

const experimentColumns = `
	id
  , title
  , status
  , paused_from_status
  , workflow_id
  , constraints
  , data
  , iteration
  , max_iterations
  , budget_cap
  , budget_spent
  , owner
  , created_at
  , updated_at
  , started_at
  , completed_at
`

func (p *Persistence) SaveExperiment(ctx context.Context, experiment *models.Experiment) error {
	return upsertExperiment(ctx, p.db, experiment, p.now())
}

func (p *Persistence) ExperimentByID(ctx context.Context, id string) (*models.Experiment, error) {
	return selectExperiment(ctx, p.db, id, false)
}

func (p *Persistence) ExperimentsByStatus(ctx context.Context, statuses ...models.ExperimentStatus) ([]*models.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments`
	args := []any{}

	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`

		args = append(args, pq.Array(statusStrings(statuses)))
	}

	query += ` ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiments: %w", err)
	}

	defer p.closeRows(ctx, rows)

	experiments := make([]*models.Experiment, 0)

	for rows.Next() {
		experiment, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}

		experiments = append(experiments, experiment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating experiments: %w", err)
	}

	return experiments, nil
}

// WithExperimentLock runs fn inside a transaction holding SELECT ... FOR UPDATE
// on the experiment row. Concurrent callers for the same experiment serialize.
func (p *Persistence) WithExperimentLock(ctx context.Context, id string, fn func(ctx context.Context, tx persistence.ExperimentTx) error) (err error) {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	experiment, err := selectExperiment(ctx, sqlTx, id, true)
	if err != nil {
		return err
	}

	if err = fn(ctx, &pgTx{tx: sqlTx, experiment: experiment, now: p.now}); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return persistence.NewExperimentError("Commit", id, err)
	}

	return nil
}

func (p *Persistence) TransitionsByExperiment(ctx context.Context, experimentID string) ([]*models.ExperimentStateTransition, error) {
	query := `
		SELECT id, experiment_id, from_state, to_state, reason, actor_id, metadata, created_at
		FROM experiment_state_transitions
		WHERE experiment_id = $1
		ORDER BY created_at, id
	`

	rows, err := p.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, persistence.NewExperimentError("TransitionsByExperiment", experimentID, err)
	}

	defer p.closeRows(ctx, rows)

	transitions := make([]*models.ExperimentStateTransition, 0)

	for rows.Next() {
		var (
			transition   models.ExperimentStateTransition
			metadataJSON []byte
		)

		err := rows.Scan(
			&transition.ID,
			&transition.ExperimentID,
			&transition.FromState,
			&transition.ToState,
			&transition.Reason,
			&transition.ActorID,
			&metadataJSON,
			&transition.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &transition.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal transition metadata: %w", err)
			}
		}

		transitions = append(transitions, &transition)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return transitions, nil
}

func (p *Persistence) StagesByExperiment(ctx context.Context, experimentID string) ([]*models.ExperimentStage, error) {
	return p.queryStages(ctx, `WHERE experiment_id = $1`, experimentID)
}

func (p *Persistence) RunningStages(ctx context.Context, stage models.ExperimentStatus) ([]*models.ExperimentStage, error) {
	return p.queryStages(ctx, `WHERE stage = $1 AND status = 'running'`, stage)
}

func (p *Persistence) queryStages(ctx context.Context, where string, arg any) ([]*models.ExperimentStage, error) {
	query := `
		SELECT id, experiment_id, stage, status, iteration, started_at, completed_at
		FROM experiment_stages ` + where + `
		ORDER BY started_at, id
	`

	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}

	defer p.closeRows(ctx, rows)

	stages := make([]*models.ExperimentStage, 0)

	for rows.Next() {
		var stage models.ExperimentStage

		err := rows.Scan(
			&stage.ID,
			&stage.ExperimentID,
			&stage.Stage,
			&stage.Status,
			&stage.Iteration,
			&stage.StartedAt,
			&stage.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}

		stages = append(stages, &stage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stages: %w", err)
	}

	return stages, nil
}

// pgTx is the ExperimentTx backed by an open transaction.
type pgTx struct {
	tx         *sql.Tx
	experiment *models.Experiment
	now        func() time.Time
}

func (t *pgTx) Experiment() *models.Experiment {
	return t.experiment
}

func (t *pgTx) SaveExperiment(ctx context.Context, experiment *models.Experiment) error {
	if err := upsertExperiment(ctx, t.tx, experiment, t.now()); err != nil {
		return err
	}

	t.experiment = experiment

	return nil
}

func (t *pgTx) Steps(ctx context.Context) ([]*models.ExecutionStep, error) {
	return selectSteps(ctx, t.tx, `WHERE experiment_id = $1 ORDER BY step_order, id`, t.experiment.ID)
}

func (t *pgTx) SaveSteps(ctx context.Context, steps ...*models.ExecutionStep) error {
	now := t.now()

	for _, step := range steps {
		step.ExperimentID = t.experiment.ID

		if err := upsertStep(ctx, t.tx, step, now); err != nil {
			return err
		}
	}

	return nil
}

func (t *pgTx) AppendTransition(ctx context.Context, transition *models.ExperimentStateTransition) error {
	var metadata any

	if transition.Metadata != nil {
		encoded, err := json.Marshal(transition.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal transition metadata: %w", err)
		}

		metadata = encoded
	}

	query := `
		INSERT INTO experiment_state_transitions (id, experiment_id, from_state, to_state, reason, actor_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := t.tx.ExecContext(ctx, query,
		transition.ID,
		transition.ExperimentID,
		transition.FromState,
		transition.ToState,
		transition.Reason,
		transition.ActorID,
		metadata,
		transition.CreatedAt,
	)
	if err != nil {
		return persistence.NewExperimentError("AppendTransition", transition.ExperimentID, err)
	}

	return nil
}

func (t *pgTx) OpenStage(ctx context.Context, stage *models.ExperimentStage) error {
	query := `
		INSERT INTO experiment_stages (id, experiment_id, stage, status, iteration, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := t.tx.ExecContext(ctx, query,
		stage.ID,
		stage.ExperimentID,
		stage.Stage,
		stage.Status,
		stage.Iteration,
		stage.StartedAt,
		stage.CompletedAt,
	)
	if err != nil {
		return persistence.NewExperimentError("OpenStage", stage.ExperimentID, err)
	}

	return nil
}

func (t *pgTx) CloseStage(ctx context.Context, stage models.ExperimentStatus, status models.StageStatus, at time.Time) error {
	query := `
		UPDATE experiment_stages SET status = $3, completed_at = $4
		WHERE experiment_id = $1 AND stage = $2 AND status = 'running'
	`

	_, err := t.tx.ExecContext(ctx, query, t.experiment.ID, stage, status, at)
	if err != nil {
		return persistence.NewExperimentError("CloseStage", t.experiment.ID, err)
	}

	return nil
}

func selectExperiment(ctx context.Context, q querier, id string, forUpdate bool) (*models.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	experiment, err := scanExperiment(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExperimentError("ExperimentByID", id, persistence.ErrExperimentNotFound)
		}

		return nil, persistence.NewExperimentError("ExperimentByID", id, err)
	}

	return experiment, nil
}

func scanExperiment(row scanner) (*models.Experiment, error) {
	var (
		experiment      models.Experiment
		constraintsJSON []byte
		dataJSON        []byte
	)

	err := row.Scan(
		&experiment.ID,
		&experiment.Title,
		&experiment.Status,
		&experiment.PausedFromStatus,
		&experiment.WorkflowID,
		&constraintsJSON,
		&dataJSON,
		&experiment.Iteration,
		&experiment.MaxIterations,
		&experiment.BudgetCap,
		&experiment.BudgetSpent,
		&experiment.Owner,
		&experiment.CreatedAt,
		&experiment.UpdatedAt,
		&experiment.StartedAt,
		&experiment.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(constraintsJSON) > 0 {
		if err := json.Unmarshal(constraintsJSON, &experiment.Constraints); err != nil {
			return nil, fmt.Errorf("failed to unmarshal constraints: %w", err)
		}
	}

	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &experiment.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal experiment data: %w", err)
		}
	}

	return &experiment, nil
}

func upsertExperiment(ctx context.Context, q querier, experiment *models.Experiment, now time.Time) error {
	if experiment.CreatedAt.IsZero() {
		experiment.CreatedAt = now
	}

	experiment.UpdatedAt = now

	constraintsJSON, err := json.Marshal(experiment.Constraints)
	if err != nil {
		return fmt.Errorf("failed to marshal constraints: %w", err)
	}

	var data any

	if experiment.Data != nil {
		encoded, err := json.Marshal(experiment.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal experiment data: %w", err)
		}

		data = encoded
	}

	query := `
		INSERT INTO experiments (` + experimentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			paused_from_status = EXCLUDED.paused_from_status,
			workflow_id = EXCLUDED.workflow_id,
			constraints = EXCLUDED.constraints,
			data = EXCLUDED.data,
			iteration = EXCLUDED.iteration,
			max_iterations = EXCLUDED.max_iterations,
			budget_cap = EXCLUDED.budget_cap,
			budget_spent = EXCLUDED.budget_spent,
			owner = EXCLUDED.owner,
			updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = q.ExecContext(ctx, query,
		experiment.ID,
		experiment.Title,
		experiment.Status,
		experiment.PausedFromStatus,
		experiment.WorkflowID,
		constraintsJSON,
		data,
		experiment.Iteration,
		experiment.MaxIterations,
		experiment.BudgetCap,
		experiment.BudgetSpent,
		experiment.Owner,
		experiment.CreatedAt,
		experiment.UpdatedAt,
		experiment.StartedAt,
		experiment.CompletedAt,
	)
	if err != nil {
		return persistence.NewExperimentError("SaveExperiment", experiment.ID, err)
	}

	return nil
}

func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}

	return out
}
