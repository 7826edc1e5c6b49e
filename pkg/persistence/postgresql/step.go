package postgresql

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/lib/pq"
)

const stepColumns = `
	id
  , experiment_id
  , workflow_node_id
  , node_type
  , agent_ref
  , crew_ref
  , skill_ref
  , step_order
  , execution_mode
  , group_id
  , status
  , input
  , output
  , error_message
  , loop_count
  , cost
  , duration_ms
  , started_at
  , completed_at
  , created_at
  , updated_at
`

func (p *Persistence) StepsByExperiment(ctx context.Context, experimentID string) ([]*models.ExecutionStep, error) {
	return selectSteps(ctx, p.db, `WHERE experiment_id = $1 ORDER BY step_order, id`, experimentID)
}

func (p *Persistence) StepByID(ctx context.Context, id string) (*models.ExecutionStep, error) {
	steps, err := selectSteps(ctx, p.db, `WHERE id = $1`, id)
	if err != nil {
		return nil, persistence.NewStepError("StepByID", id, err)
	}

	if len(steps) == 0 {
		return nil, persistence.NewStepError("StepByID", id, persistence.ErrStepNotFound)
	}

	return steps[0], nil
}

// CompleteStep is guarded on status = 'running' so a late result never
// overwrites a step the recovery sweep already failed.
func (p *Persistence) CompleteStep(ctx context.Context, id string, result *models.StepResult, at time.Time) (bool, error) {
	output, err := nullableJSON(result.Output)
	if err != nil {
		return false, persistence.NewStepError("CompleteStep", id, err)
	}

	query := `
		UPDATE execution_steps
		SET status = 'completed', output = $2, cost = $3, duration_ms = $4,
			error_message = '', completed_at = $5, updated_at = $5
		WHERE id = $1 AND status = 'running'
	`

	return p.guardedUpdate(ctx, "CompleteStep", id, query, id, output, result.CostCredits, result.DurationMs, at)
}

func (p *Persistence) ReleaseStep(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE execution_steps
		SET status = 'pending', started_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'running'
	`

	return p.guardedUpdate(ctx, "ReleaseStep", id, query, id, at)
}

func (p *Persistence) FailStep(ctx context.Context, id, message string, at time.Time, from ...models.StepStatus) (bool, error) {
	query := `
		UPDATE execution_steps
		SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
	`

	return p.guardedUpdate(ctx, "FailStep", id, query, id, message, at, pq.Array(statusStrings(from)))
}

func (p *Persistence) guardedUpdate(ctx context.Context, op, id, query string, args ...any) (bool, error) {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, persistence.NewStepError(op, id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		return true, nil
	}

	var exists bool

	err = p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM execution_steps WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, persistence.NewStepError(op, id, err)
	}

	if !exists {
		return false, persistence.NewStepError(op, id, persistence.ErrStepNotFound)
	}

	return false, nil
}

func (p *Persistence) StaleRunningSteps(ctx context.Context, cutoff time.Time) ([]*models.ExecutionStep, error) {
	return selectSteps(ctx, p.db, `WHERE status = 'running' AND started_at < $1 ORDER BY experiment_id, step_order`, cutoff)
}

func (p *Persistence) StalePendingSteps(ctx context.Context, cutoff time.Time) ([]*models.ExecutionStep, error) {
	where := `
		WHERE status = 'pending'
		  AND experiment_id IN (
			SELECT e.id FROM experiments e
			WHERE e.status IN ('building', 'executing')
			  AND NOT EXISTS (
				SELECT 1 FROM execution_steps o
				WHERE o.experiment_id = e.id
				  AND (o.status = 'running' OR o.updated_at >= $1)
			  )
		  )
		ORDER BY experiment_id, step_order
	`

	return selectSteps(ctx, p.db, where, cutoff)
}

func selectSteps(ctx context.Context, q querier, where string, args ...any) ([]*models.ExecutionStep, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stepColumns+` FROM execution_steps `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution steps: %w", err)
	}

	defer func() { _ = rows.Close() }()

	steps := make([]*models.ExecutionStep, 0)

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution step: %w", err)
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution steps: %w", err)
	}

	return steps, nil
}

func scanStep(row scanner) (*models.ExecutionStep, error) {
	var (
		step       models.ExecutionStep
		inputJSON  []byte
		outputJSON []byte
	)

	err := row.Scan(
		&step.ID,
		&step.ExperimentID,
		&step.WorkflowNodeID,
		&step.NodeType,
		&step.AgentRef,
		&step.CrewRef,
		&step.SkillRef,
		&step.Order,
		&step.ExecutionMode,
		&step.GroupID,
		&step.Status,
		&inputJSON,
		&outputJSON,
		&step.ErrorMessage,
		&step.LoopCount,
		&step.Cost,
		&step.DurationMs,
		&step.StartedAt,
		&step.CompletedAt,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &step.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step input: %w", err)
		}
	}

	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &step.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step output: %w", err)
		}
	}

	return &step, nil
}

func upsertStep(ctx context.Context, q querier, step *models.ExecutionStep, now time.Time) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}

	step.UpdatedAt = now

	input, err := nullableJSON(step.Input)
	if err != nil {
		return persistence.NewStepError("SaveSteps", step.ID, err)
	}

	output, err := nullableJSON(step.Output)
	if err != nil {
		return persistence.NewStepError("SaveSteps", step.ID, err)
	}

	query := `
		INSERT INTO execution_steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO UPDATE SET
			workflow_node_id = EXCLUDED.workflow_node_id,
			node_type = EXCLUDED.node_type,
			agent_ref = EXCLUDED.agent_ref,
			crew_ref = EXCLUDED.crew_ref,
			skill_ref = EXCLUDED.skill_ref,
			step_order = EXCLUDED.step_order,
			execution_mode = EXCLUDED.execution_mode,
			group_id = EXCLUDED.group_id,
			status = EXCLUDED.status,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			error_message = EXCLUDED.error_message,
			loop_count = EXCLUDED.loop_count,
			cost = EXCLUDED.cost,
			duration_ms = EXCLUDED.duration_ms,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err = q.ExecContext(ctx, query,
		step.ID,
		step.ExperimentID,
		step.WorkflowNodeID,
		step.NodeType,
		step.AgentRef,
		step.CrewRef,
		step.SkillRef,
		step.Order,
		step.ExecutionMode,
		step.GroupID,
		step.Status,
		input,
		output,
		step.ErrorMessage,
		step.LoopCount,
		step.Cost,
		step.DurationMs,
		step.StartedAt,
		step.CompletedAt,
		step.CreatedAt,
		step.UpdatedAt,
	)
	if err != nil {
		return persistence.NewStepError("SaveSteps", step.ID, err)
	}

	return nil
}

// nullableJSON encodes v, mapping Go nil to SQL NULL.
func nullableJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	if m, ok := v.(map[string]any); ok && m == nil {
		return nil, nil
	}

	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}

	return encoded, nil
}
