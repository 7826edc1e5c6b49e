package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/google/uuid"
)

const workflowColumns = `
	id
  , name
  , description
  , status
  , version
  , max_loop_iterations
  , owner
  , created_at
  , updated_at
  , activated_at
  , archived_at
`

// Workflows returns every workflow, newest first.
func (p *Persistence) Workflows(ctx context.Context) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer p.closeRows(ctx, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	for _, workflow := range workflows {
		if err := p.loadGraph(ctx, workflow); err != nil {
			return nil, err
		}
	}

	return workflows, nil
}

func (p *Persistence) WorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	workflow, err := scanWorkflow(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("WorkflowByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("WorkflowByID", id, err)
	}

	if err := p.loadGraph(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

// SaveWorkflow upserts the workflow row and replaces its nodes and edges in one transaction.
func (p *Persistence) SaveWorkflow(ctx context.Context, workflow *models.Workflow) (err error) {
	now := p.now()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if workflow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate workflow ID: %w", err)
		}

		workflow.ID = id.String()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO workflows (id, name, description, status, version, max_loop_iterations,
			owner, created_at, updated_at, activated_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			max_loop_iterations = EXCLUDED.max_loop_iterations,
			owner = EXCLUDED.owner,
			updated_at = EXCLUDED.updated_at,
			activated_at = EXCLUDED.activated_at,
			archived_at = EXCLUDED.archived_at
	`

	_, err = tx.ExecContext(ctx, query,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		workflow.Status,
		workflow.Version,
		workflow.MaxLoopIterations,
		workflow.Owner,
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.ActivatedAt,
		workflow.ArchivedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, fmt.Errorf("failed to save workflow base: %w", err))
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM workflow_edges WHERE workflow_id = $1", workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing edges: %w", err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM workflow_nodes WHERE workflow_id = $1", workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing nodes: %w", err)
	}

	if err = saveNodes(ctx, tx, workflow); err != nil {
		return err
	}

	if err = saveEdges(ctx, tx, workflow); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DeleteWorkflow removes the workflow row; nodes and edges cascade.
func (p *Persistence) DeleteWorkflow(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return persistence.NewWorkflowError("DeleteWorkflow", id, fmt.Errorf("failed to delete workflow: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewWorkflowError("DeleteWorkflow", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (p *Persistence) CountWorkflowReferences(ctx context.Context, workflowID string) (int, error) {
	var count int

	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiments WHERE workflow_id = $1`, workflowID).Scan(&count)
	if err != nil {
		return 0, persistence.NewWorkflowError("CountWorkflowReferences", workflowID, err)
	}

	return count, nil
}

func scanWorkflow(row scanner) (*models.Workflow, error) {
	var workflow models.Workflow

	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Description,
		&workflow.Status,
		&workflow.Version,
		&workflow.MaxLoopIterations,
		&workflow.Owner,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&workflow.ActivatedAt,
		&workflow.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}

	return &workflow, nil
}

func (p *Persistence) loadGraph(ctx context.Context, workflow *models.Workflow) error {
	nodes, err := p.loadNodes(ctx, workflow.ID)
	if err != nil {
		return persistence.NewWorkflowError("LoadNodes", workflow.ID, err)
	}

	edges, err := p.loadEdges(ctx, workflow.ID)
	if err != nil {
		return persistence.NewWorkflowError("LoadEdges", workflow.ID, err)
	}

	workflow.Nodes = nodes
	workflow.Edges = edges

	return nil
}

func (p *Persistence) loadNodes(ctx context.Context, workflowID string) ([]*models.WorkflowNode, error) {
	query := `
		SELECT id, node_type, label, agent_ref, crew_ref, skill_ref, config, sort_order
		FROM workflow_nodes
		WHERE workflow_id = $1
		ORDER BY sort_order, id
	`

	rows, err := p.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow nodes: %w", err)
	}

	defer p.closeRows(ctx, rows)

	nodes := make([]*models.WorkflowNode, 0)

	for rows.Next() {
		var (
			node       = models.WorkflowNode{WorkflowID: workflowID}
			configJSON []byte
		)

		err := rows.Scan(
			&node.ID,
			&node.Type,
			&node.Label,
			&node.AgentRef,
			&node.CrewRef,
			&node.SkillRef,
			&configJSON,
			&node.Order,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}

		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &node.Config); err != nil {
				return nil, fmt.Errorf("failed to unmarshal node configuration: %w", err)
			}
		}

		nodes = append(nodes, &node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return nodes, nil
}

func (p *Persistence) loadEdges(ctx context.Context, workflowID string) ([]*models.WorkflowEdge, error) {
	query := `
		SELECT id, source_node_id, target_node_id, condition, label, is_default, case_value, sort_order
		FROM workflow_edges
		WHERE workflow_id = $1
		ORDER BY source_node_id, sort_order, id
	`

	rows, err := p.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow edges: %w", err)
	}

	defer p.closeRows(ctx, rows)

	edges := make([]*models.WorkflowEdge, 0)

	for rows.Next() {
		var (
			edge          = models.WorkflowEdge{WorkflowID: workflowID}
			conditionJSON []byte
		)

		err := rows.Scan(
			&edge.ID,
			&edge.SourceNodeID,
			&edge.TargetNodeID,
			&conditionJSON,
			&edge.Label,
			&edge.IsDefault,
			&edge.CaseValue,
			&edge.SortOrder,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}

		if len(conditionJSON) > 0 {
			if err := json.Unmarshal(conditionJSON, &edge.Condition); err != nil {
				return nil, fmt.Errorf("failed to unmarshal edge condition: %w", err)
			}
		}

		edges = append(edges, &edge)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}

	return edges, nil
}

func saveNodes(ctx context.Context, tx *sql.Tx, workflow *models.Workflow) error {
	query := `
		INSERT INTO workflow_nodes (workflow_id, id, node_type, label, agent_ref, crew_ref, skill_ref, config, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	for _, node := range workflow.Nodes {
		node.WorkflowID = workflow.ID

		config := node.Config
		if config == nil {
			config = map[string]any{}
		}

		configJSON, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal node configuration: %w", err)
		}

		_, err = tx.ExecContext(ctx, query,
			workflow.ID,
			node.ID,
			node.Type,
			node.Label,
			node.AgentRef,
			node.CrewRef,
			node.SkillRef,
			configJSON,
			node.Order,
		)
		if err != nil {
			return fmt.Errorf("failed to save node %s: %w", node.ID, err)
		}
	}

	return nil
}

func saveEdges(ctx context.Context, tx *sql.Tx, workflow *models.Workflow) error {
	query := `
		INSERT INTO workflow_edges (workflow_id, id, source_node_id, target_node_id, condition, label, is_default, case_value, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	for _, edge := range workflow.Edges {
		edge.WorkflowID = workflow.ID

		var condition any

		if edge.Condition != nil {
			encoded, err := json.Marshal(edge.Condition)
			if err != nil {
				return fmt.Errorf("failed to marshal edge condition: %w", err)
			}

			condition = encoded
		}

		_, err := tx.ExecContext(ctx, query,
			workflow.ID,
			edge.ID,
			edge.SourceNodeID,
			edge.TargetNodeID,
			condition,
			edge.Label,
			edge.IsDefault,
			edge.CaseValue,
			edge.SortOrder,
		)
		if err != nil {
			return fmt.Errorf("failed to save edge %s: %w", edge.ID, err)
		}
	}

	return nil
}
