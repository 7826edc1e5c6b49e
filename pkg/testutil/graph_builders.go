// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/crucible/pkg/models"
	"github.com/google/uuid"
)

// GraphBuilder assembles workflow graphs for tests. Node ids double as labels
// and edge ids are derived from their endpoints.
type GraphBuilder struct {
	nodes []*models.WorkflowNode
	edges []*models.WorkflowEdge
}

// NewGraph creates an empty graph builder.
func NewGraph() *GraphBuilder {
	return &GraphBuilder{}
}

// Node adds a node of any type.
func (b *GraphBuilder) Node(id string, nodeType models.NodeType, overrides ...func(*models.WorkflowNode)) *GraphBuilder {
	node := &models.WorkflowNode{
		ID:     id,
		Type:   nodeType,
		Label:  id,
		Config: map[string]any{},
		Order:  len(b.nodes),
	}

	for _, override := range overrides {
		override(node)
	}

	b.nodes = append(b.nodes, node)

	return b
}

func (b *GraphBuilder) Start(id string) *GraphBuilder {
	return b.Node(id, models.NodeTypeStart)
}

func (b *GraphBuilder) End(id string) *GraphBuilder {
	return b.Node(id, models.NodeTypeEnd)
}

// Agent adds an agent node referencing "agent-<id>".
func (b *GraphBuilder) Agent(id string) *GraphBuilder {
	ref := "agent-" + id

	return b.Node(id, models.NodeTypeAgent, func(n *models.WorkflowNode) { n.AgentRef = &ref })
}

// Crew adds a crew node referencing "crew-<id>".
func (b *GraphBuilder) Crew(id string) *GraphBuilder {
	ref := "crew-" + id

	return b.Node(id, models.NodeTypeCrew, func(n *models.WorkflowNode) { n.CrewRef = &ref })
}

func (b *GraphBuilder) Conditional(id string) *GraphBuilder {
	return b.Node(id, models.NodeTypeConditional)
}

func (b *GraphBuilder) Switch(id, expression string) *GraphBuilder {
	return b.Node(id, models.NodeTypeSwitch, WithConfig(models.ConfigExpression, expression))
}

func (b *GraphBuilder) DoWhile(id string, breakCondition map[string]any) *GraphBuilder {
	return b.Node(id, models.NodeTypeDoWhile, WithConfig(models.ConfigBreakCondition, breakCondition))
}

func (b *GraphBuilder) HumanTask(id string) *GraphBuilder {
	return b.Node(id, models.NodeTypeHumanTask, WithConfig(models.ConfigFormSchema, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"approved": map[string]any{"type": "boolean"},
		},
	}))
}

func (b *GraphBuilder) DynamicFork(id string) *GraphBuilder {
	return b.Node(id, models.NodeTypeDynamicFork, WithConfig(models.ConfigForkSource, "items"))
}

// Edge connects two nodes. Sort order defaults to the number of edges already
// leaving from.
func (b *GraphBuilder) Edge(from, to string, overrides ...func(*models.WorkflowEdge)) *GraphBuilder {
	sortOrder := 0

	for _, existing := range b.edges {
		if existing.SourceNodeID == from {
			sortOrder++
		}
	}

	edge := &models.WorkflowEdge{
		ID:           from + "->" + to,
		SourceNodeID: from,
		TargetNodeID: to,
		SortOrder:    sortOrder,
	}

	for _, override := range overrides {
		override(edge)
	}

	b.edges = append(b.edges, edge)

	return b
}

// Chain connects every consecutive pair of ids.
func (b *GraphBuilder) Chain(ids ...string) *GraphBuilder {
	for i := 1; i < len(ids); i++ {
		b.Edge(ids[i-1], ids[i])
	}

	return b
}

// Build returns the assembled node and edge sets.
func (b *GraphBuilder) Build() ([]*models.WorkflowNode, []*models.WorkflowEdge) {
	return b.nodes, b.edges
}

// Workflow wraps the graph in an active workflow.
func (b *GraphBuilder) Workflow(overrides ...func(*models.Workflow)) *models.Workflow {
	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:                uuid.New().String(),
		Name:              "Test Workflow",
		Description:       "A workflow for testing",
		Status:            models.WorkflowStatusActive,
		Version:           1,
		MaxLoopIterations: models.DefaultMaxLoopIterations,
		Nodes:             b.nodes,
		Edges:             b.edges,
		Owner:             "test-user",
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// Snapshot freezes the graph with the given loop bound.
func (b *GraphBuilder) Snapshot(maxLoopIterations int) *models.GraphSnapshot {
	return b.Workflow(func(w *models.Workflow) { w.MaxLoopIterations = maxLoopIterations }).Snapshot(time.Now().UTC())
}

// WithConfig sets one config value on a node.
func WithConfig(key string, value any) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.Config[key] = value
	}
}

// When attaches a condition to an edge.
func When(condition *models.Condition) func(*models.WorkflowEdge) {
	return func(e *models.WorkflowEdge) {
		e.Condition = condition
	}
}

// Default marks an edge as the fallback path.
func Default() func(*models.WorkflowEdge) {
	return func(e *models.WorkflowEdge) {
		e.IsDefault = true
	}
}

// Case sets the switch case value of an edge.
func Case(value string) func(*models.WorkflowEdge) {
	return func(e *models.WorkflowEdge) {
		e.CaseValue = &value
	}
}

// SortOrder overrides the edge's sort order.
func SortOrder(order int) func(*models.WorkflowEdge) {
	return func(e *models.WorkflowEdge) {
		e.SortOrder = order
	}
}

// Leaf builds a leaf condition.
func Leaf(field string, operator models.Operator, value any) *models.Condition {
	return &models.Condition{Field: field, Operator: operator, Value: value}
}
