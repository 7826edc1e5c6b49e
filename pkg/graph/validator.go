package graph

import (
	"fmt"
	"strings"

	"github.com/dukex/crucible/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// ErrorCode identifies one structural rule a graph violates.
type ErrorCode string

const (
	CodeMissingStart          ErrorCode = "missing_start"
	CodeMultipleStarts        ErrorCode = "multiple_starts"
	CodeMissingEnd            ErrorCode = "missing_end"
	CodeDuplicateNode         ErrorCode = "duplicate_node"
	CodeUnknownType           ErrorCode = "unknown_type"
	CodeDanglingEdge          ErrorCode = "dangling_edge"
	CodeNoIncoming            ErrorCode = "no_incoming"
	CodeNoOutgoing            ErrorCode = "no_outgoing"
	CodeUnreachable           ErrorCode = "unreachable"
	CodeConditionalBranches   ErrorCode = "conditional_branches"
	CodeMissingDefault        ErrorCode = "missing_default"
	CodeMultipleDefaults      ErrorCode = "multiple_defaults"
	CodeMissingExpression     ErrorCode = "missing_expression"
	CodeMissingCaseValue      ErrorCode = "missing_case_value"
	CodeForkOutgoing          ErrorCode = "fork_outgoing"
	CodeMissingForkSource     ErrorCode = "missing_fork_source"
	CodeDoWhileBranches       ErrorCode = "do_while_branches"
	CodeMissingBreakCondition ErrorCode = "missing_break_condition"
	CodeMissingFormSchema     ErrorCode = "missing_form_schema"
	CodeInvalidFormSchema     ErrorCode = "invalid_form_schema"
	CodeMissingAgent          ErrorCode = "missing_agent"
	CodeMissingCrew           ErrorCode = "missing_crew"
	CodeCycleWithoutExit      ErrorCode = "cycle_without_exit"
)

// ValidationError describes one structural problem. It is a value, never a
// runtime failure: a graph with errors simply cannot be activated.
type ValidationError struct {
	Code    ErrorCode `json:"code"`
	NodeID  string    `json:"node_id,omitempty"`
	EdgeID  string    `json:"edge_id,omitempty"`
	Message string    `json:"message"`
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidateWorkflow validates the workflow's current node and edge set.
func ValidateWorkflow(workflow *models.Workflow) []ValidationError {
	return Validate(workflow.Nodes, workflow.Edges)
}

// Validate checks every structural rule and returns the violations in a
// deterministic order. An empty result means the graph may be activated.
func Validate(nodes []*models.WorkflowNode, edges []*models.WorkflowEdge) []ValidationError {
	v := &validator{graph: New(nodes, edges)}

	v.checkBoundaries(nodes)
	v.checkEdges()

	for _, node := range v.graph.Nodes() {
		v.checkNode(node)
	}

	v.checkReachability()
	v.checkCycles()

	return v.errors
}

type validator struct {
	graph  *Graph
	errors []ValidationError
}

func (v *validator) add(code ErrorCode, nodeID, edgeID, format string, args ...any) {
	v.errors = append(v.errors, ValidationError{
		Code:    code,
		NodeID:  nodeID,
		EdgeID:  edgeID,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *validator) checkBoundaries(nodes []*models.WorkflowNode) {
	seen := make(map[string]bool, len(nodes))
	starts, ends := 0, 0

	for _, node := range nodes {
		if seen[node.ID] {
			v.add(CodeDuplicateNode, node.ID, "", "node %q is declared more than once", node.ID)

			continue
		}

		seen[node.ID] = true

		switch node.Type {
		case models.NodeTypeStart:
			starts++
		case models.NodeTypeEnd:
			ends++
		}
	}

	switch {
	case starts == 0:
		v.add(CodeMissingStart, "", "", "workflow must have exactly one start node")
	case starts > 1:
		v.add(CodeMultipleStarts, "", "", "workflow has %d start nodes, expected exactly one", starts)
	}

	if ends == 0 {
		v.add(CodeMissingEnd, "", "", "workflow must have at least one end node")
	}
}

func (v *validator) checkEdges() {
	for _, edge := range v.graph.Edges() {
		if _, ok := v.graph.Node(edge.SourceNodeID); !ok {
			v.add(CodeDanglingEdge, "", edge.ID, "edge source %q does not exist", edge.SourceNodeID)
		}

		if _, ok := v.graph.Node(edge.TargetNodeID); !ok {
			v.add(CodeDanglingEdge, "", edge.ID, "edge target %q does not exist", edge.TargetNodeID)
		}
	}
}

func (v *validator) checkNode(node *models.WorkflowNode) {
	if !node.Type.IsValid() {
		v.add(CodeUnknownType, node.ID, "", "node %q has unknown type %q", node.ID, node.Type)

		return
	}

	outgoing := v.graph.Outgoing(node.ID)

	if node.Type != models.NodeTypeStart && len(v.graph.Incoming(node.ID)) == 0 {
		v.add(CodeNoIncoming, node.ID, "", "node %q has no incoming edge", label(node))
	}

	if node.Type != models.NodeTypeEnd && len(outgoing) == 0 {
		v.add(CodeNoOutgoing, node.ID, "", "node %q has no outgoing edge", label(node))
	}

	switch node.Type {
	case models.NodeTypeConditional:
		v.checkBranching(node, outgoing)
	case models.NodeTypeSwitch:
		v.checkBranching(node, outgoing)

		if _, ok := node.ConfigString(models.ConfigExpression); !ok {
			v.add(CodeMissingExpression, node.ID, "", "switch %q requires an expression", label(node))
		}

		for _, edge := range outgoing {
			if !edge.IsDefault && (edge.CaseValue == nil || *edge.CaseValue == "") {
				v.add(CodeMissingCaseValue, node.ID, edge.ID, "switch %q edge %q requires a case value", label(node), edge.ID)
			}
		}
	case models.NodeTypeDynamicFork:
		if len(outgoing) != 1 {
			v.add(CodeForkOutgoing, node.ID, "", "dynamic fork %q must have exactly one outgoing edge, has %d", label(node), len(outgoing))
		}

		if !node.HasConfig(models.ConfigForkSource) {
			v.add(CodeMissingForkSource, node.ID, "", "dynamic fork %q requires a fork_source", label(node))
		}
	case models.NodeTypeDoWhile:
		if len(outgoing) < 2 {
			v.add(CodeDoWhileBranches, node.ID, "", "do-while %q needs at least two outgoing edges, has %d", label(node), len(outgoing))
		}

		if !node.HasConfig(models.ConfigBreakCondition) {
			v.add(CodeMissingBreakCondition, node.ID, "", "do-while %q requires a break_condition", label(node))
		}
	case models.NodeTypeHumanTask:
		v.checkFormSchema(node)
	case models.NodeTypeAgent:
		if node.AgentRef == nil || *node.AgentRef == "" {
			v.add(CodeMissingAgent, node.ID, "", "agent node %q requires an agent reference", label(node))
		}
	case models.NodeTypeCrew:
		if node.CrewRef == nil || *node.CrewRef == "" {
			v.add(CodeMissingCrew, node.ID, "", "crew node %q requires a crew reference", label(node))
		}
	case models.NodeTypeStart, models.NodeTypeEnd:
	}
}

func (v *validator) checkBranching(node *models.WorkflowNode, outgoing []*models.WorkflowEdge) {
	if len(outgoing) < 2 {
		v.add(CodeConditionalBranches, node.ID, "", "%s %q needs at least two outgoing edges, has %d", node.Type, label(node), len(outgoing))
	}

	defaults := 0

	for _, edge := range outgoing {
		if edge.IsDefault {
			defaults++
		}
	}

	switch {
	case defaults == 0:
		v.add(CodeMissingDefault, node.ID, "", "%s %q requires exactly one default edge", node.Type, label(node))
	case defaults > 1:
		v.add(CodeMultipleDefaults, node.ID, "", "%s %q has %d default edges, expected one", node.Type, label(node), defaults)
	}
}

func (v *validator) checkFormSchema(node *models.WorkflowNode) {
	raw, ok := node.Config[models.ConfigFormSchema]
	if !ok || raw == nil {
		v.add(CodeMissingFormSchema, node.ID, "", "human task %q requires a form_schema", label(node))

		return
	}

	var loader gojsonschema.JSONLoader

	if text, isString := raw.(string); isString {
		if strings.TrimSpace(text) == "" {
			v.add(CodeMissingFormSchema, node.ID, "", "human task %q requires a form_schema", label(node))

			return
		}

		loader = gojsonschema.NewStringLoader(text)
	} else {
		loader = gojsonschema.NewGoLoader(raw)
	}

	if _, err := gojsonschema.NewSchema(loader); err != nil {
		v.add(CodeInvalidFormSchema, node.ID, "", "human task %q form_schema is not a valid JSON schema: %v", label(node), err)
	}
}

func (v *validator) checkReachability() {
	start := v.graph.Start()
	if start == nil {
		return
	}

	reachable := v.graph.Reachable(start.ID)

	for _, node := range v.graph.Nodes() {
		if !reachable[node.ID] {
			v.add(CodeUnreachable, node.ID, "", "node %q is not reachable from start", label(node))
		}
	}
}

func (v *validator) checkCycles() {
	reported := make(map[string]bool)

	for _, cycle := range v.graph.Cycles() {
		if v.graph.HasExit(cycle) {
			continue
		}

		key := strings.Join(cycle.Nodes, ",")
		if reported[key] {
			continue
		}

		reported[key] = true
		v.add(CodeCycleWithoutExit, cycle.BackEdge.TargetNodeID, cycle.BackEdge.ID,
			"cycle through %s has no edge leaving it", strings.Join(cycle.Nodes, " -> "))
	}
}

func label(node *models.WorkflowNode) string {
	if node.Label != "" {
		return node.Label
	}

	return node.ID
}
