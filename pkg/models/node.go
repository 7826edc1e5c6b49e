package models

// NodeType is the closed set of vertex kinds a workflow graph may contain.
type NodeType string

const (
	NodeTypeStart       NodeType = "start"
	NodeTypeEnd         NodeType = "end"
	NodeTypeAgent       NodeType = "agent"
	NodeTypeCrew        NodeType = "crew"
	NodeTypeConditional NodeType = "conditional"
	NodeTypeSwitch      NodeType = "switch"
	NodeTypeHumanTask   NodeType = "human_task"
	NodeTypeDynamicFork NodeType = "dynamic_fork"
	NodeTypeDoWhile     NodeType = "do_while"
)

// Config keys read by the validator and the engine.
const (
	ConfigFormSchema     = "form_schema"
	ConfigBreakCondition = "break_condition"
	ConfigForkSource     = "fork_source"
	ConfigExpression     = "expression"
)

// NodeTypes lists every supported node type.
var NodeTypes = []NodeType{
	NodeTypeStart, NodeTypeEnd, NodeTypeAgent, NodeTypeCrew, NodeTypeConditional,
	NodeTypeSwitch, NodeTypeHumanTask, NodeTypeDynamicFork, NodeTypeDoWhile,
}

// IsValid reports whether t is one of the supported node types.
func (t NodeType) IsValid() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}

	return false
}

// IsExecutable reports whether nodes of this type are materialized into execution steps.
func (t NodeType) IsExecutable() bool {
	return t == NodeTypeAgent || t == NodeTypeCrew
}

// WorkflowNode is a typed vertex of a workflow graph.
type WorkflowNode struct {
	ID         string         `json:"id"                   validate:"required"`
	WorkflowID string         `json:"workflow_id"`
	Type       NodeType       `json:"type"                 validate:"required"`
	Label      string         `json:"label"`
	AgentRef   *string        `json:"agent_ref,omitempty"`
	CrewRef    *string        `json:"crew_ref,omitempty"`
	SkillRef   *string        `json:"skill_ref,omitempty"`
	Config     map[string]any `json:"config"`
	Order      int            `json:"order"`
}

// ConfigString returns a non-empty string config value.
func (n *WorkflowNode) ConfigString(key string) (string, bool) {
	raw, ok := n.Config[key]
	if !ok {
		return "", false
	}

	s, ok := raw.(string)
	if !ok || s == "" {
		return "", false
	}

	return s, true
}

// HasConfig reports whether key is present with a non-nil value.
func (n *WorkflowNode) HasConfig(key string) bool {
	raw, ok := n.Config[key]

	return ok && raw != nil
}

// Clone returns a deep copy of the node.
func (n *WorkflowNode) Clone() *WorkflowNode {
	clone := *n
	clone.AgentRef = cloneString(n.AgentRef)
	clone.CrewRef = cloneString(n.CrewRef)
	clone.SkillRef = cloneString(n.SkillRef)

	if n.Config != nil {
		clone.Config, _ = deepCopy(n.Config).(map[string]any)
	}

	return &clone
}

// WorkflowEdge connects two nodes. Condition is nil for unconditional edges.
type WorkflowEdge struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflow_id"`
	SourceNodeID string     `json:"source_node_id" validate:"required"`
	TargetNodeID string     `json:"target_node_id" validate:"required"`
	Condition    *Condition `json:"condition,omitempty"`
	Label        string     `json:"label"`
	IsDefault    bool       `json:"is_default"`
	CaseValue    *string    `json:"case_value,omitempty"`
	SortOrder    int        `json:"sort_order"`
}

// Clone returns a deep copy of the edge.
func (e *WorkflowEdge) Clone() *WorkflowEdge {
	clone := *e
	clone.CaseValue = cloneString(e.CaseValue)
	clone.Condition = e.Condition.Clone()

	return &clone
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}

	v := *s

	return &v
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = deepCopy(item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item)
		}

		return out
	default:
		return v
	}
}
