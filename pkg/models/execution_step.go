package models

import "time"

// StepStatus is the runtime status of an execution step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the status ends a step's run.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// ExecutionMode tells whether a step shares its readiness point with siblings.
type ExecutionMode string

const (
	ExecutionModeSequential ExecutionMode = "sequential"
	ExecutionModeParallel   ExecutionMode = "parallel"
)

// ExecutionStep is the per-experiment runtime record of one agent or crew node.
type ExecutionStep struct {
	ID             string         `json:"id"`
	ExperimentID   string         `json:"experiment_id"`
	WorkflowNodeID *string        `json:"workflow_node_id,omitempty"`
	NodeType       NodeType       `json:"node_type"`
	AgentRef       *string        `json:"agent_ref,omitempty"`
	CrewRef        *string        `json:"crew_ref,omitempty"`
	SkillRef       *string        `json:"skill_ref,omitempty"`
	Order          int            `json:"order"`
	ExecutionMode  ExecutionMode  `json:"execution_mode"`
	GroupID        *string        `json:"group_id,omitempty"`
	Status         StepStatus     `json:"status"`
	Input          map[string]any `json:"input,omitempty"`
	Output         any            `json:"output,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	LoopCount      int            `json:"loop_count"`
	Cost           float64        `json:"cost"`
	DurationMs     int64          `json:"duration_ms"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NodeID returns the workflow node id or "" for legacy steps.
func (s *ExecutionStep) NodeID() string {
	if s.WorkflowNodeID == nil {
		return ""
	}

	return *s.WorkflowNodeID
}

// ResetForReplay puts the step back to pending and drops every partial result.
func (s *ExecutionStep) ResetForReplay(at time.Time) {
	s.Status = StepStatusPending
	s.Output = nil
	s.ErrorMessage = ""
	s.LoopCount = 0
	s.Cost = 0
	s.DurationMs = 0
	s.StartedAt = nil
	s.CompletedAt = nil
	s.UpdatedAt = at
}

// ResetForLoop re-enters a completed step for another loop iteration.
func (s *ExecutionStep) ResetForLoop(at time.Time) {
	s.Status = StepStatusPending
	s.LoopCount++
	s.ErrorMessage = ""
	s.StartedAt = nil
	s.CompletedAt = nil
	s.UpdatedAt = at
}

// StepResult is what a step runner reports for one successful run.
type StepResult struct {
	Output      any     `json:"output"`
	CostCredits float64 `json:"cost_credits"`
	DurationMs  int64   `json:"duration_ms"`
}

// StepBatch is one set of steps dispatched together. Members are keyed by
// workflow node id, or by step id for steps without a node.
type StepBatch struct {
	ID           string   `json:"id"`
	ExperimentID string   `json:"experiment_id"`
	Members      []string `json:"members"`
	StepIDs      []string `json:"step_ids"`
}

// MemberKey is the key a step is known by inside a batch.
func (s *ExecutionStep) MemberKey() string {
	if s.WorkflowNodeID != nil && *s.WorkflowNodeID != "" {
		return *s.WorkflowNodeID
	}

	return s.ID
}
