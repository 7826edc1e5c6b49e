package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/crucible/pkg/condition"
	"github.com/dukex/crucible/pkg/graph"
	"github.com/dukex/crucible/pkg/models"
)

// NodeHandler routes a node type the engine has no built-in semantics for.
// It returns the ids of the successors to continue with.
type NodeHandler func(ctx context.Context, node *models.WorkflowNode, g *graph.Graph) []string

// PassThrough continues with every successor of the node.
func PassThrough(logger *slog.Logger) NodeHandler {
	return func(ctx context.Context, node *models.WorkflowNode, g *graph.Graph) []string {
		logger.InfoContext(ctx, "passing through node", "node_id", node.ID, "node_type", node.Type)

		return g.Successors(node.ID)
	}
}

// Resolution is the outcome of one resolve pass. Steps listed in Reset and
// Skipped were modified in place and must be persisted by the caller.
type Resolution struct {
	// Executable steps are pending and may be dispatched now.
	Executable []*models.ExecutionStep
	// Reset steps were completed and re-entered for another loop iteration.
	Reset []*models.ExecutionStep
	// Skipped steps lie only on branches that were not taken.
	Skipped []*models.ExecutionStep
	// Exhausted node ids were reached with no loop iterations left.
	Exhausted []string
	// Waiting node ids are pending behind a join or a running sibling.
	Waiting []string
}

// Resolver decides which steps are runnable for one experiment. It reads only
// the graph snapshot and the steps it is given.
type Resolver struct {
	graph    *graph.Graph
	steps    map[string]*models.ExecutionStep
	all      []*models.ExecutionStep
	maxLoop  int
	data     map[string]any
	handlers map[models.NodeType]NodeHandler
	logger   *slog.Logger
	now      time.Time
}

func NewResolver(
	snapshot *models.GraphSnapshot,
	steps []*models.ExecutionStep,
	data map[string]any,
	handlers map[models.NodeType]NodeHandler,
	logger *slog.Logger,
	now time.Time,
) *Resolver {
	byNode := make(map[string]*models.ExecutionStep, len(steps))

	for _, step := range steps {
		if id := step.NodeID(); id != "" {
			byNode[id] = step
		}
	}

	return &Resolver{
		graph:    graph.FromSnapshot(snapshot),
		steps:    byNode,
		all:      steps,
		maxLoop:  snapshot.MaxLoopIterations,
		data:     data,
		handlers: handlers,
		logger:   logger,
		now:      now,
	}
}

func (r *Resolver) Graph() *graph.Graph {
	return r.graph
}

// pass carries the state of a single Resolve call.
type pass struct {
	ctx          context.Context
	continuation bool
	visited      map[string]bool
	dead         map[string]bool
	result       *Resolution
}

// Resolve classifies every candidate node and everything reachable from it
// through non-executable nodes. On a continuation, agent and crew nodes are
// subject to the join gate.
func (r *Resolver) Resolve(ctx context.Context, candidates []string, continuation bool) *Resolution {
	if continuation {
		return r.ResolveFrom(ctx, nil, candidates)
	}

	return r.ResolveFrom(ctx, candidates, nil)
}

// ResolveFrom resolves explicit nodes without the join gate, then continued
// nodes with it, in a single pass. Retries use it to re-run failed nodes
// together with the successors of members that completed alongside them.
func (r *Resolver) ResolveFrom(ctx context.Context, explicit, continued []string) *Resolution {
	p := &pass{
		ctx:     ctx,
		visited: make(map[string]bool),
		dead:    make(map[string]bool),
		result:  &Resolution{},
	}

	for _, id := range explicit {
		r.visit(p, id)
	}

	p.continuation = true

	for _, id := range continued {
		r.visit(p, id)
	}

	r.prune(p)

	return p.result
}

// Continuation returns the candidates that follow a completed set of nodes.
func (r *Resolver) Continuation(completed []string) []string {
	seen := make(map[string]bool)
	out := []string{}

	for _, id := range completed {
		for _, next := range r.graph.Successors(id) {
			if seen[next] {
				continue
			}

			seen[next] = true
			out = append(out, next)
		}
	}

	return out
}

func (r *Resolver) visit(p *pass, id string) {
	if p.visited[id] {
		return
	}

	p.visited[id] = true

	node, ok := r.graph.Node(id)
	if !ok {
		r.logger.WarnContext(p.ctx, "resolve reached unknown node", "node_id", id)

		return
	}

	switch node.Type {
	case models.NodeTypeEnd:
		return
	case models.NodeTypeStart:
		for _, next := range r.graph.Successors(id) {
			r.visit(p, next)
		}
	case models.NodeTypeAgent, models.NodeTypeCrew:
		r.visitStep(p, node)
	case models.NodeTypeConditional:
		r.follow(p, node, r.routeConditional(node))
	case models.NodeTypeSwitch:
		r.follow(p, node, r.routeSwitch(p, node))
	case models.NodeTypeDoWhile:
		r.follow(p, node, r.routeDoWhile(p, node)...)
	default:
		handler, ok := r.handlers[node.Type]
		if !ok {
			r.logger.WarnContext(p.ctx, "no handler for node type", "node_id", id, "node_type", node.Type)

			return
		}

		for _, next := range handler(p.ctx, node, r.graph) {
			r.visit(p, next)
		}
	}
}

func (r *Resolver) visitStep(p *pass, node *models.WorkflowNode) {
	step, ok := r.steps[node.ID]
	if !ok {
		r.logger.WarnContext(p.ctx, "node has no execution step", "node_id", node.ID)

		return
	}

	switch step.Status {
	case models.StepStatusPending:
	case models.StepStatusCompleted:
		if !r.graph.OnCycle(node.ID) {
			return
		}

		if r.exhausted(step) {
			r.logger.InfoContext(p.ctx, "loop iterations exhausted, pruning path",
				"node_id", node.ID,
				"loop_count", step.LoopCount,
				"max_loop_iterations", r.maxLoop,
			)
			p.result.Exhausted = append(p.result.Exhausted, node.ID)

			return
		}
	default:
		return
	}

	if p.continuation && !r.joinSatisfied(node.ID) {
		r.logger.DebugContext(p.ctx, "join waiting on predecessors", "node_id", node.ID)
		p.result.Waiting = append(p.result.Waiting, node.ID)

		return
	}

	if r.siblingRunning(step) {
		r.logger.DebugContext(p.ctx, "sibling still running", "node_id", node.ID, "group_id", *step.GroupID)
		p.result.Waiting = append(p.result.Waiting, node.ID)

		return
	}

	if step.Status == models.StepStatusCompleted {
		step.ResetForLoop(r.now)
		p.result.Reset = append(p.result.Reset, step)
	}

	p.result.Executable = append(p.result.Executable, step)
}

func (r *Resolver) exhausted(step *models.ExecutionStep) bool {
	return step.Status == models.StepStatusCompleted && step.LoopCount >= r.maxLoop
}

// joinSatisfied reports whether every forward predecessor step of id is
// completed or skipped. Edges closing a cycle back into id are ignored, as are
// sources that are not steps.
func (r *Resolver) joinSatisfied(id string) bool {
	for _, edge := range r.graph.Incoming(id) {
		source := edge.SourceNodeID
		if r.graph.CanReach(id, source) {
			continue
		}

		step, ok := r.steps[source]
		if !ok {
			continue
		}

		if step.Status != models.StepStatusCompleted && step.Status != models.StepStatusSkipped {
			return false
		}
	}

	return true
}

func (r *Resolver) siblingRunning(step *models.ExecutionStep) bool {
	if step.GroupID == nil {
		return false
	}

	for _, other := range r.all {
		if other.ID != step.ID && other.GroupID != nil && *other.GroupID == *step.GroupID &&
			other.Status == models.StepStatusRunning {
			return true
		}
	}

	return false
}

// follow visits the selected edges and, when the decider is not on a cycle,
// marks every other outgoing edge as dead.
func (r *Resolver) follow(p *pass, node *models.WorkflowNode, selected ...*models.WorkflowEdge) {
	chosen := make(map[string]bool, len(selected))

	for _, edge := range selected {
		if edge != nil {
			chosen[edge.ID] = true
		}
	}

	if !r.graph.OnCycle(node.ID) {
		for _, edge := range r.graph.Outgoing(node.ID) {
			if !chosen[edge.ID] {
				p.dead[edge.ID] = true
			}
		}
	}

	for _, edge := range selected {
		if edge != nil {
			r.visit(p, edge.TargetNodeID)
		}
	}
}

func (r *Resolver) scope(nodeID string) condition.Scope {
	outputs := make(map[string]any, len(r.steps))

	for id, step := range r.steps {
		if step.Output != nil {
			outputs[id] = step.Output
		}
	}

	return condition.Scope{
		Outputs:     outputs,
		Experiment:  r.data,
		Predecessor: r.nearestStep(nodeID),
	}
}

// nearestStep walks incoming edges back through non-step nodes and returns
// the step node that completed last. Ties keep the first one found.
func (r *Resolver) nearestStep(id string) string {
	visited := map[string]bool{id: true}
	queue := []string{id}

	var (
		best     string
		bestTime time.Time
	)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, source := range r.graph.Predecessors(current) {
			if visited[source] {
				continue
			}

			visited[source] = true

			if step, ok := r.steps[source]; ok {
				completed := time.Time{}
				if step.CompletedAt != nil {
					completed = *step.CompletedAt
				}

				if best == "" || completed.After(bestTime) {
					best, bestTime = source, completed
				}

				continue
			}

			queue = append(queue, source)
		}
	}

	return best
}

func defaultEdge(edges []*models.WorkflowEdge) *models.WorkflowEdge {
	for _, edge := range edges {
		if edge.IsDefault {
			return edge
		}
	}

	return nil
}

// routeConditional takes the first non-default edge whose condition holds,
// in sortOrder, falling back to the default edge.
func (r *Resolver) routeConditional(node *models.WorkflowNode) *models.WorkflowEdge {
	edges := r.graph.Outgoing(node.ID)
	scope := r.scope(node.ID)
	fallback := defaultEdge(edges)

	for _, edge := range edges {
		if edge.IsDefault {
			continue
		}

		if condition.Evaluate(edge.Condition, scope) {
			return r.unlessExhausted(edge, fallback)
		}
	}

	return fallback
}

// routeSwitch compares the resolved expression to each case value in sortOrder.
func (r *Resolver) routeSwitch(p *pass, node *models.WorkflowNode) *models.WorkflowEdge {
	edges := r.graph.Outgoing(node.ID)
	fallback := defaultEdge(edges)

	expression, ok := node.ConfigString(models.ConfigExpression)
	if !ok {
		r.logger.WarnContext(p.ctx, "switch has no expression, taking default", "node_id", node.ID)

		return fallback
	}

	value, ok := condition.ResolveString(expression, r.scope(node.ID))
	if !ok {
		return fallback
	}

	for _, edge := range edges {
		if edge.IsDefault || edge.CaseValue == nil {
			continue
		}

		if *edge.CaseValue == value {
			return r.unlessExhausted(edge, fallback)
		}
	}

	return fallback
}

// unlessExhausted swaps a chosen edge for the default when its target step
// has no loop iterations left, so the run can still leave the loop.
func (r *Resolver) unlessExhausted(edge, fallback *models.WorkflowEdge) *models.WorkflowEdge {
	if fallback == nil {
		return edge
	}

	if step, ok := r.steps[edge.TargetNodeID]; ok && r.exhausted(step) && r.graph.OnCycle(edge.TargetNodeID) {
		return fallback
	}

	return edge
}

// routeDoWhile follows the exit edges once the break condition holds or the
// loop body is exhausted, and the loop edges otherwise.
func (r *Resolver) routeDoWhile(p *pass, node *models.WorkflowNode) []*models.WorkflowEdge {
	var loop, exit []*models.WorkflowEdge

	for _, edge := range r.graph.Outgoing(node.ID) {
		if edge.TargetNodeID == node.ID || r.graph.CanReach(edge.TargetNodeID, node.ID) {
			loop = append(loop, edge)
		} else {
			exit = append(exit, edge)
		}
	}

	breakCondition, err := models.ParseCondition(node.Config[models.ConfigBreakCondition])
	if err != nil {
		r.logger.WarnContext(p.ctx, "unreadable break condition, leaving loop", "node_id", node.ID, "error", err)

		return exit
	}

	if !breakCondition.IsEmpty() && condition.Evaluate(breakCondition, r.scope(node.ID)) {
		return exit
	}

	for _, edge := range loop {
		if step, ok := r.steps[edge.TargetNodeID]; ok && r.exhausted(step) {
			r.logger.InfoContext(p.ctx, "loop body exhausted, leaving loop", "node_id", node.ID, "body", edge.TargetNodeID)

			return exit
		}
	}

	return loop
}

// prune skips pending steps whose every forward incoming edge is dead, and
// propagates the dead path downstream until nothing changes.
func (r *Resolver) prune(p *pass) {
	queue := make([]string, 0, len(p.dead))

	for _, edge := range r.graph.Edges() {
		if p.dead[edge.ID] {
			queue = append(queue, edge.TargetNodeID)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if p.visited[id] || !r.allIncomingDead(p, id) {
			continue
		}

		node, ok := r.graph.Node(id)
		if !ok || node.Type == models.NodeTypeEnd {
			continue
		}

		if step, ok := r.steps[id]; ok {
			if step.Status != models.StepStatusPending {
				continue
			}

			step.Status = models.StepStatusSkipped
			step.UpdatedAt = r.now
			p.result.Skipped = append(p.result.Skipped, step)
			r.logger.InfoContext(p.ctx, "skipping step on untaken branch", "node_id", id, "step_id", step.ID)
		}

		p.visited[id] = true

		for _, edge := range r.graph.Outgoing(id) {
			if !p.dead[edge.ID] {
				p.dead[edge.ID] = true
				queue = append(queue, edge.TargetNodeID)
			}
		}
	}
}

func (r *Resolver) allIncomingDead(p *pass, id string) bool {
	forward := 0

	for _, edge := range r.graph.Incoming(id) {
		if r.graph.CanReach(id, edge.SourceNodeID) {
			continue
		}

		forward++

		if p.dead[edge.ID] {
			continue
		}

		if step, ok := r.steps[edge.SourceNodeID]; ok && step.Status == models.StepStatusSkipped {
			continue
		}

		return false
	}

	return forward > 0
}
