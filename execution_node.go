package nodeflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/nodeflow/durable"
	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/deepnoodle-ai/nodeflow/script"
	"github.com/google/uuid"
)

// nodeOutcome is what running one node produced.
type nodeOutcome struct {
	exec   *NodeExecution
	inputs map[string]any
	err    *Error
}

// conditionCache holds the compiled edge conditions of one run. Conditions
// compiled with the plan are used as is.
type conditionCache struct {
	plan     *Plan
	compiler script.Compiler
	compiled map[*Edge]script.Script
}

func newConditionCache(plan *Plan, compiler script.Compiler) *conditionCache {
	return &conditionCache{plan: plan, compiler: compiler, compiled: map[*Edge]script.Script{}}
}

func (c *conditionCache) get(ctx context.Context, e *Edge) (script.Script, error) {
	if s, ok := c.plan.Condition(e); ok {
		return s, nil
	}
	if s, ok := c.compiled[e]; ok {
		return s, nil
	}
	s, err := c.compiler.Compile(ctx, e.Condition)
	if err != nil {
		return nil, fmt.Errorf("invalid condition on edge %s: %w", e, err)
	}
	c.compiled[e] = s
	return s, nil
}

// runNode takes one node through skip checks, input resolution, invocation
// and output persistence. It never returns a nil execution record.
func (e *Executor) runNode(ctx context.Context, plan *Plan, state *runState, conditions *conditionCache, id string, logger *slog.Logger) nodeOutcome {
	spec, _ := plan.Node(id)
	node, _ := e.registry.Get(spec.Type)
	logger = logger.With("node_id", id, "node_type", spec.Type)

	exec := &NodeExecution{NodeID: id, NodeType: spec.Type, StartTime: e.clock.Now()}
	finish := func(status NodeStatus, err *Error) nodeOutcome {
		exec.Status = status
		exec.EndTime = e.clock.Now()
		if err != nil {
			exec.Error, exec.ErrorType = err.Error(), err.Type
		}
		return nodeOutcome{exec: exec, err: err}
	}

	// A failed dependency short-circuits the node.
	for _, edge := range plan.Incoming(id) {
		if source, ok := state.node(edge.Source); ok && source.failedUpstream() {
			exec.SkipReason = SkipReasonUpstreamFailure
			logger.Info("node skipped", "reason", exec.SkipReason, "upstream", edge.Source)
			exec.Error = fmt.Sprintf("skipped due to upstream failure of '%s'", edge.Source)
			return finish(NodeStatusSkipped, nil)
		}
	}

	active, err := e.activeEdges(ctx, plan, state, conditions, id)
	if err != nil {
		logger.Warn("condition evaluation failed", "error", err)
		return finish(NodeStatusError, nodeError(id, err))
	}
	if len(plan.Incoming(id)) > 0 && len(active) == 0 {
		exec.SkipReason = SkipReasonBranchNotTaken
		logger.Debug("node skipped", "reason", exec.SkipReason)
		return finish(NodeStatusSkipped, nil)
	}

	inputs, missing, err := e.resolveInputs(ctx, spec, state, active)
	if err != nil {
		return finish(NodeStatusError, classifyNodeError(id, err))
	}
	if len(missing) > 0 {
		err := &Error{
			Type:   ErrorTypeNodeExecution,
			NodeID: id,
			Cause:  "missing required input(s): " + strings.Join(missing, ", "),
		}
		logger.Warn("node not invoked", "missing", missing)
		outcome := finish(NodeStatusError, err)
		outcome.inputs = inputs
		return outcome
	}

	if err := checkCredits(ctx, e.credits, state.runID, spec.Type); err != nil {
		outcome := finish(NodeStatusError, classifyNodeError(id, err))
		outcome.inputs = inputs
		return outcome
	}

	var steps *durable.Runner
	if node.Descriptor().LongRunning {
		steps = durable.NewRunner(durable.InvocationID(state.runID, id), durable.Options{
			Ledger:      e.ledger,
			Clock:       e.clock,
			Logger:      logger,
			InlineSleep: e.inlineSleep,
		})
	}
	nodeCtx := NewContext(ctx, ContextOptions{
		NodeID:   id,
		NodeType: spec.Type,
		RunID:    state.runID,
		Inputs:   inputs,
		Env:      e.env,
		Store:    e.store,
		Steps:    steps,
		Logger:   logger,
	})

	e.callbacks.BeforeNode(ctx, &NodeEvent{
		RunID:     state.runID,
		GraphName: plan.Name(),
		NodeID:    id,
		NodeType:  spec.Type,
		Inputs:    inputs,
		StartTime: exec.StartTime,
	})
	logger.Debug("invoking node")

	outputs, err := invoke(nodeCtx, node)
	if err != nil {
		if suspension, ok := durable.IsSuspended(err); ok {
			exec.ResumeAt = suspension.WakeAt
			logger.Info("node suspended", "wake_at", suspension.WakeAt)
			outcome := finish(NodeStatusSuspended, nil)
			outcome.inputs = inputs
			return outcome
		}
		classified := classifyNodeError(id, err)
		logger.Warn("node failed", "error", err, "error_type", classified.Type)
		outcome := finish(NodeStatusError, classified)
		outcome.inputs = inputs
		return outcome
	}

	if err := e.storeOutputs(ctx, spec, exec, outputs); err != nil {
		outcome := finish(NodeStatusError, classifyNodeError(id, err))
		outcome.inputs = inputs
		return outcome
	}
	outcome := finish(NodeStatusCompleted, nil)
	outcome.inputs = inputs
	return outcome
}

// activeEdges returns the incoming edges of a node that carry a value. Edges
// from a node whose branch was not taken are inactive, as are edges whose
// condition evaluates false.
func (e *Executor) activeEdges(ctx context.Context, plan *Plan, state *runState, conditions *conditionCache, id string) ([]*Edge, error) {
	var active []*Edge
	for _, edge := range plan.Incoming(id) {
		source, ok := state.node(edge.Source)
		if !ok || source.Status != NodeStatusCompleted {
			continue
		}
		if edge.Condition == "" {
			active = append(active, edge)
			continue
		}
		compiled, err := conditions.get(ctx, edge)
		if err != nil {
			return nil, err
		}
		exported := make(map[string]any, len(source.Portable))
		for name, p := range source.Portable {
			exported[name] = marshal.Export(p)
		}
		ok, err = evalCondition(ctx, compiled, map[string]any{
			"value":   exported[edge.Output],
			"outputs": exported,
			"node":    edge.Source,
			"run_id":  state.runID,
		})
		if err != nil {
			return nil, fmt.Errorf("condition on edge %s: %w", edge, err)
		}
		if ok {
			active = append(active, edge)
		}
	}
	return active, nil
}

// resolveInputs builds the input values of a node: the first active edge
// carrying the input, else the run binding, else the declared default. Every
// value is coerced to the declared input type.
func (e *Executor) resolveInputs(ctx context.Context, spec *NodeSpec, state *runState, active []*Edge) (map[string]any, []string, error) {
	inputs := map[string]any{}
	var missing []string
	for _, in := range spec.Inputs {
		value, found, err := e.inputValue(ctx, spec, state, active, in)
		if err != nil {
			return inputs, nil, err
		}
		if !found {
			if in.Required() {
				missing = append(missing, in.Name)
			}
			continue
		}
		inputs[in.Name] = value
	}
	return inputs, missing, nil
}

func (e *Executor) inputValue(ctx context.Context, spec *NodeSpec, state *runState, active []*Edge, in InputSpec) (any, bool, error) {
	for _, edge := range active {
		if edge.Input != in.Name {
			continue
		}
		source, _ := state.node(edge.Source)
		v, ok := source.Outputs[edge.Output]
		if !ok || v == nil {
			continue
		}
		value, err := e.materialize(ctx, in.Type, v)
		if err != nil {
			return nil, false, fmt.Errorf("input %q from %s: %w", in.Name, edge, err)
		}
		return value, true, nil
	}
	if p, ok := state.binding(spec.ID, in.Name); ok && !p.IsNull() {
		value, err := e.marshaller.FromPortable(ctx, in.Type, p)
		if err != nil {
			return nil, false, fmt.Errorf("input %q: %w", in.Name, err)
		}
		return value, true, nil
	}
	if in.Default != nil {
		value, err := e.materialize(ctx, in.Type, in.Default)
		if err != nil {
			return nil, false, fmt.Errorf("default of input %q: %w", in.Name, err)
		}
		return value, true, nil
	}
	return nil, false, nil
}

// materialize passes v through its portable form so the node sees the same
// value it would after a resume.
func (e *Executor) materialize(ctx context.Context, t marshal.Type, v any) (any, error) {
	if b, ok := v.(marshal.Binary); ok && (t == marshal.TypeAny || t == "" || t.IsBinary()) {
		return b, nil
	}
	p, err := e.marshaller.ToPortable(ctx, t, v)
	if err != nil {
		return nil, err
	}
	return e.marshaller.FromPortable(ctx, t, p)
}

// storeOutputs converts node outputs to their portable form. Undeclared
// outputs are kept with type any.
func (e *Executor) storeOutputs(ctx context.Context, spec *NodeSpec, exec *NodeExecution, outputs map[string]any) error {
	exec.Outputs = make(map[string]any, len(outputs))
	exec.Portable = make(map[string]marshal.PortableValue, len(outputs))
	for name, v := range outputs {
		t := marshal.TypeAny
		if out, ok := spec.Output(name); ok && out.Type != "" {
			t = out.Type
		}
		p, err := e.marshaller.ToPortable(ctx, t, v)
		if err != nil {
			return fmt.Errorf("output %q: %w", name, err)
		}
		value, err := e.marshaller.FromPortable(ctx, t, p)
		if err != nil {
			return fmt.Errorf("output %q: %w", name, err)
		}
		exec.Portable[name] = p
		exec.Outputs[name] = value
	}
	return nil
}

// record persists a finished node: checkpoint, log entry, callbacks and step
// record cleanup. Only the checkpoint and the log entry can fail.
func (e *Executor) record(ctx context.Context, plan *Plan, state *runState, outcome nodeOutcome) error {
	exec := outcome.exec
	state.setNode(exec)
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	outputs := make(map[string]any, len(exec.Portable))
	for name, p := range exec.Portable {
		outputs[name] = marshal.Export(p)
	}
	entry := &NodeLogEntry{
		ID:         uuid.New().String(),
		RunID:      state.runID,
		NodeID:     exec.NodeID,
		NodeType:   exec.NodeType,
		Status:     exec.Status,
		Inputs:     summarizeValues(outcome.inputs),
		Outputs:    outputs,
		Error:      exec.Error,
		ErrorType:  exec.ErrorType,
		SkipReason: exec.SkipReason,
		StartTime:  exec.StartTime,
		Duration:   nodeDuration(exec).Seconds(),
	}
	if err := e.nodeLogger.LogNode(ctx, entry); err != nil {
		return fmt.Errorf("failed to log node: %w", err)
	}

	var nodeErr error
	if outcome.err != nil {
		nodeErr = outcome.err
	}
	e.callbacks.AfterNode(ctx, &NodeEvent{
		RunID:      state.runID,
		GraphName:  plan.Name(),
		NodeID:     exec.NodeID,
		NodeType:   exec.NodeType,
		Status:     exec.Status,
		SkipReason: exec.SkipReason,
		Inputs:     outcome.inputs,
		Outputs:    exec.Outputs,
		StartTime:  exec.StartTime,
		EndTime:    exec.EndTime,
		Duration:   nodeDuration(exec),
		Error:      nodeErr,
	})

	if exec.Status == NodeStatusCompleted && !e.retainStepRecords {
		invocationID := durable.InvocationID(state.runID, exec.NodeID)
		if err := e.ledger.DeleteInvocation(ctx, invocationID); err != nil {
			e.logger.Warn("failed to delete step records", "invocation_id", invocationID, "error", err)
		}
	}
	return nil
}

func evalCondition(ctx context.Context, compiled script.Script, globals map[string]any) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("condition panicked: %v", r)
		}
	}()
	return script.EvalBool(ctx, compiled, globals)
}

func invoke(ctx Context, node Node) (outputs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node panicked: %v", r)
		}
	}()
	return node.Execute(ctx)
}

// classifyNodeError classifies err and attaches the node id without
// modifying err.
func classifyNodeError(nodeID string, err error) *Error {
	classified := *ClassifyError(err)
	if classified.NodeID == "" {
		classified.NodeID = nodeID
	}
	return &classified
}

func nodeError(nodeID string, err error) *Error {
	return &Error{Type: ErrorTypeNodeExecution, NodeID: nodeID, Cause: err.Error(), Wrapped: err}
}

// summarizeValues makes input values safe to log. Binary values are replaced
// by their mime type and size.
func summarizeValues(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	summary := make(map[string]any, len(values))
	for name, v := range values {
		switch b := v.(type) {
		case marshal.Binary:
			summary[name] = map[string]any{"mime_type": b.MimeType, "size": len(b.Data)}
		case *marshal.Binary:
			summary[name] = map[string]any{"mime_type": b.MimeType, "size": len(b.Data)}
		case []byte:
			summary[name] = map[string]any{"size": len(b)}
		default:
			summary[name] = v
		}
	}
	return summary
}

// nodeDuration is the wall time of a recorded node.
func nodeDuration(exec *NodeExecution) time.Duration {
	return durationOf(exec.StartTime, exec.EndTime)
}
