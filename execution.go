package nodeflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/nodeflow/durable"
	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/deepnoodle-ai/nodeflow/objectstore"
	"github.com/deepnoodle-ai/nodeflow/script"
	"github.com/google/uuid"
	"go.jetify.com/typeid"
)

// NewRunID returns a new sortable id for a run
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusRunning        RunStatus = "running"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusPartialFailure RunStatus = "partial_failure"
	RunStatusHalted         RunStatus = "halted"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusSuspended      RunStatus = "suspended"
)

// Terminal reports whether a run in this status will not make progress
// without being resumed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusPartialFailure, RunStatusHalted, RunStatusCancelled:
		return true
	}
	return false
}

// NodeStatus represents the outcome of one node in a run
type NodeStatus string

const (
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusError     NodeStatus = "error"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusSuspended NodeStatus = "suspended"
)

// Reasons recorded for skipped nodes
const (
	SkipReasonUpstreamFailure = "upstream_failure"
	SkipReasonBranchNotTaken  = "branch_not_taken"
)

// NodeExecution is the recorded outcome of one node in a run.
type NodeExecution struct {
	NodeID   string     `json:"node_id"`
	NodeType string     `json:"node_type"`
	Status   NodeStatus `json:"status"`

	// Outputs holds the in-memory output values. Portable holds the same
	// values in the form that is persisted.
	Outputs  map[string]any                   `json:"-"`
	Portable map[string]marshal.PortableValue `json:"outputs,omitempty"`

	Error      string    `json:"error,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
	SkipReason string    `json:"skip_reason,omitempty"`
	ResumeAt   time.Time `json:"resume_at"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

// failedUpstream reports whether dependents of this node must be skipped.
func (e *NodeExecution) failedUpstream() bool {
	switch e.Status {
	case NodeStatusError:
		return true
	case NodeStatusSkipped:
		return e.SkipReason == SkipReasonUpstreamFailure
	}
	return false
}

// settled reports whether a resumed run keeps this record as is.
func (e *NodeExecution) settled() bool {
	return e.Status == NodeStatusCompleted ||
		(e.Status == NodeStatusSkipped && e.SkipReason == SkipReasonBranchNotTaken)
}

// RunResult aggregates the node executions of a run.
type RunResult struct {
	RunID     string                    `json:"run_id"`
	GraphName string                    `json:"graph_name,omitempty"`
	Status    RunStatus                 `json:"status"`
	Nodes     map[string]*NodeExecution `json:"nodes"`

	// Order lists the recorded nodes in plan order.
	Order []string `json:"order"`

	Error     string    `json:"error,omitempty"`
	ErrorType string    `json:"error_type,omitempty"`
	ResumeAt  time.Time `json:"resume_at"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Node returns the execution record of a node.
func (r *RunResult) Node(id string) (*NodeExecution, bool) {
	exec, ok := r.Nodes[id]
	return exec, ok
}

// Failed returns the ids of nodes that ended in error, in plan order.
func (r *RunResult) Failed() []string {
	return r.withStatus(NodeStatusError)
}

// Skipped returns the ids of skipped nodes, in plan order.
func (r *RunResult) Skipped() []string {
	return r.withStatus(NodeStatusSkipped)
}

func (r *RunResult) withStatus(status NodeStatus) []string {
	var ids []string
	for _, id := range r.Order {
		if r.Nodes[id].Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// RunRequest describes a run to start.
type RunRequest struct {
	Plan *Plan

	// Inputs binds values to node inputs: node id -> input name -> value.
	// Bound values take precedence over defaults but not over edges.
	Inputs map[string]map[string]any

	// RunID is generated when empty.
	RunID string
}

// ExecutorOptions configures a new Executor
type ExecutorOptions struct {
	Registry       *Registry
	Marshaller     *marshal.Marshaller
	Store          objectstore.Store
	Ledger         durable.Ledger
	Checkpointer   Checkpointer
	NodeLogger     NodeLogger
	Callbacks      ExecutionCallbacks
	Credits        CreditChecker
	Env            Environment
	Logger         *slog.Logger
	Clock          durable.Clock
	ScriptCompiler script.Compiler

	// InlineSleep is passed to durable step runners. Sleeps at or below it
	// block in process instead of suspending the run.
	InlineSleep time.Duration

	// RetainStepRecords keeps the step records of completed long-running
	// nodes instead of deleting them.
	RetainStepRecords bool
}

// Executor runs compiled plans. One Executor may serve many runs
// concurrently; all per-run state lives in the run.
type Executor struct {
	registry          *Registry
	marshaller        *marshal.Marshaller
	store             objectstore.Store
	ledger            durable.Ledger
	checkpointer      Checkpointer
	nodeLogger        NodeLogger
	callbacks         ExecutionCallbacks
	credits           CreditChecker
	env               Environment
	logger            *slog.Logger
	clock             durable.Clock
	compiler          script.Compiler
	inlineSleep       time.Duration
	retainStepRecords bool
	checkpointCounter atomic.Int64
}

// NewExecutor creates a new Executor
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	logger := orDiscard(opts.Logger)
	if opts.Store == nil && opts.Marshaller != nil {
		opts.Store = opts.Marshaller.Store()
	}
	if opts.Store == nil {
		opts.Store = objectstore.NewMemoryStore()
	}
	if opts.Marshaller == nil {
		opts.Marshaller = marshal.New(marshal.Options{Store: opts.Store, Logger: logger})
	}
	if opts.Ledger == nil {
		opts.Ledger = durable.NewMemoryLedger()
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewMemoryCheckpointer()
	}
	if opts.NodeLogger == nil {
		opts.NodeLogger = NewNullNodeLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	if opts.Credits == nil {
		opts.Credits = UnlimitedCredits{}
	}
	if opts.Env == nil {
		opts.Env = MapEnvironment{}
	}
	if opts.Clock == nil {
		opts.Clock = durable.SystemClock{}
	}
	if opts.ScriptCompiler == nil {
		opts.ScriptCompiler = script.NewRisorEngine(script.DefaultGlobals())
	}
	return &Executor{
		registry:          opts.Registry,
		marshaller:        opts.Marshaller,
		store:             opts.Store,
		ledger:            opts.Ledger,
		checkpointer:      opts.Checkpointer,
		nodeLogger:        opts.NodeLogger,
		callbacks:         opts.Callbacks,
		credits:           opts.Credits,
		env:               opts.Env,
		logger:            logger.With("component", "executor"),
		clock:             opts.Clock,
		compiler:          opts.ScriptCompiler,
		inlineSleep:       opts.InlineSleep,
		retainStepRecords: opts.RetainStepRecords,
	}, nil
}

// Registry returns the node registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Marshaller returns the parameter marshaller.
func (e *Executor) Marshaller() *marshal.Marshaller {
	return e.marshaller
}

// ScriptCompiler returns the compiler used for edge conditions.
func (e *Executor) ScriptCompiler() script.Compiler {
	return e.compiler
}

// Checkpointer returns the checkpointer runs are saved to.
func (e *Executor) Checkpointer() Checkpointer {
	return e.checkpointer
}

// Compile compiles g with the executor's condition compiler.
func (e *Executor) Compile(g *Graph) (*Plan, error) {
	return CompileWithOptions(g, CompileOptions{Conditions: e.compiler})
}

// Run executes a plan. Validation problems (unregistered node types, bindings
// to undeclared inputs) are returned before any node runs, with no result.
// Node failures are recorded in the result and do not produce an error. A
// system error halts the run and is returned alongside the partial result, as
// is the context error of a cancelled run.
func (e *Executor) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Plan == nil {
		return nil, ValidationError("plan is required")
	}
	if err := e.checkPlan(req.Plan, req.Inputs); err != nil {
		return nil, err
	}
	runID := req.RunID
	if runID == "" {
		runID = NewRunID()
	}
	bindings, err := e.portableBindings(ctx, req.Plan, req.Inputs)
	if err != nil {
		return nil, err
	}
	state := newRunState(runID, req.Plan, bindings)
	return e.execute(ctx, req.Plan, state)
}

// Resume continues a run from its latest checkpoint. Completed nodes keep
// their outputs; failed, skipped-by-failure and suspended nodes run again. A
// completed run is returned as is.
func (e *Executor) Resume(ctx context.Context, runID string) (*RunResult, error) {
	checkpoint, err := e.checkpointer.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, SystemError(fmt.Errorf("failed to load checkpoint: %w", err))
	}
	if checkpoint == nil || checkpoint.Graph == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	plan, err := e.Compile(checkpoint.Graph)
	if err != nil {
		return nil, err
	}
	if err := e.checkPlan(plan, nil); err != nil {
		return nil, err
	}
	state := runStateFromCheckpoint(checkpoint, plan)
	if checkpoint.Status == RunStatusCompleted {
		e.logger.Info("run already completed", "run_id", runID)
		return state.result(), nil
	}
	for _, id := range plan.Order() {
		exec, ok := state.node(id)
		if !ok {
			continue
		}
		if !exec.settled() {
			state.deleteNode(id)
			continue
		}
		if exec.Status == NodeStatusCompleted {
			if err := e.restoreOutputs(ctx, plan, exec); err != nil {
				return nil, err
			}
		}
	}
	e.logger.Info("resuming run", "run_id", runID, "prior_status", checkpoint.Status)
	return e.execute(ctx, plan, state)
}

// RunToCompletion runs a plan and, whenever the run suspends, waits for its
// wake time and resumes it.
func (e *Executor) RunToCompletion(ctx context.Context, req RunRequest) (*RunResult, error) {
	result, err := e.Run(ctx, req)
	for err == nil && result != nil && result.Status == RunStatusSuspended {
		if err := e.waitUntil(ctx, result.ResumeAt); err != nil {
			return e.cancelSuspended(ctx, result, err)
		}
		result, err = e.Resume(ctx, result.RunID)
	}
	return result, err
}

// ResumeToCompletion is like RunToCompletion for an existing run.
func (e *Executor) ResumeToCompletion(ctx context.Context, runID string) (*RunResult, error) {
	result, err := e.Resume(ctx, runID)
	for err == nil && result != nil && result.Status == RunStatusSuspended {
		if err := e.waitUntil(ctx, result.ResumeAt); err != nil {
			return e.cancelSuspended(ctx, result, err)
		}
		result, err = e.Resume(ctx, result.RunID)
	}
	return result, err
}

// cancelSuspended records a suspended run as cancelled after ctx ended while
// waiting for its wake time.
func (e *Executor) cancelSuspended(ctx context.Context, suspended *RunResult, cause error) (*RunResult, error) {
	saveCtx := context.WithoutCancel(ctx)
	checkpoint, err := e.checkpointer.LoadCheckpoint(saveCtx, suspended.RunID)
	if err != nil || checkpoint == nil || checkpoint.Graph == nil {
		e.logger.Error("failed to load suspended run", "run_id", suspended.RunID, "error", err)
		return suspended, cause
	}
	plan, err := Compile(checkpoint.Graph)
	if err != nil {
		return suspended, cause
	}
	e.logger.Warn("suspended run cancelled", "run_id", suspended.RunID)
	state := runStateFromCheckpoint(checkpoint, plan)
	result, _ := e.finish(WithRunID(saveCtx, suspended.RunID), plan, state, RunStatusCancelled, time.Time{}, ClassifyError(cause))
	return result, cause
}

func (e *Executor) waitUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(e.clock.Now())
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(d):
		return nil
	}
}

// checkPlan verifies every node type is registered and every binding names a
// declared input.
func (e *Executor) checkPlan(plan *Plan, inputs map[string]map[string]any) error {
	for _, id := range plan.Order() {
		spec, _ := plan.Node(id)
		if _, ok := e.registry.Get(spec.Type); !ok {
			return &Error{Type: ErrorTypeValidation, NodeID: id, Cause: fmt.Sprintf("unknown node type %q", spec.Type)}
		}
	}
	for nodeID, values := range inputs {
		spec, ok := plan.Node(nodeID)
		if !ok {
			return ValidationError("input bound to unknown node %q", nodeID)
		}
		for name := range values {
			if _, ok := spec.Input(name); !ok {
				return &Error{Type: ErrorTypeValidation, NodeID: nodeID, Cause: fmt.Sprintf("value bound to undeclared input %q", name)}
			}
		}
	}
	return nil
}

func (e *Executor) portableBindings(ctx context.Context, plan *Plan, inputs map[string]map[string]any) (map[string]map[string]marshal.PortableValue, error) {
	bindings := make(map[string]map[string]marshal.PortableValue, len(inputs))
	for nodeID, values := range inputs {
		spec, _ := plan.Node(nodeID)
		bindings[nodeID] = make(map[string]marshal.PortableValue, len(values))
		for name, value := range values {
			in, _ := spec.Input(name)
			p, err := e.marshaller.ToPortable(ctx, in.Type, value)
			if err != nil {
				if marshal.IsValueError(err) {
					return nil, &Error{Type: ErrorTypeValidation, NodeID: nodeID, Cause: fmt.Sprintf("input %q: %v", name, err), Wrapped: err}
				}
				return nil, SystemError(err)
			}
			bindings[nodeID][name] = p
		}
	}
	return bindings, nil
}

// restoreOutputs rebuilds the in-memory outputs of a node loaded from a
// checkpoint.
func (e *Executor) restoreOutputs(ctx context.Context, plan *Plan, exec *NodeExecution) error {
	spec, _ := plan.Node(exec.NodeID)
	exec.Outputs = make(map[string]any, len(exec.Portable))
	for name, p := range exec.Portable {
		out, _ := spec.Output(name)
		v, err := e.marshaller.FromPortable(ctx, out.Type, p)
		if err != nil {
			return SystemError(fmt.Errorf("failed to restore output %s.%s: %w", exec.NodeID, name, err))
		}
		exec.Outputs[name] = v
	}
	return nil
}

// execute walks the plan in order. Nodes already recorded in the state are
// skipped, which is how resumed runs continue.
func (e *Executor) execute(ctx context.Context, plan *Plan, state *runState) (*RunResult, error) {
	logger := e.logger.With("run_id", state.runID)
	state.setStatus(RunStatusRunning)
	state.setStartTime(e.clock.Now())

	runCtx := WithRunID(WithLogger(ctx, logger), state.runID)
	e.callbacks.BeforeRun(runCtx, &RunEvent{
		RunID:     state.runID,
		GraphName: plan.Name(),
		Status:    RunStatusRunning,
		Resumed:   state.resumed,
		StartTime: state.startTime,
		NodeCount: len(plan.Order()),
	})
	if err := e.saveCheckpoint(runCtx, state); err != nil {
		logger.Error("failed to save checkpoint", "error", err)
		return e.finish(runCtx, plan, state, RunStatusHalted, time.Time{}, SystemError(err))
	}

	conditions := newConditionCache(plan, e.compiler)

	for _, id := range plan.Order() {
		if _, done := state.node(id); done {
			continue
		}
		if err := ctx.Err(); err != nil {
			logger.Warn("run cancelled", "next_node", id)
			result, _ := e.finish(runCtx, plan, state, RunStatusCancelled, time.Time{}, ClassifyError(err))
			return result, err
		}

		outcome := e.runNode(runCtx, plan, state, conditions, id, logger)
		if err := e.record(runCtx, plan, state, outcome); err != nil {
			logger.Error("failed to record node", "node_id", id, "error", err)
			return e.finish(runCtx, plan, state, RunStatusHalted, time.Time{}, SystemError(err))
		}

		switch {
		case outcome.exec.Status == NodeStatusSuspended:
			logger.Info("run suspended", "node_id", id, "resume_at", outcome.exec.ResumeAt)
			return e.finish(runCtx, plan, state, RunStatusSuspended, outcome.exec.ResumeAt, nil)
		case outcome.err != nil && outcome.err.Type == ErrorTypeSystem:
			logger.Error("run halted by system error", "node_id", id, "error", outcome.err)
			return e.finish(runCtx, plan, state, RunStatusHalted, time.Time{}, outcome.err)
		}
	}

	status := RunStatusCompleted
	for _, id := range plan.Order() {
		if exec, ok := state.node(id); ok && exec.failedUpstream() {
			status = RunStatusPartialFailure
			break
		}
	}
	return e.finish(runCtx, plan, state, status, time.Time{}, nil)
}

// finish records the final run status, saves a last checkpoint and fires
// AfterRun. A halted run returns its error.
func (e *Executor) finish(ctx context.Context, plan *Plan, state *runState, status RunStatus, resumeAt time.Time, runErr *Error) (*RunResult, error) {
	endTime := e.clock.Now()
	if status == RunStatusSuspended {
		endTime = time.Time{}
	}
	state.setFinished(status, endTime, resumeAt, runErr)
	if err := e.saveCheckpoint(ctx, state); err != nil {
		e.logger.Error("failed to save final checkpoint", "run_id", state.runID, "error", err)
		if runErr == nil {
			runErr = SystemError(err)
			status = RunStatusHalted
			state.setFinished(status, e.clock.Now(), time.Time{}, runErr)
		}
	}

	result := state.result()
	var afterErr error
	if runErr != nil {
		afterErr = runErr
	}
	e.callbacks.AfterRun(ctx, &RunEvent{
		RunID:     state.runID,
		GraphName: plan.Name(),
		Status:    status,
		Resumed:   state.resumed,
		StartTime: result.StartTime,
		EndTime:   result.EndTime,
		Duration:  durationOf(result.StartTime, result.EndTime),
		NodeCount: len(result.Nodes),
		Error:     afterErr,
	})
	e.logger.Info("run finished",
		"run_id", state.runID,
		"status", status,
		"nodes", len(result.Nodes),
		"failed", len(result.Failed()),
		"skipped", len(result.Skipped()))

	if status == RunStatusHalted {
		return result, runErr
	}
	return result, nil
}

func (e *Executor) saveCheckpoint(ctx context.Context, state *runState) error {
	n := e.checkpointCounter.Add(1)
	id := fmt.Sprintf("%06d-%s", n, uuid.Must(uuid.NewV7()).String())
	return e.checkpointer.SaveCheckpoint(ctx, state.ToCheckpoint(id, e.clock.Now()))
}

// RunResult loads the latest recorded result of a run.
func (e *Executor) RunResult(ctx context.Context, runID string) (*RunResult, error) {
	checkpoint, err := e.checkpointer.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	plan, err := Compile(checkpoint.Graph)
	if err != nil {
		return nil, err
	}
	return runStateFromCheckpoint(checkpoint, plan).result(), nil
}

func durationOf(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() {
		return 0
	}
	return end.Sub(start)
}

// IsRunNotFound reports whether err means the run has no checkpoint.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}
