// Package toolbridge exposes registered node types as callable tools with a
// generated JSON schema, for function-calling callers such as LLM agents.
package toolbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/marshal"
)

// ErrUnknownTool is returned when a tool or node type is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// toolNodeID is the id of the single node in a tool call graph.
const toolNodeID = "tool"

// Options configures a Bridge
type Options struct {
	Executor   *nodeflow.Executor
	Registry   *nodeflow.Registry
	Marshaller *marshal.Marshaller
	Logger     *slog.Logger

	// Exclude lists node types that are never exposed as tools.
	Exclude []string
}

// Bridge turns node types into tools.
type Bridge struct {
	executor   *nodeflow.Executor
	registry   *nodeflow.Registry
	marshaller *marshal.Marshaller
	logger     *slog.Logger
	exclude    map[string]bool
}

// Result is the outcome of a tool call. Result holds the node outputs in
// JSON-safe form; binary outputs appear as object references.
type Result struct {
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
}

func failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// New returns a Bridge. The registry and marshaller default to the
// executor's.
func New(opts Options) (*Bridge, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Registry == nil {
		opts.Registry = opts.Executor.Registry()
	}
	if opts.Marshaller == nil {
		opts.Marshaller = opts.Executor.Marshaller()
	}
	logger := opts.Logger
	if logger == nil {
		logger = nodeflow.NewDiscardLogger()
	}
	exclude := map[string]bool{}
	for _, nodeType := range opts.Exclude {
		exclude[nodeType] = true
	}
	return &Bridge{
		executor:   opts.Executor,
		registry:   opts.Registry,
		marshaller: opts.Marshaller,
		logger:     logger.With("component", "toolbridge"),
		exclude:    exclude,
	}, nil
}

// Describe returns the tool for a node type.
func (b *Bridge) Describe(nodeType string) (Tool, error) {
	if b.exclude[nodeType] {
		return Tool{}, fmt.Errorf("%w: %s", ErrUnknownTool, nodeType)
	}
	node, ok := b.registry.Get(nodeType)
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrUnknownTool, nodeType)
	}
	return describe(node.Descriptor()), nil
}

// ListTools returns every exposed tool sorted by name. When two node types
// map to the same tool name the first type in sorted order wins.
func (b *Bridge) ListTools() []Tool {
	var tools []Tool
	seen := map[string]string{}
	for _, nodeType := range b.registry.Types() {
		tool, err := b.Describe(nodeType)
		if err != nil {
			continue
		}
		if other, dup := seen[tool.Name]; dup {
			b.logger.Warn("tool name collision", "tool", tool.Name, "kept", other, "dropped", nodeType)
			continue
		}
		seen[tool.Name] = nodeType
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// CallTool invokes a tool by its tool name.
func (b *Bridge) CallTool(ctx context.Context, name string, args map[string]any) Result {
	for _, tool := range b.ListTools() {
		if tool.Name == name {
			return b.Invoke(ctx, tool.NodeType, args)
		}
	}
	return failure("%v: %s", ErrUnknownTool, name)
}

// Invoke runs a node type as a single-node graph. Arguments are coerced to
// the declared input types first; missing required arguments and
// undeclared arguments are reported without running the node.
func (b *Bridge) Invoke(ctx context.Context, nodeType string, args map[string]any) Result {
	tool, err := b.Describe(nodeType)
	if err != nil {
		return failure("%v", err)
	}
	node, _ := b.registry.Get(nodeType)
	desc := node.Descriptor()
	logger := b.logger.With("tool", tool.Name)

	inputs, err := b.coerceArgs(ctx, tool, desc, args)
	if err != nil {
		logger.Info("rejected tool call", "error", err)
		return Result{Success: false, Error: err.Error(), ErrorType: nodeflow.ErrorTypeValidation}
	}

	graph := &nodeflow.Graph{
		Name: "tool:" + tool.Name,
		Nodes: []*nodeflow.NodeSpec{{
			ID:          toolNodeID,
			Type:        desc.Type,
			Description: desc.Description,
			Inputs:      desc.Inputs,
			Outputs:     desc.Outputs,
		}},
	}
	plan, err := b.executor.Compile(graph)
	if err != nil {
		return failure("%v", err)
	}

	result, err := b.executor.RunToCompletion(ctx, nodeflow.RunRequest{
		Plan:   plan,
		Inputs: map[string]map[string]any{toolNodeID: inputs},
	})
	if err != nil {
		classified := nodeflow.ClassifyError(err)
		out := Result{Success: false, Error: err.Error(), ErrorType: classified.Type}
		if result != nil {
			out.RunID = result.RunID
		}
		logger.Warn("tool call failed", "error", err)
		return out
	}

	exec, ok := result.Node(toolNodeID)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("run %s recorded no result", result.Status), RunID: result.RunID}
	}
	if exec.Status != nodeflow.NodeStatusCompleted {
		return Result{Success: false, Error: exec.Error, ErrorType: exec.ErrorType, RunID: result.RunID}
	}

	outputs := make(map[string]any, len(exec.Portable))
	for name, p := range exec.Portable {
		outputs[name] = marshal.Export(p)
	}
	logger.Debug("tool call succeeded", "run_id", result.RunID)
	return Result{Success: true, Result: outputs, RunID: result.RunID}
}

func (b *Bridge) coerceArgs(ctx context.Context, tool Tool, desc nodeflow.Descriptor, args map[string]any) (map[string]any, error) {
	var unexpected []string
	for name := range args {
		if _, ok := tool.Schema.Properties[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	if len(unexpected) > 0 {
		slices.Sort(unexpected)
		return nil, fmt.Errorf("unexpected argument(s): %s", strings.Join(unexpected, ", "))
	}

	inputs := map[string]any{}
	var missing []string
	for _, in := range desc.Inputs {
		v, ok := args[in.Name]
		if !ok || v == nil {
			if in.Required() && !in.Hidden {
				missing = append(missing, in.Name)
			}
			continue
		}
		coerced, err := b.marshaller.Coerce(ctx, in.Type, v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", in.Name, err)
		}
		inputs[in.Name] = coerced
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required argument(s): %s", strings.Join(missing, ", "))
	}
	return inputs, nil
}
