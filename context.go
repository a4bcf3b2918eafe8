package nodeflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/deepnoodle-ai/nodeflow/durable"
	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/deepnoodle-ai/nodeflow/objectstore"
)

type ContextKey string

const (
	LoggerContextKey ContextKey = "logger"
	RunIDContextKey  ContextKey = "run_id"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// LoggerFromContext returns the logger stored in ctx, or a discard logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return NewDiscardLogger()
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDContextKey, runID)
}

func RunIDFromContext(ctx context.Context) (string, bool) {
	runID, ok := ctx.Value(RunIDContextKey).(string)
	return runID, ok
}

// Context is handed to a node for a single invocation. It is created fresh for
// every invocation and never shared between nodes.
type Context interface {
	context.Context

	// NodeID returns the id of the node in the graph.
	NodeID() string

	// NodeType returns the registered type of the node.
	NodeType() string

	// RunID returns the id of the run the invocation belongs to.
	RunID() string

	// Inputs returns a copy of the resolved input values.
	Inputs() map[string]any

	// Input returns a single resolved input value.
	Input(name string) (any, bool)

	// Env gives access to configuration and secrets.
	Env() Environment

	// Store returns the object store used for binary values.
	Store() objectstore.Store

	// Steps returns the durable step runner. It is nil unless the node type
	// is declared long running.
	Steps() *durable.Runner

	// Logger returns a logger scoped to this invocation.
	Logger() *slog.Logger
}

// ContextOptions configures NewContext.
type ContextOptions struct {
	NodeID   string
	NodeType string
	RunID    string
	Inputs   map[string]any
	Env      Environment
	Store    objectstore.Store
	Steps    *durable.Runner
	Logger   *slog.Logger
}

type nodeContext struct {
	context.Context
	opts ContextOptions
}

// NewContext returns a Context for one node invocation.
func NewContext(ctx context.Context, opts ContextOptions) Context {
	if opts.Env == nil {
		opts.Env = MapEnvironment{}
	}
	opts.Logger = orDiscard(opts.Logger)
	if opts.Inputs == nil {
		opts.Inputs = map[string]any{}
	}
	ctx = WithLogger(ctx, opts.Logger)
	ctx = WithRunID(ctx, opts.RunID)
	return &nodeContext{Context: ctx, opts: opts}
}

func (c *nodeContext) NodeID() string           { return c.opts.NodeID }
func (c *nodeContext) NodeType() string         { return c.opts.NodeType }
func (c *nodeContext) RunID() string            { return c.opts.RunID }
func (c *nodeContext) Env() Environment         { return c.opts.Env }
func (c *nodeContext) Store() objectstore.Store { return c.opts.Store }
func (c *nodeContext) Steps() *durable.Runner   { return c.opts.Steps }
func (c *nodeContext) Logger() *slog.Logger     { return c.opts.Logger }
func (c *nodeContext) Inputs() map[string]any   { return maps.Clone(c.opts.Inputs) }
func (c *nodeContext) Input(name string) (any, bool) {
	v, ok := c.opts.Inputs[name]
	return v, ok
}

// InputString returns a string input. Missing inputs return the empty string.
func InputString(ctx Context, name string) (string, error) {
	v, ok := ctx.Input(name)
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("input %q: expected string, got %T", name, v)
	}
	return s, nil
}

// InputFloat returns a numeric input as a float64.
func InputFloat(ctx Context, name string) (float64, error) {
	v, ok := ctx.Input(name)
	if !ok || v == nil {
		return 0, fmt.Errorf("input %q is missing", name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	}
	return 0, fmt.Errorf("input %q: expected number, got %T", name, v)
}

// InputInt returns a numeric input as an int64. Fractional values are rejected.
func InputInt(ctx Context, name string) (int64, error) {
	v, ok := ctx.Input(name)
	if !ok || v == nil {
		return 0, fmt.Errorf("input %q is missing", name)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	}
	f, err := InputFloat(ctx, name)
	if err != nil {
		return 0, err
	}
	if f != float64(int64(f)) {
		return 0, fmt.Errorf("input %q: expected integer, got %v", name, f)
	}
	return int64(f), nil
}

// InputBool returns a boolean input. Missing inputs are false.
func InputBool(ctx Context, name string) (bool, error) {
	v, ok := ctx.Input(name)
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("input %q: expected boolean, got %T", name, v)
	}
	return b, nil
}

// InputBinary returns a binary input.
func InputBinary(ctx Context, name string) (marshal.Binary, error) {
	v, ok := ctx.Input(name)
	if !ok || v == nil {
		return marshal.Binary{}, fmt.Errorf("input %q is missing", name)
	}
	switch b := v.(type) {
	case marshal.Binary:
		return b, nil
	case *marshal.Binary:
		return *b, nil
	case []byte:
		return marshal.Binary{Data: b}, nil
	}
	return marshal.Binary{}, fmt.Errorf("input %q: expected binary, got %T", name, v)
}
