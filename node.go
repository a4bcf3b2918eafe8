package nodeflow

import (
	"fmt"

	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/deepnoodle-ai/nodeflow/marshal"
)

// Confirm the interfaces are implemented correctly.
var (
	_ Node = (*NodeFunction)(nil)
	_ Node = (*typedNodeFunction[any, any])(nil)
)

// Node is one type of unit of work that can appear in a graph.
type Node interface {

	// Descriptor returns the static description of the node type.
	Descriptor() Descriptor

	// Execute runs the node against its resolved inputs and returns its
	// outputs keyed by output name.
	Execute(ctx Context) (map[string]any, error)
}

// Descriptor declares a node type and its typed ports.
type Descriptor struct {
	Type        string       `json:"type" yaml:"type"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      []InputSpec  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []OutputSpec `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// LongRunning nodes receive a durable step runner on their context.
	LongRunning bool `json:"long_running,omitempty" yaml:"long_running,omitempty"`
}

// Input returns the declared input with the given name.
func (d Descriptor) Input(name string) (InputSpec, bool) {
	for _, in := range d.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}

// Output returns the declared output with the given name.
func (d Descriptor) Output(name string) (OutputSpec, bool) {
	for _, out := range d.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return OutputSpec{}, false
}

// InputSpec declares a typed node input.
type InputSpec struct {
	Name        string       `json:"name" yaml:"name"`
	Type        marshal.Type `json:"type,omitempty" yaml:"type,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Optional    bool         `json:"optional,omitempty" yaml:"optional,omitempty"`
	Default     any          `json:"default,omitempty" yaml:"default,omitempty"`

	// Hidden inputs are not offered to tool callers.
	Hidden bool `json:"hidden,omitempty" yaml:"hidden,omitempty"`
}

// Required reports whether a value must be supplied for the input.
func (in InputSpec) Required() bool {
	return !in.Optional && in.Default == nil
}

// OutputSpec declares a typed node output.
type OutputSpec struct {
	Name        string       `json:"name" yaml:"name"`
	Type        marshal.Type `json:"type,omitempty" yaml:"type,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// NodeFunc is the signature of a node implemented as a plain function.
type NodeFunc func(ctx Context) (map[string]any, error)

// NodeFunction wraps a function for use as a Node.
type NodeFunction struct {
	desc Descriptor
	fn   NodeFunc
}

// NewNodeFunction returns a Node for the given descriptor and function.
func NewNodeFunction(desc Descriptor, fn NodeFunc) *NodeFunction {
	return &NodeFunction{desc: desc, fn: fn}
}

// Descriptor of the Node.
func (n *NodeFunction) Descriptor() Descriptor {
	return n.desc
}

// Execute the Node.
func (n *NodeFunction) Execute(ctx Context) (map[string]any, error) {
	return n.fn(ctx)
}

// TypedNodeFunction wraps a function taking and returning structs. Inputs are
// decoded into TIn and the returned TOut is flattened into the output map,
// both by way of their JSON field names. Binary ports should use
// NewNodeFunction instead since bytes do not survive the JSON round trip.
func TypedNodeFunction[TIn, TOut any](desc Descriptor, fn func(ctx Context, in TIn) (TOut, error)) Node {
	return &typedNodeFunction[TIn, TOut]{desc: desc, fn: fn}
}

type typedNodeFunction[TIn, TOut any] struct {
	desc Descriptor
	fn   func(ctx Context, in TIn) (TOut, error)
}

func (t *typedNodeFunction[TIn, TOut]) Descriptor() Descriptor {
	return t.desc
}

func (t *typedNodeFunction[TIn, TOut]) Execute(ctx Context) (map[string]any, error) {
	var in TIn
	data, err := xjson.Marshal(ctx.Inputs())
	if err != nil {
		return nil, fmt.Errorf("failed to encode inputs: %w", err)
	}
	if err := xjson.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to decode inputs: %w", err)
	}
	out, err := t.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	data, err = xjson.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outputs: %w", err)
	}
	outputs := map[string]any{}
	if err := xjson.Unmarshal(data, &outputs); err != nil {
		return nil, fmt.Errorf("node %s must return a struct or map: %w", t.desc.Type, err)
	}
	return outputs, nil
}
