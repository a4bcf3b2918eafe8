package nodes

import (
	"fmt"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/deepnoodle-ai/nodeflow/script"
)

// NewScript returns the script node. The code sees the node's data input as
// the global inputs and the run id as run_id; the value of the last
// expression is the result.
func NewScript(compiler script.Compiler) nodeflow.Node {
	return nodeflow.NewNodeFunction(nodeflow.Descriptor{
		Type:        "script",
		Description: "Evaluates a risor script.",
		Inputs: []nodeflow.InputSpec{
			{Name: "code", Type: marshal.TypeString},
			{Name: "data", Type: marshal.TypeAny, Optional: true, Description: "Value exposed to the script as inputs"},
		},
		Outputs: []nodeflow.OutputSpec{{Name: "result", Type: marshal.TypeAny}},
	}, func(ctx nodeflow.Context) (map[string]any, error) {
		code, err := nodeflow.InputString(ctx, "code")
		if err != nil {
			return nil, err
		}
		if code == "" {
			return nil, fmt.Errorf("missing 'code' input")
		}
		compiled, err := compiler.Compile(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("failed to compile script: %w", err)
		}
		data, _ := ctx.Input("data")
		result, err := compiled.Evaluate(ctx, map[string]any{
			"inputs": data,
			"node":   ctx.NodeID(),
			"run_id": ctx.RunID(),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": result.Value()}, nil
	})
}

// NewTemplate returns the text.template node, which renders ${...}
// expressions against the data input.
func NewTemplate(compiler script.Compiler) nodeflow.Node {
	return nodeflow.NewNodeFunction(nodeflow.Descriptor{
		Type:        "text.template",
		Description: "Renders a text template with ${expression} blocks.",
		Inputs: []nodeflow.InputSpec{
			{Name: "template", Type: marshal.TypeString},
			{Name: "data", Type: marshal.TypeAny, Optional: true, Description: "Value exposed to expressions as inputs"},
		},
		Outputs: []nodeflow.OutputSpec{{Name: "text", Type: marshal.TypeString}},
	}, func(ctx nodeflow.Context) (map[string]any, error) {
		raw, err := nodeflow.InputString(ctx, "template")
		if err != nil {
			return nil, err
		}
		tmpl, err := script.NewTemplate(ctx, compiler, raw)
		if err != nil {
			return nil, err
		}
		data, _ := ctx.Input("data")
		text, err := tmpl.Eval(ctx, map[string]any{
			"inputs": data,
			"node":   ctx.NodeID(),
			"run_id": ctx.RunID(),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": text}, nil
	})
}
