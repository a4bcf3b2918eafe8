package nodes

import (
	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/marshal"
)

// BinaryInput holds the operands of the arithmetic nodes.
type BinaryInput struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type sumOutput struct {
	Sum float64 `json:"sum"`
}

type productOutput struct {
	Product float64 `json:"product"`
}

func operands() []nodeflow.InputSpec {
	return []nodeflow.InputSpec{
		{Name: "a", Type: marshal.TypeNumber, Description: "First operand"},
		{Name: "b", Type: marshal.TypeNumber, Description: "Second operand"},
	}
}

// NewAdd returns the math.add node.
func NewAdd() nodeflow.Node {
	return nodeflow.TypedNodeFunction(nodeflow.Descriptor{
		Type:        "math.add",
		Description: "Adds two numbers.",
		Inputs:      operands(),
		Outputs:     []nodeflow.OutputSpec{{Name: "sum", Type: marshal.TypeNumber}},
	}, func(ctx nodeflow.Context, in BinaryInput) (sumOutput, error) {
		return sumOutput{Sum: in.A + in.B}, nil
	})
}

// NewMultiply returns the math.multiply node.
func NewMultiply() nodeflow.Node {
	return nodeflow.TypedNodeFunction(nodeflow.Descriptor{
		Type:        "math.multiply",
		Description: "Multiplies two numbers.",
		Inputs:      operands(),
		Outputs:     []nodeflow.OutputSpec{{Name: "product", Type: marshal.TypeNumber}},
	}, func(ctx nodeflow.Context, in BinaryInput) (productOutput, error) {
		return productOutput{Product: in.A * in.B}, nil
	})
}
