package nodes

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/marshal"
)

// NewFail returns the fail node, which always fails. It is useful for
// exercising error handling in graphs.
func NewFail() nodeflow.Node {
	return nodeflow.NewNodeFunction(nodeflow.Descriptor{
		Type:        "fail",
		Description: "Always fails with the given message.",
		Inputs: []nodeflow.InputSpec{
			{Name: "message", Type: marshal.TypeString, Default: "intentional failure"},
			{Name: "input", Type: marshal.TypeAny, Optional: true, Hidden: true},
		},
		Outputs: []nodeflow.OutputSpec{{Name: "output", Type: marshal.TypeAny}},
	}, func(ctx nodeflow.Context) (map[string]any, error) {
		message, _ := nodeflow.InputString(ctx, "message")
		return nil, errors.New(message)
	})
}

// NewPrint returns the print node, which writes its message to w and passes
// it through.
func NewPrint(w io.Writer) nodeflow.Node {
	return nodeflow.NewNodeFunction(nodeflow.Descriptor{
		Type:        "print",
		Description: "Prints a message.",
		Inputs:      []nodeflow.InputSpec{{Name: "message", Type: marshal.TypeAny}},
		Outputs:     []nodeflow.OutputSpec{{Name: "message", Type: marshal.TypeAny}},
	}, func(ctx nodeflow.Context) (map[string]any, error) {
		message, _ := ctx.Input("message")
		if _, err := fmt.Fprintln(w, message); err != nil {
			return nil, err
		}
		return map[string]any{"message": message}, nil
	})
}

// TimeInput selects the time.now format.
type TimeInput struct {
	UTC    bool   `json:"utc"`
	Format string `json:"format"`
}

type timeOutput struct {
	Time string `json:"time"`
	Unix int64  `json:"unix"`
}

// NewTimeNow returns the time.now node.
func NewTimeNow(now func() time.Time) nodeflow.Node {
	return nodeflow.TypedNodeFunction(nodeflow.Descriptor{
		Type:        "time.now",
		Description: "Returns the current time.",
		Inputs: []nodeflow.InputSpec{
			{Name: "utc", Type: marshal.TypeBoolean, Default: true},
			{Name: "format", Type: marshal.TypeString, Description: "Go time layout", Default: time.RFC3339},
		},
		Outputs: []nodeflow.OutputSpec{
			{Name: "time", Type: marshal.TypeString},
			{Name: "unix", Type: marshal.TypeInteger},
		},
	}, func(ctx nodeflow.Context, in TimeInput) (timeOutput, error) {
		t := now()
		if in.UTC {
			t = t.UTC()
		}
		if in.Format == "" {
			in.Format = time.RFC3339
		}
		return timeOutput{Time: t.Format(in.Format), Unix: t.Unix()}, nil
	})
}
