package nodes

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/marshal"
)

// NewWait returns the wait node. It sleeps durably, so a long wait suspends
// the run instead of holding a goroutine, and passes its value through.
func NewWait() nodeflow.Node {
	return nodeflow.NewNodeFunction(nodeflow.Descriptor{
		Type:        "wait",
		Description: "Waits for a duration, then passes its value through.",
		LongRunning: true,
		Inputs: []nodeflow.InputSpec{
			{Name: "duration", Type: marshal.TypeString, Description: "Go duration such as 90s or 2h"},
			{Name: "value", Type: marshal.TypeAny, Optional: true},
		},
		Outputs: []nodeflow.OutputSpec{
			{Name: "value", Type: marshal.TypeAny},
			{Name: "waited", Type: marshal.TypeString},
		},
	}, func(ctx nodeflow.Context) (map[string]any, error) {
		raw, err := nodeflow.InputString(ctx, "duration")
		if err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration: %w", err)
		}
		if d < 0 {
			return nil, fmt.Errorf("duration must not be negative")
		}
		if err := ctx.Steps().Sleep(ctx, d); err != nil {
			return nil, err
		}
		value, _ := ctx.Input("value")
		return map[string]any{"value": value, "waited": d.String()}, nil
	})
}
