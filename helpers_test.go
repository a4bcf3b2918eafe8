package nodeflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/stretchr/testify/require"
)

func constNode() Node {
	return NewNodeFunction(Descriptor{
		Type:    "test.const",
		Inputs:  []InputSpec{{Name: "value", Type: marshal.TypeAny}},
		Outputs: []OutputSpec{{Name: "value", Type: marshal.TypeAny}},
	}, func(ctx Context) (map[string]any, error) {
		v, _ := ctx.Input("value")
		return map[string]any{"value": v}, nil
	})
}

func addNode() Node {
	return NewNodeFunction(Descriptor{
		Type: "test.add",
		Inputs: []InputSpec{
			{Name: "a", Type: marshal.TypeNumber},
			{Name: "b", Type: marshal.TypeNumber, Default: 0},
		},
		Outputs: []OutputSpec{{Name: "sum", Type: marshal.TypeNumber}},
	}, func(ctx Context) (map[string]any, error) {
		a, err := InputFloat(ctx, "a")
		if err != nil {
			return nil, err
		}
		b, err := InputFloat(ctx, "b")
		if err != nil {
			return nil, err
		}
		return map[string]any{"sum": a + b}, nil
	})
}

func failNode() Node {
	return NewNodeFunction(Descriptor{
		Type:    "test.fail",
		Inputs:  []InputSpec{{Name: "in", Type: marshal.TypeAny, Optional: true}},
		Outputs: []OutputSpec{{Name: "out", Type: marshal.TypeAny}},
	}, func(ctx Context) (map[string]any, error) {
		return nil, errors.New("intentional failure")
	})
}

// spyNode counts its invocations.
type spyNode struct {
	calls atomic.Int64
}

func (s *spyNode) Descriptor() Descriptor {
	return Descriptor{
		Type:    "test.spy",
		Inputs:  []InputSpec{{Name: "in", Type: marshal.TypeAny}},
		Outputs: []OutputSpec{{Name: "out", Type: marshal.TypeAny}},
	}
}

func (s *spyNode) Execute(ctx Context) (map[string]any, error) {
	s.calls.Add(1)
	v, _ := ctx.Input("in")
	return map[string]any{"out": v}, nil
}

// napNode sleeps durably between two recorded steps.
type napNode struct {
	before atomic.Int64
	after  atomic.Int64
}

func (n *napNode) Descriptor() Descriptor {
	return Descriptor{
		Type:        "test.nap",
		Inputs:      []InputSpec{{Name: "seconds", Type: marshal.TypeInteger, Default: 3600}},
		Outputs:     []OutputSpec{{Name: "done", Type: marshal.TypeBoolean}},
		LongRunning: true,
	}
}

func (n *napNode) Execute(ctx Context) (map[string]any, error) {
	seconds, err := InputInt(ctx, "seconds")
	if err != nil {
		return nil, err
	}
	if err := ctx.Steps().Do(ctx, "", func(ctx context.Context) (any, error) {
		n.before.Add(1)
		return "prepared", nil
	}, nil); err != nil {
		return nil, err
	}
	if err := ctx.Steps().Sleep(ctx, time.Duration(seconds)*time.Second); err != nil {
		return nil, err
	}
	n.after.Add(1)
	return map[string]any{"done": true}, nil
}

func compileYAML(t *testing.T, reg *Registry, src string) *Plan {
	t.Helper()
	g, err := LoadString(src)
	require.NoError(t, err)
	require.NoError(t, g.Resolve(reg))
	plan, err := Compile(g)
	require.NoError(t, err)
	return plan
}

func newTestExecutor(t *testing.T, reg *Registry, opts ExecutorOptions) *Executor {
	t.Helper()
	opts.Registry = reg
	executor, err := NewExecutor(opts)
	require.NoError(t, err)
	return executor
}
