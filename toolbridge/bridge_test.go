package toolbridge

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func resizeNode(calls *atomic.Int64) nodeflow.Node {
	return nodeflow.NewNodeFunction(nodeflow.Descriptor{
		Type:        "image.resize",
		Description: "Resizes an image.",
		Inputs: []nodeflow.InputSpec{
			{Name: "image", Type: marshal.TypeImage, Description: "Source image"},
			{Name: "width", Type: marshal.TypeInteger, Description: "Target width in pixels", Default: 256},
			{Name: "keep_aspect", Type: marshal.TypeBoolean, Optional: true},
			{Name: "secret", Type: marshal.TypeString, Hidden: true, Default: "x"},
		},
		Outputs: []nodeflow.OutputSpec{
			{Name: "image", Type: marshal.TypeImage},
			{Name: "width", Type: marshal.TypeInteger},
		},
	}, func(ctx nodeflow.Context) (map[string]any, error) {
		calls.Add(1)
		img, err := nodeflow.InputBinary(ctx, "image")
		if err != nil {
			return nil, err
		}
		width, err := nodeflow.InputInt(ctx, "width")
		if err != nil {
			return nil, err
		}
		return map[string]any{"image": img, "width": width}, nil
	})
}

func upperNode() nodeflow.Node {
	return nodeflow.NewNodeFunction(nodeflow.Descriptor{
		Type:    "text.upper",
		Inputs:  []nodeflow.InputSpec{{Name: "text", Type: marshal.TypeString}},
		Outputs: []nodeflow.OutputSpec{{Name: "text", Type: marshal.TypeString}},
	}, func(ctx nodeflow.Context) (map[string]any, error) {
		s, err := nodeflow.InputString(ctx, "text")
		if err != nil {
			return nil, err
		}
		if s == "" {
			return nil, errors.New("nothing to shout")
		}
		return map[string]any{"text": strings.ToUpper(s)}, nil
	})
}

func doubleNode() nodeflow.Node {
	return nodeflow.NewNodeFunction(nodeflow.Descriptor{
		Type:    "math.double",
		Inputs:  []nodeflow.InputSpec{{Name: "x", Type: marshal.TypeNumber}},
		Outputs: []nodeflow.OutputSpec{{Name: "result", Type: marshal.TypeNumber}},
	}, func(ctx nodeflow.Context) (map[string]any, error) {
		x, err := nodeflow.InputFloat(ctx, "x")
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": 2 * x}, nil
	})
}

func newBridge(t *testing.T, calls *atomic.Int64, exclude ...string) *Bridge {
	t.Helper()
	reg := nodeflow.NewRegistry(resizeNode(calls), upperNode(), doubleNode())
	executor, err := nodeflow.NewExecutor(nodeflow.ExecutorOptions{Registry: reg})
	require.NoError(t, err)
	bridge, err := New(Options{Executor: executor, Exclude: exclude})
	require.NoError(t, err)
	return bridge
}

func TestToolSchemas(t *testing.T) {
	bridge := newBridge(t, &atomic.Int64{}, "math.double")

	tools := bridge.ListTools()
	require.Len(t, tools, 2)
	require.Equal(t, "image_resize", tools[0].Name)
	require.Equal(t, "image.resize", tools[0].NodeType)
	require.Equal(t, "text_upper", tools[1].Name)
	require.Equal(t, "Runs the text.upper node.", tools[1].Description)

	data, err := xjson.MarshalIndent(tools, "", "  ")
	require.NoError(t, err)
	gold := goldie.New(t, goldie.WithFixtureDir("testdata"))
	gold.Assert(t, "tools", append(data, '\n'))

	_, err = bridge.Describe("math.double")
	require.ErrorIs(t, err, ErrUnknownTool)
	_, err = bridge.Describe("nope")
	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestToolSchemasEncode(t *testing.T) {
	bridge := newBridge(t, &atomic.Int64{})

	var data []byte
	require.NotPanics(t, func() {
		var err error
		data, err = xjson.Marshal(bridge.ListTools())
		require.NoError(t, err)
	})

	var decoded []map[string]any
	require.NoError(t, xjson.Unmarshal(data, &decoded))
	require.Len(t, decoded, 3)
	for _, tool := range decoded {
		schema := tool["input_schema"].(map[string]any)
		require.Equal(t, false, schema["additionalProperties"], tool["name"])
		require.Equal(t, "object", schema["type"])
	}
}

func TestToolName(t *testing.T) {
	tests := map[string]string{
		"math.add":        "math_add",
		"image/resize v2": "image_resize_v2",
		"already_ok-1":    "already_ok-1",
		"ünïcode":         "_n_code",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, ToolName(in))
		})
	}
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()

	t.Run("coerces arguments", func(t *testing.T) {
		bridge := newBridge(t, &atomic.Int64{})
		result := bridge.CallTool(ctx, "math_double", map[string]any{"x": "21"})
		require.True(t, result.Success, result.Error)
		require.Equal(t, 42.0, result.Result["result"])
		require.NotEmpty(t, result.RunID)
	})

	t.Run("missing required argument", func(t *testing.T) {
		calls := &atomic.Int64{}
		bridge := newBridge(t, calls)
		result := bridge.Invoke(ctx, "image.resize", map[string]any{"width": 10})
		require.False(t, result.Success)
		require.Equal(t, "missing required argument(s): image", result.Error)
		require.Equal(t, nodeflow.ErrorTypeValidation, result.ErrorType)
		require.Zero(t, calls.Load())
	})

	t.Run("unexpected and hidden arguments", func(t *testing.T) {
		calls := &atomic.Int64{}
		bridge := newBridge(t, calls)
		result := bridge.Invoke(ctx, "image.resize", map[string]any{
			"image":  base64.StdEncoding.EncodeToString(pngHeader),
			"secret": "override",
			"height": 3,
		})
		require.False(t, result.Success)
		require.Equal(t, "unexpected argument(s): height, secret", result.Error)
		require.Zero(t, calls.Load())
	})

	t.Run("binary arguments and results", func(t *testing.T) {
		calls := &atomic.Int64{}
		bridge := newBridge(t, calls)
		result := bridge.Invoke(ctx, "image.resize", map[string]any{
			"image": base64.StdEncoding.EncodeToString(pngHeader),
		})
		require.True(t, result.Success, result.Error)
		require.Equal(t, int64(256), result.Result["width"])

		ref, ok := result.Result["image"].(map[string]any)
		require.True(t, ok, "image should be exported as a reference")
		require.Equal(t, "image/png", ref["mime_type"])
		require.NotEmpty(t, ref[marshal.RefKey])

		// The reference can be passed back in
		again := bridge.Invoke(ctx, "image.resize", map[string]any{"image": ref, "width": "64"})
		require.True(t, again.Success, again.Error)
		require.Equal(t, ref[marshal.RefKey], again.Result["image"].(map[string]any)[marshal.RefKey])
		require.Equal(t, int64(64), again.Result["width"])
		require.Equal(t, int64(2), calls.Load())
	})

	t.Run("undecodable binary", func(t *testing.T) {
		bridge := newBridge(t, &atomic.Int64{})
		result := bridge.Invoke(ctx, "image.resize", map[string]any{"image": "%%%"})
		require.False(t, result.Success)
		require.Contains(t, result.Error, `argument "image"`)

		result = bridge.Invoke(ctx, "image.resize", map[string]any{
			"image": map[string]any{marshal.RefKey: strings.Repeat("0", 64), "mime_type": "image/png"},
		})
		require.False(t, result.Success)
		require.Contains(t, result.Error, "unknown reference")
	})

	t.Run("node failure", func(t *testing.T) {
		bridge := newBridge(t, &atomic.Int64{})
		result := bridge.CallTool(ctx, "text_upper", map[string]any{"text": ""})
		require.False(t, result.Success)
		require.Contains(t, result.Error, "nothing to shout")
		require.Equal(t, nodeflow.ErrorTypeNodeExecution, result.ErrorType)
		require.NotEmpty(t, result.RunID)
	})

	t.Run("unknown tool", func(t *testing.T) {
		bridge := newBridge(t, &atomic.Int64{})
		result := bridge.CallTool(ctx, "nope", nil)
		require.False(t, result.Success)
		require.Equal(t, "unknown tool: nope", result.Error)
	})
}
