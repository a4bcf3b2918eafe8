package nodes

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/deepnoodle-ai/nodeflow/marshal"
)

// NewJSONParse returns the json.parse node.
func NewJSONParse() nodeflow.Node {
	return nodeflow.NewNodeFunction(nodeflow.Descriptor{
		Type:        "json.parse",
		Description: "Parses a JSON document.",
		Inputs:      []nodeflow.InputSpec{{Name: "text", Type: marshal.TypeString, Description: "JSON text"}},
		Outputs:     []nodeflow.OutputSpec{{Name: "value", Type: marshal.TypeJSON}},
	}, func(ctx nodeflow.Context) (map[string]any, error) {
		text, err := nodeflow.InputString(ctx, "text")
		if err != nil {
			return nil, err
		}
		var value any
		if err := xjson.Unmarshal([]byte(text), &value); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return map[string]any{"value": value}, nil
	})
}

// NewJSONQuery returns the json.query node. Paths use dot notation with
// numeric segments indexing arrays, for example "items.0.name".
func NewJSONQuery() nodeflow.Node {
	return nodeflow.NewNodeFunction(nodeflow.Descriptor{
		Type:        "json.query",
		Description: "Extracts a value from a JSON document by path.",
		Inputs: []nodeflow.InputSpec{
			{Name: "data", Type: marshal.TypeJSON},
			{Name: "path", Type: marshal.TypeString, Description: "Dot separated path, e.g. items.0.name"},
		},
		Outputs: []nodeflow.OutputSpec{{Name: "value", Type: marshal.TypeAny}},
	}, func(ctx nodeflow.Context) (map[string]any, error) {
		data, _ := ctx.Input("data")
		path, err := nodeflow.InputString(ctx, "path")
		if err != nil {
			return nil, err
		}
		value, err := Query(data, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": value}, nil
	})
}

// Query walks data along a dot separated path.
func Query(data any, path string) (any, error) {
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return data, nil
	}
	current := data
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[part]
			if !ok {
				return nil, fmt.Errorf("key '%s' not found", part)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid array index '%s'", part)
			}
			if idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("array index %d out of bounds", idx)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot query '%s' in a %T", part, current)
		}
	}
	return current, nil
}

// NewJSONMerge returns the json.merge node. Nested objects are merged
// recursively and values from patch win.
func NewJSONMerge() nodeflow.Node {
	return nodeflow.NewNodeFunction(nodeflow.Descriptor{
		Type:        "json.merge",
		Description: "Merges two JSON objects.",
		Inputs: []nodeflow.InputSpec{
			{Name: "base", Type: marshal.TypeObject},
			{Name: "patch", Type: marshal.TypeObject},
		},
		Outputs: []nodeflow.OutputSpec{{Name: "value", Type: marshal.TypeObject}},
	}, func(ctx nodeflow.Context) (map[string]any, error) {
		base, _ := ctx.Input("base")
		patch, _ := ctx.Input("patch")
		a, _ := base.(map[string]any)
		b, _ := patch.(map[string]any)
		return map[string]any{"value": mergeObjects(a, b)}, nil
	})
}

func mergeObjects(a, b map[string]any) map[string]any {
	result := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		if existing, ok := result[k].(map[string]any); ok {
			if patch, ok := v.(map[string]any); ok {
				result[k] = mergeObjects(existing, patch)
				continue
			}
		}
		result[k] = v
	}
	return result
}
