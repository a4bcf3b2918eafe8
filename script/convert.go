package script

import (
	"strings"
	"time"

	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/risor-io/risor/object"
)

// ToGo converts a risor object to a plain Go value.
func ToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.ByteSlice:
		return o.Value()
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Set:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = ToGo(value)
		}
		return result
	}
	return obj.Inspect()
}

// Truthy reports the truthiness of a risor object or plain Go value. The
// string "false" is false, as are empty collections and zero numbers.
func Truthy(value any) bool {
	if obj, ok := value.(object.Object); ok {
		switch o := obj.(type) {
		case *object.String:
			return truthyString(o.Value())
		case *object.List:
			return len(o.Value()) > 0
		case *object.Map:
			return len(o.Value()) > 0
		}
		return obj.IsTruthy()
	}

	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return truthyString(v)
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	return true
}

func truthyString(s string) bool {
	return s != "" && strings.ToLower(s) != "false"
}

// toRisorInput reduces a value to the types risor can import. Typed structs
// and maps are passed through the JSON codec.
func toRisorInput(value any) any {
	switch v := value.(type) {
	case nil, string, bool, int, int64, float64, time.Time, []byte, object.Object:
		return v
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = toRisorInput(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = toRisorInput(item)
		}
		return out
	}
	data, err := xjson.Marshal(value)
	if err != nil {
		return nil
	}
	var out any
	if err := xjson.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
